package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odvcencio/jjsync/internal/config"
	"github.com/odvcencio/jjsync/internal/watcher"
)

func newSyncCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <owner>/<repo>",
		Short: "Synchronize one catalog repository once and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, repo, err := parseRepoArg(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, closeLog := newLogger(cfg.Log, cmd.ErrOrStderr())
			defer closeLog()

			ctx := cmd.Context()
			db, err := openDB(cfg)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()
			if err := db.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			// One-shot syncs read the marker directly; no detector is tracked.
			svc, err := newWatcher(cfg, db, watcher.PollDetector{}, logger, nil)
			if err != nil {
				return err
			}
			if _, _, err := svc.WatchFromCatalog(ctx, owner, repo); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("repository %s/%s is not in the catalog", owner, repo)
				}
				return err
			}
			result, err := svc.ForceSync(ctx, owner, repo)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			return result.Err()
		},
	}
}

func parseRepoArg(arg string) (string, string, error) {
	owner, repo, ok := strings.Cut(strings.TrimSpace(arg), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("expected <owner>/<repo>, got %q", arg)
	}
	return owner, repo, nil
}
