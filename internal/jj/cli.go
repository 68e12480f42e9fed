package jj

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/odvcencio/jjsync/internal/models"
)

// Templates emit one record per entity terminated by \x1e with \x1f between
// fields, so descriptions containing newlines survive parsing.
const (
	changeTemplate = `change_id ++ "\x1f" ++ commit_id ++ "\x1f" ++ description ++ "\x1f" ++ ` +
		`author.name() ++ "\x1f" ++ author.email() ++ "\x1f" ++ ` +
		`author.timestamp().utc().format("%Y-%m-%dT%H:%M:%SZ") ++ "\x1f" ++ ` +
		`if(empty, "1", "0") ++ "\x1f" ++ if(conflict, "1", "0") ++ "\x1e"`

	bookmarkTemplate = `name ++ "\x1f" ++ remote ++ "\x1f" ++ ` +
		`if(normal_target, normal_target.change_id(), "") ++ "\x1e"`

	operationTemplate = `id ++ "\x1f" ++ description ++ "\x1f" ++ ` +
		`time.start().utc().format("%Y-%m-%dT%H:%M:%SZ") ++ "\x1f" ++ tags ++ "\x1e"`

	conflictedChangeTemplate = `change_id ++ "\x1e"`

	// visibleChanges excludes the virtual root commit.
	visibleChanges = "all() ~ root()"
)

// CLIReader implements Reader by running the jj binary.
type CLIReader struct {
	bin string
}

// NewCLIReader returns a reader that runs bin (for example "jj").
func NewCLIReader(bin string) *CLIReader {
	if strings.TrimSpace(bin) == "" {
		bin = "jj"
	}
	return &CLIReader{bin: bin}
}

// Open validates the workspace and returns a handle on it. A missing .jj
// directory, a corrupt repo or a locked store surface as errors here.
func (r *CLIReader) Open(ctx context.Context, path string) (Handle, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace path: %w", err)
	}
	if !IsWorkspace(absPath) {
		return nil, fmt.Errorf("%s: %w", absPath, ErrNotWorkspace)
	}
	h := &cliHandle{bin: r.bin, path: absPath}
	if _, err := h.exec(ctx, "root"); err != nil {
		return nil, fmt.Errorf("open %s: %w", absPath, err)
	}
	return h, nil
}

type cliHandle struct {
	bin    string
	path   string
	closed atomic.Bool
}

// exec runs one read-only jj command against the workspace. The working copy
// is never snapshotted, so reading does not itself create an operation.
func (h *cliHandle) exec(ctx context.Context, args ...string) ([]byte, error) {
	if h.closed.Load() {
		return nil, ErrHandleClosed
	}
	full := append([]string{
		"--repository", h.path,
		"--ignore-working-copy",
		"--no-pager",
		"--color", "never",
	}, args...)
	cmd := exec.CommandContext(ctx, h.bin, full...)
	cmd.Dir = h.path

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", h.bin, ErrUnavailable)
		}
		stderrStr := strings.TrimSpace(stderr.String())
		if strings.Contains(stderrStr, "There is no jj repo") || strings.Contains(stderrStr, "No workspace configured") {
			return nil, ErrNotWorkspace
		}
		return nil, fmt.Errorf("jj %s failed: %w: %s", strings.Join(args, " "), err, stderrStr)
	}
	return stdout.Bytes(), nil
}

func (h *cliHandle) ListChanges(ctx context.Context, limit int) ([]models.Change, error) {
	out, err := h.exec(ctx, "log", "--no-graph",
		"-r", visibleChanges,
		"--limit", strconv.Itoa(limit),
		"-T", changeTemplate)
	if err != nil {
		return nil, err
	}
	return parseChanges(out)
}

func (h *cliHandle) ListBookmarks(ctx context.Context) ([]models.Bookmark, error) {
	out, err := h.exec(ctx, "bookmark", "list", "-T", bookmarkTemplate)
	if err != nil {
		return nil, err
	}
	return parseBookmarks(out), nil
}

func (h *cliHandle) ListOperations(ctx context.Context, limit int) ([]models.Operation, error) {
	out, err := h.exec(ctx, "operation", "log", "--no-graph",
		"--limit", strconv.Itoa(limit),
		"-T", operationTemplate)
	if err != nil {
		return nil, err
	}
	return parseOperations(out)
}

func (h *cliHandle) ListConflicts(ctx context.Context, limit int) ([]models.Conflict, error) {
	out, err := h.exec(ctx, "log", "--no-graph",
		"-r", "conflicts()",
		"--limit", strconv.Itoa(limit),
		"-T", conflictedChangeTemplate)
	if err != nil {
		return nil, err
	}

	var conflicts []models.Conflict
	for _, changeID := range splitRecords(out) {
		if len(conflicts) >= limit {
			break
		}
		listing, err := h.exec(ctx, "resolve", "--list", "-r", changeID)
		if err != nil {
			if strings.Contains(err.Error(), "No conflicts") {
				continue
			}
			return nil, err
		}
		for _, path := range parseResolveList(listing) {
			if len(conflicts) >= limit {
				break
			}
			conflicts = append(conflicts, models.Conflict{ChangeID: changeID, FilePath: path})
		}
	}
	return conflicts, nil
}

func (h *cliHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return ErrHandleClosed
	}
	return nil
}
