package jj

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/odvcencio/jjsync/internal/models"
)

const (
	fieldSep  = "\x1f"
	recordSep = "\x1e"

	templateTimeLayout = "2006-01-02T15:04:05Z"
)

// undoPrefixes are the description prefixes jj writes for operations that
// revert an earlier operation.
var undoPrefixes = []string{"undo operation ", "revert operation "}

// valueFlags are global jj flags whose next argument is a value, not the subcommand.
var valueFlags = map[string]struct{}{
	"-R": {}, "--repository": {}, "--at-op": {}, "--at-operation": {},
	"--config": {}, "--config-toml": {}, "--config-file": {}, "--color": {},
}

// resolveListLine matches "path    N-sided conflict" rows of `jj resolve --list`.
var resolveListLine = regexp.MustCompile(`^(.*?\S)\s{2,}\S.*$`)

// splitRecords splits template output on the record separator, dropping the
// newline jj may place between records and empty trailing records.
func splitRecords(out []byte) []string {
	raw := strings.Split(string(out), recordSep)
	records := make([]string, 0, len(raw))
	for _, rec := range raw {
		rec = strings.TrimLeft(rec, "\r\n")
		if strings.TrimSpace(rec) == "" {
			continue
		}
		records = append(records, rec)
	}
	return records
}

func parseChanges(out []byte) ([]models.Change, error) {
	var changes []models.Change
	for _, rec := range splitRecords(out) {
		fields := strings.Split(rec, fieldSep)
		if len(fields) != 8 {
			return nil, fmt.Errorf("parse change record: got %d fields, want 8", len(fields))
		}
		ts, err := time.Parse(templateTimeLayout, strings.TrimSpace(fields[5]))
		if err != nil {
			return nil, fmt.Errorf("parse change %s timestamp: %w", fields[0], err)
		}
		changes = append(changes, models.Change{
			ChangeID:     strings.TrimSpace(fields[0]),
			CommitID:     strings.TrimSpace(fields[1]),
			Description:  strings.TrimRight(fields[2], "\n"),
			AuthorName:   fields[3],
			AuthorEmail:  fields[4],
			Timestamp:    ts,
			IsEmpty:      fields[6] == "1",
			HasConflicts: strings.TrimSpace(fields[7]) == "1",
		})
	}
	return changes, nil
}

// parseBookmarks keeps local bookmarks with a single resolved target.
// Remote-tracking rows and conflicted bookmarks are skipped.
func parseBookmarks(out []byte) []models.Bookmark {
	var bookmarks []models.Bookmark
	seen := make(map[string]struct{})
	for _, rec := range splitRecords(out) {
		fields := strings.Split(rec, fieldSep)
		if len(fields) != 3 {
			continue
		}
		name := strings.TrimSpace(fields[0])
		remote := strings.TrimSpace(fields[1])
		target := strings.TrimSpace(fields[2])
		if name == "" || remote != "" || target == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		bookmarks = append(bookmarks, models.Bookmark{Name: name, TargetChangeID: target})
	}
	return bookmarks
}

func parseOperations(out []byte) ([]models.Operation, error) {
	var ops []models.Operation
	for _, rec := range splitRecords(out) {
		fields := strings.Split(rec, fieldSep)
		if len(fields) != 4 {
			return nil, fmt.Errorf("parse operation record: got %d fields, want 4", len(fields))
		}
		ts, err := time.Parse(templateTimeLayout, strings.TrimSpace(fields[2]))
		if err != nil {
			return nil, fmt.Errorf("parse operation %s timestamp: %w", fields[0], err)
		}
		desc := strings.TrimSpace(fields[1])
		ops = append(ops, models.Operation{
			OperationID:   strings.TrimSpace(fields[0]),
			OperationType: operationType(desc, fields[3]),
			Description:   desc,
			Timestamp:     ts,
		})
	}
	markUndone(ops)
	return ops, nil
}

// operationType names the jj subcommand that produced an operation, taken
// from the "args:" tag when present and otherwise from the description.
func operationType(description, tags string) string {
	for _, line := range strings.Split(tags, "\n") {
		args, ok := strings.CutPrefix(strings.TrimSpace(line), "args:")
		if !ok {
			continue
		}
		fields := strings.Fields(args)
		for i := 0; i < len(fields); i++ {
			f := fields[i]
			if i == 0 && (f == "jj" || strings.HasSuffix(f, "/jj")) {
				continue
			}
			if _, takesValue := valueFlags[f]; takesValue {
				i++
				continue
			}
			if strings.HasPrefix(f, "-") {
				continue
			}
			return strings.Trim(f, `'"`)
		}
	}
	for _, prefix := range undoPrefixes {
		if strings.HasPrefix(description, prefix) {
			return strings.Fields(prefix)[0]
		}
	}
	switch {
	case description == "":
		return "unknown"
	case strings.HasPrefix(description, "snapshot working copy"):
		return "snapshot"
	case strings.HasPrefix(description, "add workspace"), strings.HasPrefix(description, "initialize repo"):
		return "init"
	}
	return strings.Fields(description)[0]
}

// markUndone flags every operation that a later undo/revert entry in the same
// listing refers to. jj may print abbreviated ids, so ids match by prefix.
func markUndone(ops []models.Operation) {
	var targets []string
	for _, op := range ops {
		for _, prefix := range undoPrefixes {
			if rest, ok := strings.CutPrefix(op.Description, prefix); ok {
				if fields := strings.Fields(rest); len(fields) > 0 {
					targets = append(targets, fields[0])
				}
			}
		}
	}
	if len(targets) == 0 {
		return
	}
	for i := range ops {
		for _, target := range targets {
			if target != "" && strings.HasPrefix(ops[i].OperationID, target) {
				ops[i].IsUndone = true
				break
			}
		}
	}
}

func parseResolveList(out []byte) []string {
	var paths []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if m := resolveListLine.FindStringSubmatch(line); m != nil {
			paths = append(paths, m[1])
			continue
		}
		paths = append(paths, strings.TrimSpace(line))
	}
	return paths
}
