package jj

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// fakeJJ answers the read commands the CLI reader issues. The first six
// arguments are the global flags added by cliHandle.exec.
const fakeJJ = `#!/bin/sh
shift 6
case "$1" in
root)
	pwd
	;;
log)
	case "$*" in
	*"conflicts()"*)
		printf 'c2\036\n'
		;;
	*)
		printf 'c2\037a2\037second\n\037Bob\037bob@example.com\0372025-03-01T12:05:00Z\0370\0371\036\n'
		printf 'c1\037a1\037first\n\037Alice\037alice@example.com\0372025-03-01T12:00:00Z\0370\0370\036\n'
		;;
	esac
	;;
bookmark)
	printf 'main\037\037c2\036\nmain\037origin\037c1\036\n'
	;;
operation)
	printf 'op2\037undo operation op1\0372025-03-01T12:02:00Z\037args: jj undo\036\n'
	printf 'op1\037describe commit a1\0372025-03-01T12:01:00Z\037args: jj describe -m first\036\n'
	;;
resolve)
	printf 'notes.txt    2-sided conflict\n'
	;;
*)
	echo "unexpected command: $*" >&2
	exit 1
	;;
esac
`

func newFakeReader(t *testing.T) (*CLIReader, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake jj script requires a POSIX shell")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "jj")
	if err := os.WriteFile(bin, []byte(fakeJJ), 0o755); err != nil {
		t.Fatal(err)
	}
	ws := filepath.Join(dir, "ws")
	if err := os.MkdirAll(filepath.Join(ws, ".jj", "repo", "op_heads", "heads"), 0o755); err != nil {
		t.Fatal(err)
	}
	return NewCLIReader(bin), ws
}

func TestCLIReaderListsEntities(t *testing.T) {
	reader, ws := newFakeReader(t)
	ctx := context.Background()

	h, err := reader.Open(ctx, ws)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	changes, err := h.ListChanges(ctx, 10)
	if err != nil {
		t.Fatalf("ListChanges: %v", err)
	}
	if len(changes) != 2 || changes[0].ChangeID != "c2" || !changes[0].HasConflicts {
		t.Fatalf("changes = %+v", changes)
	}

	bookmarks, err := h.ListBookmarks(ctx)
	if err != nil {
		t.Fatalf("ListBookmarks: %v", err)
	}
	if len(bookmarks) != 1 || bookmarks[0].TargetChangeID != "c2" {
		t.Fatalf("bookmarks = %+v", bookmarks)
	}

	ops, err := h.ListOperations(ctx, 10)
	if err != nil {
		t.Fatalf("ListOperations: %v", err)
	}
	if len(ops) != 2 || !ops[1].IsUndone || ops[1].OperationType != "describe" {
		t.Fatalf("ops = %+v", ops)
	}

	conflicts, err := h.ListConflicts(ctx, 10)
	if err != nil {
		t.Fatalf("ListConflicts: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].ChangeID != "c2" || conflicts[0].FilePath != "notes.txt" {
		t.Fatalf("conflicts = %+v", conflicts)
	}
}

func TestCLIReaderConflictLimit(t *testing.T) {
	reader, ws := newFakeReader(t)
	ctx := context.Background()

	h, err := reader.Open(ctx, ws)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	conflicts, err := h.ListConflicts(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("conflicts = %+v, want none with zero limit", conflicts)
	}
}

func TestCLIReaderOpenRejectsNonWorkspace(t *testing.T) {
	reader, _ := newFakeReader(t)

	_, err := reader.Open(context.Background(), t.TempDir())
	if !errors.Is(err, ErrNotWorkspace) {
		t.Fatalf("Open error = %v, want ErrNotWorkspace", err)
	}
}

func TestCLIReaderHandleClosed(t *testing.T) {
	reader, ws := newFakeReader(t)
	ctx := context.Background()

	h, err := reader.Open(ctx, ws)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := h.ListChanges(ctx, 1); !errors.Is(err, ErrHandleClosed) {
		t.Fatalf("ListChanges after Close error = %v, want ErrHandleClosed", err)
	}
	if err := h.Close(); !errors.Is(err, ErrHandleClosed) {
		t.Fatalf("second Close error = %v, want ErrHandleClosed", err)
	}
}

func TestCLIReaderMissingBinary(t *testing.T) {
	ws := t.TempDir()
	if err := os.MkdirAll(filepath.Join(ws, ".jj"), 0o755); err != nil {
		t.Fatal(err)
	}
	reader := NewCLIReader(filepath.Join(t.TempDir(), "no-such-jj"))

	_, err := reader.Open(context.Background(), ws)
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
}
