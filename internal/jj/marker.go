package jj

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ChangeMarker returns the modification time of the workspace's op-heads
// directory. jj rewrites that directory on every operation, so a newer time
// means the repository advanced. Only filesystem metadata is read.
func ChangeMarker(workspace string) (time.Time, error) {
	info, err := os.Stat(OpHeadsDir(workspace))
	if err != nil {
		return time.Time{}, fmt.Errorf("stat op heads: %w", err)
	}
	return info.ModTime(), nil
}

// OpHeadsDir returns the directory whose mtime serves as the change marker.
func OpHeadsDir(workspace string) string {
	return filepath.Join(repoDir(workspace), "op_heads", "heads")
}

// repoDir resolves <workspace>/.jj/repo. Secondary workspaces store the path
// of the shared repo directory in a plain file instead of a directory.
func repoDir(workspace string) string {
	dir := filepath.Join(workspace, ".jj", "repo")
	info, err := os.Stat(dir)
	if err != nil || info.IsDir() {
		return dir
	}
	data, err := os.ReadFile(dir)
	if err != nil {
		return dir
	}
	target := strings.TrimSpace(string(data))
	if target == "" {
		return dir
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(workspace, ".jj", target)
	}
	return target
}

// IsWorkspace reports whether path looks like a jj workspace root.
func IsWorkspace(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".jj"))
	return err == nil && info.IsDir()
}
