package watcher

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the summary returned by GET /watcher/status.
type Status struct {
	Running      bool   `json:"running"`
	WatchedRepos int    `json:"watchedRepos"`
	Detector     string `json:"detector"`
}

// WatchedInfo is the public view of a registry entry.
type WatchedInfo struct {
	User         string     `json:"user"`
	Repo         string     `json:"repo"`
	RepoID       int64      `json:"repoId"`
	Pending      bool       `json:"pending"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
}

func (s *Service) Status() Status {
	if s == nil {
		return Status{}
	}
	return Status{
		Running:      s.Running(),
		WatchedRepos: s.registry.Len(),
		Detector:     s.detector.Name(),
	}
}

func (s *Service) ListWatched() []WatchedInfo {
	if s == nil {
		return nil
	}
	entries := s.registry.List()
	out := make([]WatchedInfo, 0, len(entries))
	for _, w := range entries {
		out = append(out, watchedInfo(w))
	}
	return out
}

// Get returns the public view of one watched repository.
func (s *Service) Get(owner, repo string) (WatchedInfo, bool) {
	if s == nil {
		return WatchedInfo{}, false
	}
	w, ok := s.registry.Get(owner, repo)
	if !ok {
		return WatchedInfo{}, false
	}
	return watchedInfo(w), true
}

func watchedInfo(w WatchedRepository) WatchedInfo {
	info := WatchedInfo{
		User:      w.Owner,
		Repo:      w.Repo,
		RepoID:    w.RepositoryID,
		Pending:   w.Pending(),
		LastError: w.LastError,
	}
	if !w.LastSyncedAt.IsZero() {
		syncedAt := w.LastSyncedAt
		info.LastSyncedAt = &syncedAt
	}
	return info
}

// AddWatch starts watching the catalog repository repositoryID at path. It
// reports false if the repository was already watched and returns
// sql.ErrNoRows when the id is not in the catalog. The first poll after
// adding schedules a catch-up sync.
func (s *Service) AddWatch(ctx context.Context, owner, repo string, repositoryID int64, path string) (bool, error) {
	if s == nil {
		return false, ErrNotRunning
	}
	owner, repo = strings.TrimSpace(owner), strings.TrimSpace(repo)
	if owner == "" || repo == "" || strings.TrimSpace(path) == "" {
		return false, fmt.Errorf("owner, repo and path are required")
	}
	r, err := s.db.GetRepositoryByID(ctx, repositoryID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("repository id %d: %w", repositoryID, err)
		}
		return false, fmt.Errorf("get repository %d: %w", repositoryID, err)
	}
	return s.add(WatchedRepository{
		Owner:           owner,
		Repo:            repo,
		RepositoryID:    r.ID,
		Path:            path,
		DefaultBookmark: r.DefaultBranch,
	}), nil
}

// WatchFromCatalog looks the repository up in the catalog and watches it.
// It returns sql.ErrNoRows if the catalog has no such repository.
func (s *Service) WatchFromCatalog(ctx context.Context, owner, repo string) (WatchedInfo, bool, error) {
	if s == nil {
		return WatchedInfo{}, false, ErrNotRunning
	}
	r, err := s.db.GetRepository(ctx, owner, repo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WatchedInfo{}, false, err
		}
		return WatchedInfo{}, false, fmt.Errorf("get repository: %w", err)
	}
	w := WatchedRepository{
		Owner:           r.OwnerName,
		Repo:            r.Name,
		RepositoryID:    r.ID,
		Path:            s.repositoryPath(r.OwnerName, r.Name, r.StoragePath),
		DefaultBookmark: r.DefaultBranch,
	}
	added := s.add(w)
	info, _ := s.Get(w.Owner, w.Repo)
	return info, added, nil
}

// RemoveWatch stops watching a repository. Removing an unknown repository
// is a no-op and reports false.
func (s *Service) RemoveWatch(owner, repo string) bool {
	if s == nil {
		return false
	}
	w, ok := s.registry.Get(owner, repo)
	if !ok || !s.registry.Remove(owner, repo) {
		return false
	}
	if tracker, ok := s.detector.(pathTracker); ok {
		tracker.Untrack(w.Path)
	}
	s.dropRepoLock(owner, repo)
	s.metrics.watched.Set(float64(s.registry.Len()))
	return true
}

// ForceSync syncs a watched repository immediately, bypassing the debounce
// window. It returns ErrNotWatched without touching the database when the
// repository is not in the registry. The caller authorizes the request.
func (s *Service) ForceSync(ctx context.Context, owner, repo string) (*SyncResult, error) {
	if s == nil {
		return nil, ErrNotRunning
	}
	w, ok := s.registry.Get(owner, repo)
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", owner, repo, ErrNotWatched)
	}
	return s.syncRepository(ctx, w, triggerForce)
}
