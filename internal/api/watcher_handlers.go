package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/odvcencio/jjsync/internal/watcher"
)

const (
	actionWatch   = "watch"
	actionUnwatch = "unwatch"
	actionSync    = "sync"
)

type watchedReposResponse struct {
	Repos []watcher.WatchedInfo `json:"repos"`
}

func (s *Server) handleWatcherStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, s.watcher.Status())
}

func (s *Server) handleListWatched(w http.ResponseWriter, r *http.Request) {
	repos := s.watcher.ListWatched()
	if repos == nil {
		repos = []watcher.WatchedInfo{}
	}
	jsonResponse(w, http.StatusOK, watchedReposResponse{Repos: repos})
}

func (s *Server) handleAddWatch(w http.ResponseWriter, r *http.Request) {
	owner, repo, ok := pathOwnerRepo(w, r)
	if !ok {
		return
	}
	info, added, err := s.watcher.WatchFromCatalog(r.Context(), owner, repo)
	switch {
	case errors.Is(err, watcher.ErrNotRunning):
		s.metrics.controlAction(actionWatch, outcomeUnavailable)
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	case errors.Is(err, sql.ErrNoRows):
		s.metrics.controlAction(actionWatch, outcomeNotFound)
		jsonError(w, "repository not found", http.StatusNotFound)
		return
	case err != nil:
		s.metrics.controlAction(actionWatch, outcomeFailed)
		s.logger.Error("add watch failed", "owner", owner, "repo", repo, "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.metrics.controlAction(actionWatch, outcomeOK)
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	jsonResponse(w, status, info)
}

func (s *Server) handleRemoveWatch(w http.ResponseWriter, r *http.Request) {
	owner, repo, ok := pathOwnerRepo(w, r)
	if !ok {
		return
	}
	if s.watcher == nil {
		s.metrics.controlAction(actionUnwatch, outcomeUnavailable)
		jsonError(w, watcher.ErrNotRunning.Error(), http.StatusServiceUnavailable)
		return
	}
	if !s.watcher.RemoveWatch(owner, repo) {
		s.metrics.controlAction(actionUnwatch, outcomeNotFound)
		jsonError(w, "repository is not watched", http.StatusNotFound)
		return
	}
	s.metrics.controlAction(actionUnwatch, outcomeOK)
	w.WriteHeader(http.StatusNoContent)
}

// handleForceSync syncs synchronously and returns the result. With
// ?async=true it answers 202 immediately and the sync result is only logged.
func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	owner, repo, ok := pathOwnerRepo(w, r)
	if !ok {
		return
	}
	if s.watcher == nil {
		s.metrics.controlAction(actionSync, outcomeUnavailable)
		jsonError(w, watcher.ErrNotRunning.Error(), http.StatusServiceUnavailable)
		return
	}
	if _, watched := s.watcher.Get(owner, repo); !watched {
		s.metrics.controlAction(actionSync, outcomeNotFound)
		jsonError(w, "repository is not watched", http.StatusNotFound)
		return
	}

	if queryBool(r, "async") {
		s.runAsync(r.Context(), "force sync", []any{"owner", owner, "repo", repo}, func(ctx context.Context) error {
			result, err := s.watcher.ForceSync(ctx, owner, repo)
			if err != nil {
				return err
			}
			return result.Err()
		})
		s.metrics.controlAction(actionSync, outcomeQueued)
		jsonResponse(w, http.StatusAccepted, map[string]any{"queued": true, "user": owner, "repo": repo})
		return
	}

	result, err := s.watcher.ForceSync(r.Context(), owner, repo)
	switch {
	case errors.Is(err, watcher.ErrNotWatched):
		s.metrics.controlAction(actionSync, outcomeNotFound)
		jsonError(w, "repository is not watched", http.StatusNotFound)
		return
	case err != nil:
		s.metrics.controlAction(actionSync, outcomeFailed)
		jsonError(w, err.Error(), http.StatusBadGateway)
		return
	}
	if result.Err() != nil {
		s.metrics.controlAction(actionSync, outcomeFailed)
	} else {
		s.metrics.controlAction(actionSync, outcomeOK)
	}
	jsonResponse(w, http.StatusOK, result)
}
