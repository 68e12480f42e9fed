package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/jjsync/internal/jj"
	"github.com/odvcencio/jjsync/internal/models"
)

const (
	triggerPoll  = "poll"
	triggerForce = "force"
)

// SyncResult summarizes one sync. Rows counts what each worker upserted;
// Errors holds the workers that failed.
type SyncResult struct {
	ID       string                       `json:"id"`
	Owner    string                       `json:"user"`
	Repo     string                       `json:"repo"`
	Trigger  string                       `json:"trigger"`
	Rows     map[models.EntityType]int    `json:"rows"`
	Errors   map[models.EntityType]string `json:"errors,omitempty"`
	Duration time.Duration                `json:"duration_ns"`
}

// Err joins the worker failures, or returns nil when every worker succeeded.
func (r *SyncResult) Err() error {
	if r == nil || len(r.Errors) == 0 {
		return nil
	}
	var errs []error
	for _, entity := range models.EntityTypes {
		if msg, ok := r.Errors[entity]; ok {
			errs = append(errs, fmt.Errorf("%s: %s", entity, msg))
		}
	}
	return errors.Join(errs...)
}

type syncWorker func(ctx context.Context, h jj.Handle, w WatchedRepository) (int, error)

// syncRepository opens the repository and runs the four entity workers
// concurrently. Only a failed open is returned as an error; worker failures
// are reported in the result. Syncs of the same repository are serialized.
func (s *Service) syncRepository(ctx context.Context, w WatchedRepository, trigger string) (*SyncResult, error) {
	lock := s.repoLock(w.Owner, w.Repo)
	lock.Lock()
	defer lock.Unlock()

	// A started sync always finishes, even if the loop is stopping.
	ctx = context.WithoutCancel(ctx)

	result := &SyncResult{
		ID:      uuid.NewString(),
		Owner:   w.Owner,
		Repo:    w.Repo,
		Trigger: trigger,
		Rows:    make(map[models.EntityType]int, len(models.EntityTypes)),
	}
	logger := s.logger.With("sync_id", result.ID, "owner", w.Owner, "repo", w.Repo, "trigger", trigger)

	ctx, span := s.tracer.Start(ctx, "watcher.sync", trace.WithAttributes(
		attribute.String("jjsync.sync_id", result.ID),
		attribute.String("jjsync.repository", registryKey(w.Owner, w.Repo)),
		attribute.Int64("jjsync.repository_id", w.RepositoryID),
		attribute.String("jjsync.trigger", trigger),
	))
	defer span.End()

	start := time.Now()
	// Read before opening so changes landing mid-sync still advance the marker.
	marker, markerErr := s.detector.Marker(w)

	h, err := s.reader.Open(ctx, w.Path)
	if err != nil {
		logger.Warn("open repository failed", "path", w.Path, "error", err)
		s.metrics.syncsTotal.WithLabelValues(trigger, "open_failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "open failed")
		s.registry.update(w.Owner, w.Repo, func(r *WatchedRepository) {
			r.LastError = err.Error()
		})
		return nil, fmt.Errorf("open %s/%s: %w", w.Owner, w.Repo, err)
	}
	defer func() {
		if err := h.Close(); err != nil {
			logger.Warn("close repository handle failed", "error", err)
		}
	}()

	workers := map[models.EntityType]syncWorker{
		models.EntityChanges:    s.syncChanges,
		models.EntityBookmarks:  s.syncBookmarks,
		models.EntityOperations: s.syncOperations,
		models.EntityConflicts:  s.syncConflicts,
	}

	var mu sync.Mutex
	var g errgroup.Group
	for _, entity := range models.EntityTypes {
		run := workers[entity]
		g.Go(func() error {
			n, err := s.runWorker(ctx, logger, entity, run, h, w)
			mu.Lock()
			defer mu.Unlock()
			result.Rows[entity] = n
			if err != nil {
				if result.Errors == nil {
					result.Errors = make(map[models.EntityType]string)
				}
				result.Errors[entity] = err.Error()
			}
			return err
		})
	}
	// Plain Group: one worker failing does not cancel the others.
	workerErr := g.Wait()
	result.Duration = time.Since(start)

	outcome := "ok"
	if workerErr != nil {
		outcome = "partial"
		span.SetStatus(codes.Error, "worker failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	s.metrics.syncsTotal.WithLabelValues(trigger, outcome).Inc()
	s.metrics.syncDuration.WithLabelValues(trigger).Observe(result.Duration.Seconds())

	syncedAt := s.now()
	lastErr := ""
	if err := result.Err(); err != nil {
		lastErr = err.Error()
	}
	s.registry.update(w.Owner, w.Repo, func(r *WatchedRepository) {
		r.LastSyncedAt = syncedAt
		r.LastError = lastErr
		if markerErr == nil && !marker.Before(r.LastChangeMarker) {
			r.LastChangeMarker = marker
			r.DebounceDeadline = time.Time{}
		}
	})

	logger.Info("repository synced",
		"result", outcome,
		"changes", result.Rows[models.EntityChanges],
		"bookmarks", result.Rows[models.EntityBookmarks],
		"operations", result.Rows[models.EntityOperations],
		"conflicts", result.Rows[models.EntityConflicts],
		"duration_ms", result.Duration.Milliseconds())
	return result, nil
}

func (s *Service) runWorker(ctx context.Context, logger *slog.Logger, entity models.EntityType, run syncWorker, h jj.Handle, w WatchedRepository) (int, error) {
	ctx, span := s.tracer.Start(ctx, "watcher.sync."+string(entity))
	defer span.End()

	n, err := run(ctx, h, w)
	span.SetAttributes(attribute.Int("jjsync.rows", n))
	if err != nil {
		s.metrics.workerErrors.WithLabelValues(string(entity)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("sync worker failed", "entity", string(entity), "error", err)
		return 0, err
	}
	s.metrics.workerRows.WithLabelValues(string(entity)).Add(float64(n))
	return n, nil
}

func (s *Service) syncChanges(ctx context.Context, h jj.Handle, w WatchedRepository) (int, error) {
	changes, err := h.ListChanges(ctx, s.maxChanges)
	if err != nil {
		return 0, fmt.Errorf("list changes: %w", err)
	}
	changes = capped(changes, s.maxChanges)
	for i := range changes {
		changes[i].RepositoryID = w.RepositoryID
	}
	if err := s.db.UpsertChanges(ctx, w.RepositoryID, changes); err != nil {
		return 0, fmt.Errorf("upsert changes: %w", err)
	}
	return len(changes), nil
}

// syncBookmarks prunes vanished bookmarks only when pruning is enabled and
// the read was complete.
func (s *Service) syncBookmarks(ctx context.Context, h jj.Handle, w WatchedRepository) (int, error) {
	bookmarks, err := h.ListBookmarks(ctx)
	if err != nil {
		return 0, fmt.Errorf("list bookmarks: %w", err)
	}
	complete := len(bookmarks) <= s.maxChanges
	bookmarks = capped(bookmarks, s.maxChanges)
	for i := range bookmarks {
		bookmarks[i].RepositoryID = w.RepositoryID
		bookmarks[i].IsDefault = w.DefaultBookmark != "" && bookmarks[i].Name == w.DefaultBookmark
	}
	if err := s.db.UpsertBookmarks(ctx, w.RepositoryID, bookmarks, s.pruneBookmarks && complete); err != nil {
		return 0, fmt.Errorf("upsert bookmarks: %w", err)
	}
	return len(bookmarks), nil
}

func (s *Service) syncOperations(ctx context.Context, h jj.Handle, w WatchedRepository) (int, error) {
	ops, err := h.ListOperations(ctx, s.maxChanges)
	if err != nil {
		return 0, fmt.Errorf("list operations: %w", err)
	}
	ops = capped(ops, s.maxChanges)
	for i := range ops {
		ops[i].RepositoryID = w.RepositoryID
	}
	if err := s.db.UpsertOperations(ctx, w.RepositoryID, ops); err != nil {
		return 0, fmt.Errorf("upsert operations: %w", err)
	}
	return len(ops), nil
}

// syncConflicts asks for one row past the cap to tell whether the listing
// was truncated; stored conflicts are marked resolved only after a full read.
func (s *Service) syncConflicts(ctx context.Context, h jj.Handle, w WatchedRepository) (int, error) {
	conflicts, err := h.ListConflicts(ctx, s.maxChanges+1)
	if err != nil {
		return 0, fmt.Errorf("list conflicts: %w", err)
	}
	complete := len(conflicts) <= s.maxChanges
	conflicts = uniqueConflicts(capped(conflicts, s.maxChanges))
	for i := range conflicts {
		conflicts[i].RepositoryID = w.RepositoryID
	}
	if err := s.db.UpsertConflicts(ctx, w.RepositoryID, conflicts, complete); err != nil {
		return 0, fmt.Errorf("upsert conflicts: %w", err)
	}
	return len(conflicts), nil
}

// uniqueConflicts drops repeated (change, path) rows, keeping the first.
func uniqueConflicts(conflicts []models.Conflict) []models.Conflict {
	seen := make(map[string]struct{}, len(conflicts))
	out := conflicts[:0]
	for _, c := range conflicts {
		key := models.ConflictKey(c.ChangeID, c.FilePath)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

func capped[T any](items []T, limit int) []T {
	if len(items) > limit {
		return items[:limit]
	}
	return items
}
