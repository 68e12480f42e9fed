// Package watcher replicates jj repository state into the database.
//
// A Service owns a Registry of watched repositories and a single poll loop.
// Every tick the loop asks the ChangeDetector for each repository's marker;
// an advanced marker opens or extends a quiet-period debounce window, and a
// window that elapses triggers a sync. A sync opens one jj handle and runs
// four workers (changes, bookmarks, operations, conflicts) concurrently, each
// upserting its own table. Worker failures are logged and isolated.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/jjsync/internal/database"
	"github.com/odvcencio/jjsync/internal/jj"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultDebounce     = 300 * time.Millisecond
	DefaultMaxChanges   = 1000

	tracerName = "github.com/odvcencio/jjsync/internal/watcher"
)

var (
	// ErrNotWatched is returned for repositories missing from the registry.
	ErrNotWatched = errors.New("repository is not watched")
	// ErrNotRunning is returned by control operations on a disabled watcher.
	ErrNotRunning = errors.New("watcher is not running")
)

type Options struct {
	DB     database.DB
	Reader jj.Reader
	// Detector defaults to PollDetector.
	Detector ChangeDetector

	PollInterval time.Duration
	// Debounce is the quiet period after the last marker advance. Zero
	// syncs on the tick that observes the advance.
	Debounce       time.Duration
	MaxChanges     int
	PruneBookmarks bool
	// ReposBasePath locates catalog repositories without a storage path.
	ReposBasePath string

	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// Service is the change detector, sync coordinator and control surface for
// one process.
type Service struct {
	db             database.DB
	reader         jj.Reader
	detector       ChangeDetector
	registry       *Registry
	pollInterval   time.Duration
	debounce       time.Duration
	maxChanges     int
	pruneBookmarks bool
	reposBasePath  string
	logger         *slog.Logger
	metrics        *syncMetrics
	tracer         trace.Tracer
	now            func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New validates opts and returns a stopped service.
func New(opts Options) (*Service, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("watcher: database is required")
	}
	if opts.Reader == nil {
		return nil, fmt.Errorf("watcher: repository reader is required")
	}
	pollInterval := opts.PollInterval
	switch {
	case pollInterval < 0:
		return nil, fmt.Errorf("watcher: poll interval must be positive, got %s", pollInterval)
	case pollInterval == 0:
		pollInterval = DefaultPollInterval
	}
	if opts.Debounce < 0 {
		return nil, fmt.Errorf("watcher: debounce must not be negative, got %s", opts.Debounce)
	}
	maxChanges := opts.MaxChanges
	switch {
	case maxChanges < 0:
		return nil, fmt.Errorf("watcher: max changes must be positive, got %d", maxChanges)
	case maxChanges == 0:
		maxChanges = DefaultMaxChanges
	}
	detector := opts.Detector
	if detector == nil {
		detector = PollDetector{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	basePath := opts.ReposBasePath
	if strings.TrimSpace(basePath) == "" {
		basePath = "repos"
	}
	return &Service{
		db:             opts.DB,
		reader:         opts.Reader,
		detector:       detector,
		registry:       NewRegistry(),
		pollInterval:   pollInterval,
		debounce:       opts.Debounce,
		maxChanges:     maxChanges,
		pruneBookmarks: opts.PruneBookmarks,
		reposBasePath:  basePath,
		logger:         logger,
		metrics:        newSyncMetrics(opts.Registerer),
		tracer:         otel.Tracer(tracerName),
		now:            time.Now,
		locks:          make(map[string]*sync.Mutex),
	}, nil
}

// LoadCatalog adds every repository in the catalog to the registry and
// returns how many were new.
func (s *Service) LoadCatalog(ctx context.Context) (int, error) {
	repos, err := s.db.ListRepositories(ctx)
	if err != nil {
		return 0, fmt.Errorf("list repositories: %w", err)
	}
	added := 0
	for _, repo := range repos {
		if s.add(WatchedRepository{
			Owner:           repo.OwnerName,
			Repo:            repo.Name,
			RepositoryID:    repo.ID,
			Path:            s.repositoryPath(repo.OwnerName, repo.Name, repo.StoragePath),
			DefaultBookmark: repo.DefaultBranch,
		}) {
			added++
		}
	}
	s.logger.Info("watch catalog loaded", "repositories", len(repos), "added", added)
	return added, nil
}

// Start launches the poll loop. Calling Start on a running service is a no-op.
func (s *Service) Start(parent context.Context) error {
	if s == nil {
		return ErrNotRunning
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.started = true
	s.running.Store(true)

	s.logger.Info("watcher started",
		"poll_interval", s.pollInterval.String(),
		"debounce", s.debounce.String(),
		"max_changes", s.maxChanges,
		"detector", s.detector.Name(),
		"watched", s.registry.Len())
	go s.run(ctx, done)
	return nil
}

// Stop stops scheduling new syncs and waits for the loop to exit. A sync in
// progress runs to completion before the loop returns.
func (s *Service) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	s.running.Store(false)
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.started = false
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()
	s.logger.Info("watcher stopped")
	return nil
}

func (s *Service) Running() bool {
	return s != nil && s.running.Load()
}

func (s *Service) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		s.tick(ctx, s.now())
		if !sleepOrDone(ctx, s.pollInterval) {
			return
		}
	}
}

// tick checks every watched repository once and syncs those whose debounce
// window has elapsed at now. Syncs run sequentially on the loop goroutine.
func (s *Service) tick(ctx context.Context, now time.Time) {
	for _, w := range s.registry.List() {
		if ctx.Err() != nil {
			return
		}
		marker, err := s.detector.Marker(w)
		if err != nil {
			s.metrics.detectErrors.Inc()
			msg := err.Error()
			s.registry.update(w.Owner, w.Repo, func(r *WatchedRepository) {
				if r.detectError != msg {
					s.logger.Warn("change marker read failed", "owner", w.Owner, "repo", w.Repo, "path", w.Path, "error", err)
				}
				r.detectError = msg
			})
			continue
		}

		due := false
		s.registry.update(w.Owner, w.Repo, func(r *WatchedRepository) {
			r.detectError = ""
			if marker.After(r.LastChangeMarker) {
				r.LastChangeMarker = marker
				r.DebounceDeadline = now.Add(s.debounce)
			}
			if r.Pending() && !now.Before(r.DebounceDeadline) {
				r.DebounceDeadline = time.Time{}
				due = true
			}
		})
		if !due {
			continue
		}
		current, ok := s.registry.Get(w.Owner, w.Repo)
		if !ok {
			continue
		}
		// Errors are logged and recorded on the entry by the coordinator.
		_, _ = s.syncRepository(ctx, current, triggerPoll)
	}
}

// repositoryPath prefers the catalog's storage path and falls back to
// <base>/<owner>/<name>.
func (s *Service) repositoryPath(owner, name, storagePath string) string {
	if strings.TrimSpace(storagePath) != "" {
		return storagePath
	}
	return filepath.Join(s.reposBasePath, owner, name)
}

func (s *Service) add(w WatchedRepository) bool {
	if !s.registry.Add(w) {
		return false
	}
	if tracker, ok := s.detector.(pathTracker); ok {
		if err := tracker.Track(w.Path); err != nil {
			s.logger.Warn("change detector subscribe failed", "owner", w.Owner, "repo", w.Repo, "path", w.Path, "error", err)
		}
	}
	s.metrics.watched.Set(float64(s.registry.Len()))
	return true
}

func (s *Service) repoLock(owner, repo string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	key := registryKey(owner, repo)
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// dropRepoLock forgets an idle repository lock. A lock held by a running
// sync is kept so that sync still excludes any later one.
func (s *Service) dropRepoLock(owner, repo string) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	key := registryKey(owner, repo)
	lock, ok := s.locks[key]
	if !ok || !lock.TryLock() {
		return
	}
	delete(s.locks, key)
	lock.Unlock()
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
