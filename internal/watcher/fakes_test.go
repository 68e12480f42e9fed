package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odvcencio/jjsync/internal/database"
	"github.com/odvcencio/jjsync/internal/jj"
	"github.com/odvcencio/jjsync/internal/models"
)

// fakeRepo is the state a fakeReader serves for one path.
type fakeRepo struct {
	mu        sync.Mutex
	changes   []models.Change
	bookmarks []models.Bookmark
	ops       []models.Operation
	conflicts []models.Conflict
	opens     int
	closes    int

	// When block is set ListChanges signals entered and waits for block to close.
	block   chan struct{}
	entered chan struct{}
}

func (r *fakeRepo) counts() (opens, closes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens, r.closes
}

func (r *fakeRepo) set(fn func(r *fakeRepo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

type fakeReader struct {
	mu    sync.Mutex
	repos map[string]*fakeRepo
}

func newFakeReader() *fakeReader {
	return &fakeReader{repos: make(map[string]*fakeRepo)}
}

func (f *fakeReader) repo(path string) *fakeRepo {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.repos[path]
	if !ok {
		r = &fakeRepo{}
		f.repos[path] = r
	}
	return r
}

func (f *fakeReader) Open(_ context.Context, path string) (jj.Handle, error) {
	f.mu.Lock()
	r, ok := f.repos[path]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, jj.ErrNotWorkspace)
	}
	r.mu.Lock()
	r.opens++
	r.mu.Unlock()
	return &fakeHandle{repo: r}, nil
}

type fakeHandle struct {
	repo   *fakeRepo
	closed bool
}

func (h *fakeHandle) ListChanges(_ context.Context, limit int) ([]models.Change, error) {
	h.repo.mu.Lock()
	block, entered := h.repo.block, h.repo.entered
	out := limitSlice(h.repo.changes, limit)
	h.repo.mu.Unlock()
	if block != nil {
		close(entered)
		<-block
	}
	return out, nil
}

func (h *fakeHandle) ListBookmarks(context.Context) ([]models.Bookmark, error) {
	h.repo.mu.Lock()
	defer h.repo.mu.Unlock()
	return append([]models.Bookmark(nil), h.repo.bookmarks...), nil
}

func (h *fakeHandle) ListOperations(_ context.Context, limit int) ([]models.Operation, error) {
	h.repo.mu.Lock()
	defer h.repo.mu.Unlock()
	return limitSlice(h.repo.ops, limit), nil
}

func (h *fakeHandle) ListConflicts(_ context.Context, limit int) ([]models.Conflict, error) {
	h.repo.mu.Lock()
	defer h.repo.mu.Unlock()
	return limitSlice(h.repo.conflicts, limit), nil
}

func (h *fakeHandle) Close() error {
	h.repo.mu.Lock()
	defer h.repo.mu.Unlock()
	if h.closed {
		return jj.ErrHandleClosed
	}
	h.closed = true
	h.repo.closes++
	return nil
}

func limitSlice[T any](items []T, limit int) []T {
	if len(items) > limit {
		items = items[:limit]
	}
	return append([]T(nil), items...)
}

// fakeDetector serves markers set by the test.
type fakeDetector struct {
	mu      sync.Mutex
	markers map[string]time.Time
	errs    map[string]error
}

func newFakeDetector() *fakeDetector {
	return &fakeDetector{markers: make(map[string]time.Time), errs: make(map[string]error)}
}

func (d *fakeDetector) Name() string { return "fake" }

func (d *fakeDetector) Marker(w WatchedRepository) (time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.errs[w.Path]; err != nil {
		return time.Time{}, err
	}
	return d.markers[w.Path], nil
}

func (d *fakeDetector) set(path string, marker time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.markers[path] = marker
}

func (d *fakeDetector) fail(path string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs[path] = err
}

// conflictFailDB fails every conflicts upsert.
type conflictFailDB struct {
	database.DB
}

var errConflictUpsert = errors.New("simulated constraint violation")

func (conflictFailDB) UpsertConflicts(context.Context, int64, []models.Conflict, bool) error {
	return errConflictUpsert
}

type testEnv struct {
	svc      *Service
	db       database.DB
	reader   *fakeReader
	detector *fakeDetector
	reg      *prometheus.Registry
}

func newTestEnv(t *testing.T, mutate func(opts *Options)) *testEnv {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "watcher.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		db:       db,
		reader:   newFakeReader(),
		detector: newFakeDetector(),
		reg:      prometheus.NewRegistry(),
	}
	opts := Options{
		DB:           db,
		Reader:       env.reader,
		Detector:     env.detector,
		PollInterval: 5 * time.Millisecond,
		Debounce:     300 * time.Millisecond,
		MaxChanges:   DefaultMaxChanges,
		Registerer:   env.reg,
	}
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	env.svc = svc
	return env
}

// watch creates a catalog row and a watched fake repository for it.
func (e *testEnv) watch(t *testing.T, owner, name string) (*models.Repository, *fakeRepo) {
	t.Helper()
	repo := &models.Repository{OwnerName: owner, Name: name, StoragePath: filepath.Join("/fake", owner, name)}
	if err := e.db.CreateRepository(context.Background(), repo); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.svc.WatchFromCatalog(context.Background(), owner, name); err != nil {
		t.Fatal(err)
	}
	return repo, e.reader.repo(repo.StoragePath)
}
