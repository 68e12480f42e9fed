package watcher

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/odvcencio/jjsync/internal/models"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewRejectsInvalidOptions(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, err := New(Options{Reader: env.reader}); err == nil {
		t.Fatal("expected error without database")
	}
	if _, err := New(Options{DB: env.db}); err == nil {
		t.Fatal("expected error without reader")
	}
	if _, err := New(Options{DB: env.db, Reader: env.reader, PollInterval: -time.Millisecond}); err == nil {
		t.Fatal("expected error for negative poll interval")
	}
	if _, err := New(Options{DB: env.db, Reader: env.reader, Debounce: -time.Millisecond}); err == nil {
		t.Fatal("expected error for negative debounce")
	}

	svc, err := New(Options{DB: env.db, Reader: env.reader})
	if err != nil {
		t.Fatal(err)
	}
	if svc.pollInterval != DefaultPollInterval || svc.maxChanges != DefaultMaxChanges {
		t.Fatalf("defaults not applied: poll=%s max=%d", svc.pollInterval, svc.maxChanges)
	}
	if svc.detector.Name() != "poll" {
		t.Fatalf("default detector = %q, want poll", svc.detector.Name())
	}
}

func TestTickDebounceCollapsesBurst(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	repo, fake := env.watch(t, "alice", "demo")
	fake.set(func(r *fakeRepo) { r.changes = []models.Change{{ChangeID: "c1", Timestamp: t0}} })

	// Five writes 50ms apart keep pushing the deadline out.
	for i := 0; i < 5; i++ {
		now := t0.Add(time.Duration(i) * 50 * time.Millisecond)
		env.detector.set(repo.StoragePath, now)
		env.svc.tick(ctx, now)
	}
	if opens, _ := fake.counts(); opens != 0 {
		t.Fatalf("synced during burst: opens = %d", opens)
	}

	env.svc.tick(ctx, t0.Add(499*time.Millisecond))
	if opens, _ := fake.counts(); opens != 0 {
		t.Fatalf("synced before quiet period elapsed: opens = %d", opens)
	}

	env.svc.tick(ctx, t0.Add(500*time.Millisecond))
	env.svc.tick(ctx, t0.Add(900*time.Millisecond))
	opens, closes := fake.counts()
	if opens != 1 || closes != 1 {
		t.Fatalf("opens=%d closes=%d, want exactly one sync", opens, closes)
	}
	if got := testutil.ToFloat64(env.svc.metrics.syncsTotal.WithLabelValues(triggerPoll, "ok")); got != 1 {
		t.Fatalf("poll syncs = %v, want 1", got)
	}
}

func TestTickFirstObservationSchedulesCatchUp(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Debounce = 0 })
	ctx := context.Background()
	repo, fake := env.watch(t, "alice", "demo")
	env.detector.set(repo.StoragePath, t0)

	env.svc.tick(ctx, t0)
	if opens, _ := fake.counts(); opens != 1 {
		t.Fatalf("opens = %d, want initial sync", opens)
	}

	// Unchanged marker: nothing to do.
	env.svc.tick(ctx, t0.Add(time.Second))
	if opens, _ := fake.counts(); opens != 1 {
		t.Fatalf("opens = %d after idle tick, want 1", opens)
	}
}

func TestTickSkipsRepositoryWithDetectorError(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Debounce = 0 })
	ctx := context.Background()
	broken, brokenFake := env.watch(t, "alice", "broken")
	healthy, healthyFake := env.watch(t, "bob", "healthy")

	env.detector.fail(broken.StoragePath, errors.New("stat op heads: no such file or directory"))
	env.detector.set(healthy.StoragePath, t0)

	env.svc.tick(ctx, t0)
	env.svc.tick(ctx, t0.Add(time.Millisecond))

	if opens, _ := brokenFake.counts(); opens != 0 {
		t.Fatalf("broken repository opened %d times", opens)
	}
	if opens, _ := healthyFake.counts(); opens != 1 {
		t.Fatalf("healthy repository opens = %d, want 1", opens)
	}
	if got := testutil.ToFloat64(env.svc.metrics.detectErrors); got != 2 {
		t.Fatalf("detect errors = %v, want 2", got)
	}
}

func TestForceSyncClearsPendingDebounce(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	repo, fake := env.watch(t, "alice", "demo")
	env.detector.set(repo.StoragePath, t0)

	env.svc.tick(ctx, t0)
	if w, _ := env.svc.registry.Get("alice", "demo"); !w.Pending() {
		t.Fatal("expected pending sync after marker advance")
	}

	if _, err := env.svc.ForceSync(ctx, "alice", "demo"); err != nil {
		t.Fatal(err)
	}
	env.svc.tick(ctx, t0.Add(time.Second))

	if opens, _ := fake.counts(); opens != 1 {
		t.Fatalf("opens = %d, want forced sync only", opens)
	}
}

func TestStopLetsInFlightSyncFinish(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.Debounce = 0 })
	repo, fake := env.watch(t, "alice", "demo")
	block := make(chan struct{})
	entered := make(chan struct{})
	fake.set(func(r *fakeRepo) {
		r.changes = []models.Change{{ChangeID: "c1", Timestamp: t0}}
		r.block = block
		r.entered = entered
	})
	env.detector.set(repo.StoragePath, t0)

	if err := env.svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("sync did not start")
	}

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopped <- env.svc.Stop(ctx)
	}()

	select {
	case err := <-stopped:
		t.Fatalf("Stop returned before in-flight sync finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if env.svc.Running() {
		t.Fatal("Running() = true after Stop was requested")
	}

	close(block)
	if err := <-stopped; err != nil {
		t.Fatalf("Stop: %v", err)
	}

	changes, err := env.db.ListChanges(context.Background(), repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 || changes[0].ChangeID != "c1" {
		t.Fatalf("changes = %+v, want c1 committed", changes)
	}
	if _, closes := fake.counts(); closes != 1 {
		t.Fatalf("handle closes = %d, want 1", closes)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if err := env.svc.Stop(ctx); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	if err := env.svc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := env.svc.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !env.svc.Status().Running {
		t.Fatal("status not running after Start")
	}
	if err := env.svc.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if env.svc.Status().Running {
		t.Fatal("status running after Stop")
	}
}

func TestLoadCatalog(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.ReposBasePath = "/srv/repos" })
	ctx := context.Background()

	if err := env.db.CreateRepository(ctx, &models.Repository{OwnerName: "alice", Name: "demo"}); err != nil {
		t.Fatal(err)
	}
	if err := env.db.CreateRepository(ctx, &models.Repository{OwnerName: "bob", Name: "tools", StoragePath: "/data/tools", DefaultBranch: "trunk"}); err != nil {
		t.Fatal(err)
	}

	added, err := env.svc.LoadCatalog(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}
	if again, _ := env.svc.LoadCatalog(ctx); again != 0 {
		t.Fatalf("reload added %d, want 0", again)
	}

	alice, ok := env.svc.registry.Get("alice", "demo")
	if !ok || alice.Path != "/srv/repos/alice/demo" {
		t.Fatalf("alice/demo = %+v", alice)
	}
	bob, ok := env.svc.registry.Get("bob", "tools")
	if !ok || bob.Path != "/data/tools" || bob.DefaultBookmark != "trunk" {
		t.Fatalf("bob/tools = %+v", bob)
	}
	if got := testutil.ToFloat64(env.svc.metrics.watched); got != 2 {
		t.Fatalf("watched gauge = %v, want 2", got)
	}
}

func TestControlSurfaceOnDisabledWatcher(t *testing.T) {
	var svc *Service
	if _, err := svc.ForceSync(context.Background(), "alice", "demo"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("ForceSync error = %v, want ErrNotRunning", err)
	}
	if st := svc.Status(); st.Running || st.WatchedRepos != 0 {
		t.Fatalf("status = %+v", st)
	}
	if svc.RemoveWatch("alice", "demo") {
		t.Fatal("RemoveWatch on nil service reported removal")
	}
}

func TestAddAndRemoveWatch(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	repo := &models.Repository{OwnerName: "alice", Name: "demo", StoragePath: "/fake/alice/demo"}
	if err := env.db.CreateRepository(ctx, repo); err != nil {
		t.Fatal(err)
	}

	added, err := env.svc.AddWatch(ctx, "alice", "demo", repo.ID, "/fake/alice/demo")
	if err != nil || !added {
		t.Fatalf("AddWatch = %v, %v", added, err)
	}
	if added, _ := env.svc.AddWatch(ctx, "alice", "demo", repo.ID, "/fake/alice/demo"); added {
		t.Fatal("duplicate AddWatch reported new entry")
	}
	if _, err := env.svc.AddWatch(ctx, "alice", "", repo.ID, "/x"); err == nil {
		t.Fatal("expected error for empty repo name")
	}

	list := env.svc.ListWatched()
	if len(list) != 1 || list[0].User != "alice" || list[0].Repo != "demo" || list[0].RepoID != repo.ID {
		t.Fatalf("ListWatched = %+v", list)
	}

	if !env.svc.RemoveWatch("alice", "demo") {
		t.Fatal("RemoveWatch reported missing entry")
	}
	if env.svc.RemoveWatch("alice", "demo") {
		t.Fatal("second RemoveWatch reported removal")
	}
	if st := env.svc.Status(); st.WatchedRepos != 0 || st.Detector != "fake" {
		t.Fatalf("status = %+v", st)
	}
}

func TestAddWatchRejectsUnknownRepositoryID(t *testing.T) {
	env := newTestEnv(t, nil)

	added, err := env.svc.AddWatch(context.Background(), "alice", "demo", 42, "/fake/alice/demo")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("AddWatch error = %v, want sql.ErrNoRows", err)
	}
	if added || env.svc.registry.Len() != 0 {
		t.Fatalf("unknown id was watched: added=%v len=%d", added, env.svc.registry.Len())
	}
}

func TestAddWatchMarksCatalogDefaultBookmark(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	repo := &models.Repository{OwnerName: "alice", Name: "demo", DefaultBranch: "trunk", StoragePath: "/fake/alice/demo"}
	if err := env.db.CreateRepository(ctx, repo); err != nil {
		t.Fatal(err)
	}
	fake := env.reader.repo("/fake/alice/demo")
	fake.set(func(r *fakeRepo) {
		r.bookmarks = []models.Bookmark{{Name: "trunk", TargetChangeID: "c1"}, {Name: "feature", TargetChangeID: "c2"}}
	})

	if _, err := env.svc.AddWatch(ctx, "alice", "demo", repo.ID, "/fake/alice/demo"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.ForceSync(ctx, "alice", "demo"); err != nil {
		t.Fatal(err)
	}

	bookmarks, err := env.db.ListBookmarks(ctx, repo.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(bookmarks) != 2 {
		t.Fatalf("bookmarks = %+v, want 2", bookmarks)
	}
	for _, b := range bookmarks {
		if b.IsDefault != (b.Name == "trunk") {
			t.Fatalf("bookmark %s isDefault = %v", b.Name, b.IsDefault)
		}
	}
}

func TestRemoveWatchDropsIdleSyncLock(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.watch(t, "alice", "demo")

	if _, err := env.svc.ForceSync(ctx, "alice", "demo"); err != nil {
		t.Fatal(err)
	}
	lockCount := func() int {
		env.svc.locksMu.Lock()
		defer env.svc.locksMu.Unlock()
		return len(env.svc.locks)
	}
	if got := lockCount(); got != 1 {
		t.Fatalf("locks after sync = %d, want 1", got)
	}
	if !env.svc.RemoveWatch("alice", "demo") {
		t.Fatal("RemoveWatch reported missing entry")
	}
	if got := lockCount(); got != 0 {
		t.Fatalf("locks after RemoveWatch = %d, want 0", got)
	}
}

func TestWatchFromCatalogUnknownRepository(t *testing.T) {
	env := newTestEnv(t, nil)
	_, _, err := env.svc.WatchFromCatalog(context.Background(), "nobody", "nothing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("WatchFromCatalog error = %v, want sql.ErrNoRows", err)
	}
	if env.svc.registry.Len() != 0 {
		t.Fatal("registry changed on failed catalog lookup")
	}
}
