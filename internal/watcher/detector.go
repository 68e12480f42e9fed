package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/odvcencio/jjsync/internal/jj"
)

// ChangeDetector reports a repository's change marker. A marker later than
// the one previously observed means the repository advanced.
type ChangeDetector interface {
	Name() string
	Marker(w WatchedRepository) (time.Time, error)
}

// pathTracker is implemented by detectors that need to subscribe to a
// repository before Marker is meaningful.
type pathTracker interface {
	Track(path string) error
	Untrack(path string)
}

// PollDetector stats the op-heads directory on every call.
type PollDetector struct{}

func (PollDetector) Name() string { return "poll" }

func (PollDetector) Marker(w WatchedRepository) (time.Time, error) {
	return jj.ChangeMarker(w.Path)
}

var errDetectorClosed = errors.New("detector closed")

// NotifyDetector derives markers from fsnotify events on each repository's
// op-heads directory. The marker starts at the directory mtime when a path is
// tracked and moves to the event time on every create, write, remove or rename.
type NotifyDetector struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu      sync.Mutex
	markers map[string]time.Time
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

func NewNotifyDetector(logger *slog.Logger) (*NotifyDetector, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &NotifyDetector{
		watcher: fw,
		logger:  logger,
		markers: make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	d.wg.Add(1)
	go d.processEvents()
	return d, nil
}

func (d *NotifyDetector) Name() string { return "fsnotify" }

func (d *NotifyDetector) Track(path string) error {
	dir := jj.OpHeadsDir(path)
	marker, err := jj.ChangeMarker(path)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errDetectorClosed
	}
	if _, ok := d.markers[dir]; ok {
		return nil
	}
	if err := d.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	d.markers[dir] = marker
	return nil
}

func (d *NotifyDetector) Untrack(path string) {
	dir := jj.OpHeadsDir(path)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.markers[dir]; !ok {
		return
	}
	delete(d.markers, dir)
	if !d.closed {
		_ = d.watcher.Remove(dir)
	}
}

// Marker returns the latest event time for the repository. Untracked
// repositories are tracked on first use, so a repository that could not be
// subscribed earlier (for example because it did not exist yet) recovers.
func (d *NotifyDetector) Marker(w WatchedRepository) (time.Time, error) {
	dir := jj.OpHeadsDir(w.Path)
	d.mu.Lock()
	marker, ok := d.markers[dir]
	d.mu.Unlock()
	if ok {
		return marker, nil
	}
	if err := d.Track(w.Path); err != nil {
		return time.Time{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.markers[dir], nil
}

func (d *NotifyDetector) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	close(d.done)
	err := d.watcher.Close()
	d.wg.Wait()
	if err != nil {
		return fmt.Errorf("close fsnotify watcher: %w", err)
	}
	return nil
}

func (d *NotifyDetector) processEvents() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			d.bump(event.Name)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("fsnotify error", "error", err)
		}
	}
}

// bump advances the marker of the tracked directory containing name.
func (d *NotifyDetector) bump(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dir := filepath.Dir(name)
	prev, ok := d.markers[dir]
	if !ok {
		if prev, ok = d.markers[name]; !ok {
			return
		}
		dir = name
	}
	now := time.Now()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	d.markers[dir] = now
}
