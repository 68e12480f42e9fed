package watcher

import (
	"sort"
	"sync"
	"time"
)

// WatchedRepository is the in-memory state the service keeps per watched
// repository. Values handed out by Registry are copies.
type WatchedRepository struct {
	Owner           string
	Repo            string
	RepositoryID    int64
	Path            string
	DefaultBookmark string

	// LastChangeMarker is the last marker the detector observed. A zero
	// marker means the repository has not been looked at yet.
	LastChangeMarker time.Time
	// DebounceDeadline is zero while idle and set while a sync is pending.
	DebounceDeadline time.Time

	LastSyncedAt time.Time
	LastError    string

	detectError string
}

// Pending reports whether a debounced sync is scheduled.
func (w WatchedRepository) Pending() bool {
	return !w.DebounceDeadline.IsZero()
}

// Registry is the set of watched repositories, guarded by a single mutex.
type Registry struct {
	mu    sync.Mutex
	repos map[string]*WatchedRepository
}

func NewRegistry() *Registry {
	return &Registry{repos: make(map[string]*WatchedRepository)}
}

func registryKey(owner, repo string) string {
	return owner + "/" + repo
}

// Add inserts w and reports whether it was new. Adding a repository that is
// already watched is a no-op.
func (r *Registry) Add(w WatchedRepository) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey(w.Owner, w.Repo)
	if _, ok := r.repos[key]; ok {
		return false
	}
	r.repos[key] = &w
	return true
}

// Remove deletes the repository and reports whether it was present.
func (r *Registry) Remove(owner, repo string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey(owner, repo)
	if _, ok := r.repos[key]; !ok {
		return false
	}
	delete(r.repos, key)
	return true
}

func (r *Registry) Get(owner, repo string) (WatchedRepository, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.repos[registryKey(owner, repo)]
	if !ok {
		return WatchedRepository{}, false
	}
	return *w, true
}

// List returns a snapshot of all entries ordered by owner and name.
func (r *Registry) List() []WatchedRepository {
	r.mu.Lock()
	out := make([]WatchedRepository, 0, len(r.repos))
	for _, w := range r.repos {
		out = append(out, *w)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner < out[j].Owner
		}
		return out[i].Repo < out[j].Repo
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.repos)
}

// update applies fn to the live entry under the registry lock. It returns
// false if the repository was removed in the meantime.
func (r *Registry) update(owner, repo string, fn func(w *WatchedRepository)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.repos[registryKey(owner, repo)]
	if !ok {
		return false
	}
	fn(w)
	return true
}
