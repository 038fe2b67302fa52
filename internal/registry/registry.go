// Package registry holds the live set of non-terminal agent tasks.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/iambrandonn/arbor/internal/task"
)

// DefaultRecentSize bounds how many final snapshots are kept after eviction
const DefaultRecentSize = 1024

// ErrDuplicateID is returned when an id is registered twice, including ids of retired tasks
var ErrDuplicateID = errors.New("registry: duplicate task id")

// Registry is a concurrency-safe map from task id to live task
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	tasks map[string]*task.Task
	seen  map[string]struct{}

	recent *lru.Cache[string, task.Snapshot]
}

// New creates an empty registry keeping up to recentSize final snapshots
func New(recentSize int, logger *slog.Logger) (*Registry, error) {
	if recentSize <= 0 {
		recentSize = DefaultRecentSize
	}
	recent, err := lru.New[string, task.Snapshot](recentSize)
	if err != nil {
		return nil, fmt.Errorf("create recent snapshot cache: %w", err)
	}
	return &Registry{
		logger: logger,
		tasks:  make(map[string]*task.Task),
		seen:   make(map[string]struct{}),
		recent: recent,
	}, nil
}

// Register adds a task to the live tree
func (r *Registry) Register(t *task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[t.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, t.ID())
	}
	r.seen[t.ID()] = struct{}{}
	r.tasks[t.ID()] = t

	r.logger.Debug("task registered", "task_id", t.ID(), "parent_id", t.ParentID())
	return nil
}

// Get returns the live task with the given id
func (r *Registry) Get(id string) (*task.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Remove evicts a task from the live tree. Its id stays reserved.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.tasks, id)
	r.mu.Unlock()
}

// Retire records the final snapshot of a task and evicts it
func (r *Registry) Retire(snap task.Snapshot) {
	r.recent.Add(snap.ID, snap)
	r.Remove(snap.ID)
	r.logger.Debug("task retired", "task_id", snap.ID, "status", snap.Status)
}

// Lookup returns the current snapshot of a live task, or the final snapshot
// of a recently retired one
func (r *Registry) Lookup(id string) (task.Snapshot, bool) {
	if t, ok := r.Get(id); ok {
		return t.Snapshot(), true
	}
	return r.recent.Get(id)
}

// Snapshot returns a view of every live task keyed by id
func (r *Registry) Snapshot() map[string]task.Snapshot {
	r.mu.RLock()
	live := make([]*task.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		live = append(live, t)
	}
	r.mu.RUnlock()

	// per-task locks are taken outside the registry lock
	out := make(map[string]task.Snapshot, len(live))
	for _, t := range live {
		out[t.ID()] = t.Snapshot()
	}
	return out
}

// Len returns the number of live tasks
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
