package task

import (
	"sync"

	appErr "microshim/pkg/errors"
)

// Registry is the shim's task table. The registry lock guards only the map;
// lifecycle mutations take the per-task lock so independent ids never
// contend with each other.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// Add registers a task. Duplicate ids are refused.
func (r *Registry) Add(t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; ok {
		return appErr.Newf(appErr.AlreadyExists, "task %s already exists", t.ID)
	}
	r.tasks[t.ID] = t
	return nil
}

// Get looks up a task by id.
func (r *Registry) Get(id string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, appErr.Newf(appErr.NotFound, "task %s not found", id)
	}
	return t, nil
}

// Remove detaches a task and returns it, or NotFound if absent. Detaching
// is atomic; the caller tears the task's session down afterwards.
func (r *Registry) Remove(id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, appErr.Newf(appErr.NotFound, "task %s not found", id)
	}
	delete(r.tasks, id)
	return t, nil
}

// Len reports how many tasks are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// All snapshots the registered tasks.
func (r *Registry) All() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out
}
