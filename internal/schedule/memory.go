package schedule

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryRegistry keeps pending tasks in-process. Suitable for single-replica
// deployments; tasks do not survive a restart.
type memoryRegistry struct {
	mu    sync.Mutex
	tasks map[string]time.Time
}

// NewMemory returns an in-process registry.
func NewMemory() Registry {
	return &memoryRegistry{tasks: make(map[string]time.Time)}
}

func (r *memoryRegistry) Add(_ context.Context, item string, fireAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, pending := r.tasks[item]; pending {
		return false, nil
	}
	r.tasks[item] = fireAt
	return true, nil
}

func (r *memoryRegistry) Pending(_ context.Context, item string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, pending := r.tasks[item]
	return pending, nil
}

func (r *memoryRegistry) Remove(_ context.Context, item string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, pending := r.tasks[item]; !pending {
		return false, nil
	}
	delete(r.tasks, item)
	return true, nil
}

func (r *memoryRegistry) Due(_ context.Context, now time.Time) ([]Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []Task
	for item, fireAt := range r.tasks {
		if fireAt.After(now) {
			continue
		}
		due = append(due, Task{Item: item, FireAt: fireAt})
	}
	for _, task := range due {
		delete(r.tasks, task.Item)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].FireAt.Equal(due[j].FireAt) {
			return due[i].Item < due[j].Item
		}
		return due[i].FireAt.Before(due[j].FireAt)
	})
	return due, nil
}

func (r *memoryRegistry) Len(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.tasks)), nil
}

func (r *memoryRegistry) Close(context.Context) error { return nil }
