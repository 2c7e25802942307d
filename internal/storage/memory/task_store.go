// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
)

// TaskStore keeps task records in a map guarded by one lock.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]harvest.Task
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]harvest.Task)}
}

// CreateTask stores a new task.
func (s *TaskStore) CreateTask(_ context.Context, task harvest.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return errors.New("task already exists")
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(_ context.Context, id string) (harvest.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return harvest.Task{}, fmt.Errorf("task %s: %w", id, harvest.ErrNotFound)
	}
	return cloneTask(task), nil
}

// UpdateTask applies mutate atomically. The stored record is left untouched
// when mutate fails.
func (s *TaskStore) UpdateTask(_ context.Context, id string, mutate func(*harvest.Task) error) (harvest.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return harvest.Task{}, fmt.Errorf("task %s: %w", id, harvest.ErrNotFound)
	}
	working := cloneTask(task)
	if err := mutate(&working); err != nil {
		return harvest.Task{}, err
	}
	s.tasks[id] = working
	return cloneTask(working), nil
}

func cloneTask(t harvest.Task) harvest.Task {
	cp := t
	cp.State.Logs = append([]string(nil), t.State.Logs...)
	if t.State.Extra != nil {
		cp.State.Extra = maps.Clone(t.State.Extra)
	}
	if t.State.Strategy != nil {
		strategy := *t.State.Strategy
		cp.State.Strategy = &strategy
	}
	return cp
}
