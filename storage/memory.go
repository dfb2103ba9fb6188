package storage

import (
	"slices"
	"sync"

	"github.com/valen20Chx/htmx-todo/domain"
)

// TaskStore is the shared in-memory task list. A single mutex covers the whole
// sequence; every method holds it for its full duration and returns a snapshot
// taken before the lock is released, so callers render exactly the state their
// own operation produced.
type TaskStore struct {
	mu    sync.Mutex
	tasks []domain.Task
}

// NewTaskStore creates an empty store.
func NewTaskStore() *TaskStore {
	return &TaskStore{}
}

// List returns a copy of the current sequence.
func (s *TaskStore) List() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Len reports the number of stored tasks.
func (s *TaskStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Append adds a new pending task at the end of the list. Descriptions that are
// empty after trimming are ignored and reported with added == false.
func (s *TaskStore) Append(description string) (tasks []domain.Task, added bool) {
	desc := domain.NormalizeDescription(description)

	s.mu.Lock()
	defer s.mu.Unlock()
	if desc != "" {
		s.tasks = append(s.tasks, domain.Task{Description: desc})
		added = true
	}
	return s.snapshot(), added
}

// RemoveAt deletes the task at position; later tasks shift down by one. An
// out-of-range position leaves the list untouched and returns an
// *domain.OutOfRangeError.
func (s *TaskStore) RemoveAt(position int) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if position < 0 || position >= len(s.tasks) {
		return nil, &domain.OutOfRangeError{Position: position, Length: len(s.tasks)}
	}
	s.tasks = slices.Delete(s.tasks, position, position+1)
	return s.snapshot(), nil
}

// MarkDoneAt flags the task at position as done. Out-of-range positions are
// ignored; changed reports whether a task was addressed.
func (s *TaskStore) MarkDoneAt(position int) (tasks []domain.Task, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if position >= 0 && position < len(s.tasks) {
		s.tasks[position].Done = true
		changed = true
	}
	return s.snapshot(), changed
}

// snapshot must be called with mu held.
func (s *TaskStore) snapshot() []domain.Task {
	out := make([]domain.Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}
