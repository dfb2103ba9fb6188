package api

import (
	"context"

	"github.com/valen20Chx/htmx-todo/domain"
)

// Store is the task list the handlers operate on. Each method is atomic and
// returns the list as it stood right after the operation.
type Store interface {
	List() []domain.Task
	Len() int
	Append(description string) ([]domain.Task, bool)
	RemoveAt(position int) ([]domain.Task, error)
	MarkDoneAt(position int) ([]domain.Task, bool)
}

// EventPublisher delivers task events to an external feed.
type EventPublisher interface {
	Publish(ctx context.Context, events []domain.TaskEvent) error
}

// Deduper prevents the same add request from being applied twice.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, key string) (bool, error)
	// Remove deletes a previously added key so the request may be retried.
	Remove(ctx context.Context, key string) error
}
