package storage

import (
	"context"

	"tasksync/domain"
)

// Persister mirrors the task store to durable storage. Implementations are
// only ever driven by a Writer, so calls arrive in fact order.
type Persister interface {
	LoadTasks(ctx context.Context) ([]domain.Task, error)
	SaveTask(ctx context.Context, task domain.Task) error
	DeleteTask(ctx context.Context, id int64) error
	// LoadNextID returns the stored id high-water mark, 0 when none was saved.
	LoadNextID(ctx context.Context) (int64, error)
	// SaveNextID records that no id below next may be assigned again.
	SaveNextID(ctx context.Context, next int64) error
}
