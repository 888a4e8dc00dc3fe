package api

import (
	"context"

	"tasksync/coordinator"
	"tasksync/domain"
	"tasksync/session"
)

// Coordinator is everything the HTTP surface needs from the task coordinator.
type Coordinator interface {
	session.Hub
	Snapshot(ctx context.Context) ([]domain.Task, uint64, error)
	Stats(ctx context.Context) (coordinator.Stats, error)
}

// Deduper prevents processing of duplicate intents.
type Deduper interface {
	session.Deduper
	// ClaimIntents claims a batch and reports which intents are new.
	ClaimIntents(ctx context.Context, intents []domain.Intent) ([]bool, error)
}
