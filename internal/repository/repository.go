// Package repository provides the durable store for link records. Links are
// keyed by session ID and survive process restarts; startup recovery
// revalidates everything loaded from here.
package repository

import (
	"context"

	"github.com/stagelink/stagelink-server/internal/linkage"
)

// Repository is the durable mapping store.
//
//go:generate mockgen -destination=mocks/mock_repository.go -package=mocks github.com/stagelink/stagelink-server/internal/repository Repository
type Repository interface {
	// LoadAll returns every persisted link.
	LoadAll(ctx context.Context) ([]linkage.Link, error)

	// Upsert inserts or replaces the link record for its session ID.
	Upsert(ctx context.Context, link linkage.Link) error

	// Delete removes the link record for the session. Deleting an absent
	// record is not an error.
	Delete(ctx context.Context, sessionID string) error
}
