package storage

import (
	"context"

	"github.com/Sriram-PR/resilient-fetch/pkg/models"
)

// CacheStore persists cache snapshots.
// Every error returned is a *utils.CachePersistenceError.
type CacheStore interface {
	// Save replaces whatever snapshot was stored before
	Save(ctx context.Context, snap *models.CacheSnapshot) error

	// Load returns the stored snapshot, or an error wrapping utils.ErrCacheMiss when none exists
	Load(ctx context.Context) (*models.CacheSnapshot, error)

	// Name identifies the backend in logs and errors
	Name() string

	// Close releases the backend's resources
	Close() error
}
