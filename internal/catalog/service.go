// internal/catalog/service.go
package catalog

import (
	"context"

	"github.com/google/uuid"

	"librarydesk/internal/actor"
)

// Service defines the interface for the catalog service.
type Service interface {
	Create(ctx context.Context, a actor.Context, in BookInput) (*Book, error)
	Update(ctx context.Context, a actor.Context, id uuid.UUID, in BookInput) (*Book, error)
	Deactivate(ctx context.Context, a actor.Context, id uuid.UUID) error
	Activate(ctx context.Context, a actor.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*Book, error)
	View(ctx context.Context, id uuid.UUID) (*Book, error)
	Search(ctx context.Context, query string, limit int) ([]*Book, error)
	Related(ctx context.Context, id uuid.UUID, limit int) ([]*Book, error)
}
