// internal/reporting/service.go
package reporting

import (
	"context"

	"github.com/google/uuid"

	"librarydesk/internal/actor"
	"librarydesk/internal/audit"
	"librarydesk/internal/catalog"
	"librarydesk/internal/circulation"
	"librarydesk/internal/notify"
)

// Service defines the read-only queries behind the staff and patron views.
type Service interface {
	Dashboard(ctx context.Context, a actor.Context) (*Dashboard, error)
	PendingQueue(ctx context.Context, a actor.Context, page Page) ([]*circulation.Borrow, error)
	ListBorrows(ctx context.Context, a actor.Context, filter Filter, page Page) ([]*circulation.Borrow, error)
	UserHistory(ctx context.Context, a actor.Context, userID uuid.UUID) ([]*circulation.Borrow, error)
	PopularBooks(ctx context.Context, limit int) ([]*catalog.Book, error)
	RecentActivity(ctx context.Context, a actor.Context, limit int) ([]audit.Record, error)
	BorrowHistory(ctx context.Context, a actor.Context, borrowID uuid.UUID) ([]audit.Record, error)

	Inbox(ctx context.Context, a actor.Context, limit int) ([]notify.Notification, error)
	UnreadCount(ctx context.Context, a actor.Context) (int, error)
	MarkRead(ctx context.Context, a actor.Context, id int64) error
	MarkAllRead(ctx context.Context, a actor.Context) (int64, error)
}
