package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"

	"librarydesk/internal/actor"
	"librarydesk/internal/store"
)

var ErrNotificationNotFound = errors.New("notification not found")

// Notification is a persisted event as shown in an inbox.
type Notification struct {
	ID          int64         `json:"id" db:"id"`
	RecipientID uuid.NullUUID `json:"recipient_id" db:"recipient_id"`
	Audience    Audience      `json:"audience" db:"audience"`
	Message     string        `json:"message" db:"message"`
	Link        string        `json:"link" db:"link"`
	Category    Category      `json:"category" db:"category"`
	IsRead      bool          `json:"is_read" db:"is_read"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}

// StoreSink persists events into the notifications table.
type StoreSink struct {
	db *store.DB
}

func NewStoreSink(db *store.DB) *StoreSink {
	return &StoreSink{db: db}
}

func (s *StoreSink) Deliver(ctx context.Context, e Event) error {
	var recipient interface{}
	if e.RecipientID != uuid.Nil {
		recipient = e.RecipientID
	}
	category := e.Category
	if category == "" {
		category = CategoryInfo
	}

	ins := s.db.Builder().Insert("notifications").Rows(goqu.Record{
		"recipient_id": recipient,
		"audience":     string(e.Audience),
		"message":      e.Message,
		"link":         e.Link,
		"category":     string(category),
		"is_read":      false,
		"created_at":   e.CreatedAt,
	})
	if _, err := store.Exec(ctx, s.db, ins); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// Inbox reads and acknowledges persisted notifications. Patrons see events
// addressed to them; staff additionally see staff-wide events, whose read
// flag is shared by all staff.
type Inbox struct {
	db *store.DB
}

func NewInbox(db *store.DB) *Inbox {
	return &Inbox{db: db}
}

func (i *Inbox) visibleTo(a actor.Context) exp.Expression {
	own := goqu.And(
		goqu.C("recipient_id").Eq(a.UserID),
		goqu.C("audience").Eq(string(AudiencePatron)),
	)
	if !a.IsStaff {
		return own
	}
	return goqu.Or(own, goqu.C("audience").Eq(string(AudienceStaff)))
}

// List returns the newest notifications visible to a.
func (i *Inbox) List(ctx context.Context, a actor.Context, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}

	ds := i.db.Builder().From("notifications").
		Select("id", "recipient_id", "audience", "message", "link", "category", "is_read", "created_at").
		Where(i.visibleTo(a)).
		Order(goqu.C("created_at").Desc(), goqu.C("id").Desc()).
		Limit(uint(limit))

	var out []Notification
	if err := store.Select(ctx, i.db, &out, ds); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return out, nil
}

// UnreadCount counts unread notifications visible to a.
func (i *Inbox) UnreadCount(ctx context.Context, a actor.Context) (int, error) {
	ds := i.db.Builder().From("notifications").
		Select(goqu.COUNT("*")).
		Where(i.visibleTo(a), goqu.C("is_read").Eq(false))

	var n int
	if err := store.Get(ctx, i.db, &n, ds); err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return n, nil
}

// MarkRead flags one notification as read.
func (i *Inbox) MarkRead(ctx context.Context, a actor.Context, id int64) error {
	upd := i.db.Builder().Update("notifications").
		Set(goqu.Record{"is_read": true}).
		Where(goqu.C("id").Eq(id), i.visibleTo(a))

	n, err := store.Exec(ctx, i.db, upd)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if n == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// MarkAllRead flags every visible notification as read and returns how many
// changed.
func (i *Inbox) MarkAllRead(ctx context.Context, a actor.Context) (int64, error) {
	upd := i.db.Builder().Update("notifications").
		Set(goqu.Record{"is_read": true}).
		Where(i.visibleTo(a), goqu.C("is_read").Eq(false))

	n, err := store.Exec(ctx, i.db, upd)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	return n, nil
}
