// internal/catalog/implementation.go
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"librarydesk/internal/actor"
	"librarydesk/internal/audit"
	"librarydesk/internal/inventory"
	"librarydesk/internal/store"
)

// BookColumns lists the books table columns scanned into Book.
var BookColumns = []interface{}{
	"id", "title", "author", "category", "description",
	"total_copies", "available_copies", "is_active", "views_count",
	"created_at", "updated_at",
}

// service implements the Service interface.
type service struct {
	db       *store.DB
	ledger   *inventory.Ledger
	recorder *audit.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures the catalog service.
type Option func(*service)

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *service) { s.logger = logger }
}

// NewService creates a new catalog service instance.
func NewService(db *store.DB, ledger *inventory.Ledger, recorder *audit.Recorder, opts ...Option) Service {
	s := &service{
		db:       db,
		ledger:   ledger,
		recorder: recorder,
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create adds a book. The counters start at zero and are set through the
// ledger in the same transaction.
func (s *service) Create(ctx context.Context, a actor.Context, in BookInput) (*Book, error) {
	if err := requireStaff(a); err != nil {
		return nil, err
	}
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	now := s.now()

	err = s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		ins := s.db.Builder().Insert("books").Rows(goqu.Record{
			"id":               id,
			"title":            in.Title,
			"author":           in.Author,
			"category":         in.Category,
			"description":      in.Description,
			"total_copies":     0,
			"available_copies": 0,
			"is_active":        true,
			"views_count":      0,
			"created_at":       now,
			"updated_at":       now,
		})
		if _, err := store.Exec(ctx, tx, ins); err != nil {
			return fmt.Errorf("failed to insert book: %w", err)
		}

		if _, err := s.ledger.SetTotal(ctx, tx, id, in.TotalCopies); err != nil {
			return err
		}

		return s.recorder.Record(ctx, tx, audit.Entry{
			Action:  audit.ActionCreateBook,
			ActorID: a.UserID,
			BookID:  id,
			Details: map[string]interface{}{"title": in.Title, "total_copies": in.TotalCopies},
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("book created", zap.Stringer("book_id", id), zap.String("title", in.Title))
	return s.Get(ctx, id)
}

// Update edits a book's descriptive fields and total. The available count
// moves with the total and never exceeds the copies not out on loan.
func (s *service) Update(ctx context.Context, a actor.Context, id uuid.UUID, in BookInput) (*Book, error) {
	if err := requireStaff(a); err != nil {
		return nil, err
	}
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}

	err = s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		current, err := s.get(ctx, tx, id, true)
		if err != nil {
			return err
		}

		upd := s.db.Builder().Update("books").
			Set(goqu.Record{
				"title":       in.Title,
				"author":      in.Author,
				"category":    in.Category,
				"description": in.Description,
				"updated_at":  s.now(),
			}).
			Where(goqu.C("id").Eq(id))
		if _, err := store.Exec(ctx, tx, upd); err != nil {
			return fmt.Errorf("failed to update book: %w", err)
		}

		available, err := s.ledger.SetTotal(ctx, tx, id, in.TotalCopies)
		if err != nil {
			return err
		}

		return s.recorder.Record(ctx, tx, audit.Entry{
			Action:  audit.ActionUpdateBook,
			ActorID: a.UserID,
			BookID:  id,
			Details: map[string]interface{}{
				"old_total":     current.TotalCopies,
				"new_total":     in.TotalCopies,
				"new_available": available,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, id)
}

// Deactivate hides a book from new requests. Existing loans are untouched.
func (s *service) Deactivate(ctx context.Context, a actor.Context, id uuid.UUID) error {
	return s.setActive(ctx, a, id, false)
}

// Activate makes a deactivated book requestable again.
func (s *service) Activate(ctx context.Context, a actor.Context, id uuid.UUID) error {
	return s.setActive(ctx, a, id, true)
}

func (s *service) setActive(ctx context.Context, a actor.Context, id uuid.UUID, active bool) error {
	if err := requireStaff(a); err != nil {
		return err
	}

	action := audit.ActionDeactivateBook
	if active {
		action = audit.ActionActivateBook
	}

	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		upd := s.db.Builder().Update("books").
			Set(goqu.Record{"is_active": active, "updated_at": s.now()}).
			Where(goqu.C("id").Eq(id))

		n, err := store.Exec(ctx, tx, upd)
		if err != nil {
			return fmt.Errorf("failed to change book state: %w", err)
		}
		if n == 0 {
			return ErrBookNotFound
		}

		return s.recorder.Record(ctx, tx, audit.Entry{Action: action, ActorID: a.UserID, BookID: id})
	})
}

// Get retrieves a book by its ID.
func (s *service) Get(ctx context.Context, id uuid.UUID) (*Book, error) {
	return s.get(ctx, s.db, id, false)
}

func (s *service) get(ctx context.Context, q store.Querier, id uuid.UUID, lock bool) (*Book, error) {
	ds := s.db.Builder().From("books").Select(BookColumns...).Where(goqu.C("id").Eq(id))
	if lock {
		ds = s.db.LockForUpdate(ds)
	}

	book := &Book{}
	if err := store.Get(ctx, q, book, ds); err != nil {
		if store.IsNoRows(err) {
			return nil, ErrBookNotFound
		}
		return nil, fmt.Errorf("failed to get book: %w", err)
	}
	return book, nil
}

// View counts a detail view and returns the book.
func (s *service) View(ctx context.Context, id uuid.UUID) (*Book, error) {
	upd := s.db.Builder().Update("books").
		Set(goqu.Record{"views_count": goqu.L("views_count + 1")}).
		Where(goqu.C("id").Eq(id))

	n, err := store.Exec(ctx, s.db, upd)
	if err != nil {
		return nil, fmt.Errorf("failed to count view: %w", err)
	}
	if n == 0 {
		return nil, ErrBookNotFound
	}
	return s.Get(ctx, id)
}

// Search matches active books by title or author.
func (s *service) Search(ctx context.Context, query string, limit int) ([]*Book, error) {
	if limit <= 0 {
		limit = 20
	}

	ds := s.db.Builder().From("books").Select(BookColumns...).
		Where(
			goqu.C("is_active").Eq(true),
			goqu.Or(s.db.Contains("title", query), s.db.Contains("author", query)),
		).
		Order(goqu.C("title").Asc()).
		Limit(uint(limit))

	var books []*Book
	if err := store.Select(ctx, s.db, &books, ds); err != nil {
		return nil, fmt.Errorf("failed to search books: %w", err)
	}
	return books, nil
}

// Related lists other active books in the same category, most viewed first.
func (s *service) Related(ctx context.Context, id uuid.UUID, limit int) ([]*Book, error) {
	book, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 4
	}

	ds := s.db.Builder().From("books").Select(BookColumns...).
		Where(
			goqu.C("is_active").Eq(true),
			goqu.C("category").Eq(book.Category),
			goqu.C("id").Neq(id),
		).
		Order(goqu.C("views_count").Desc(), goqu.C("title").Asc()).
		Limit(uint(limit))

	var books []*Book
	if err := store.Select(ctx, s.db, &books, ds); err != nil {
		return nil, fmt.Errorf("failed to list related books: %w", err)
	}
	return books, nil
}

func requireStaff(a actor.Context) error {
	switch {
	case a.UserID == uuid.Nil:
		return ErrNoActor
	case !a.IsStaff:
		return ErrNotStaff
	}
	return nil
}
