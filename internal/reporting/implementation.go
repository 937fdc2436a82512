// internal/reporting/implementation.go
package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"librarydesk/internal/actor"
	"librarydesk/internal/audit"
	"librarydesk/internal/catalog"
	"librarydesk/internal/circulation"
	"librarydesk/internal/notify"
	"librarydesk/internal/store"
)

// service implements the Service interface.
type service struct {
	db         *store.DB
	recorder   *audit.Recorder
	inbox      *notify.Inbox
	loanPeriod time.Duration
	tracer     trace.Tracer
}

// Option configures the reporting service.
type Option func(*service)

// WithLoanPeriod sets the loan period used to fill in due dates.
func WithLoanPeriod(days int) Option {
	return func(s *service) { s.loanPeriod = time.Duration(days) * 24 * time.Hour }
}

// WithTracerProvider sets the tracer provider used for query spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *service) { s.tracer = tp.Tracer("librarydesk/reporting") }
}

// NewService creates a new reporting service instance.
func NewService(db *store.DB, recorder *audit.Recorder, inbox *notify.Inbox, opts ...Option) Service {
	s := &service{
		db:         db,
		recorder:   recorder,
		inbox:      inbox,
		loanPeriod: time.Duration(circulation.DefaultPolicy().LoanPeriodDays) * 24 * time.Hour,
		tracer:     otel.Tracer("librarydesk/reporting"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dashboard counts books and borrows by state.
func (s *service) Dashboard(ctx context.Context, a actor.Context) (*Dashboard, error) {
	if !a.IsStaff {
		return nil, ErrNotStaff
	}
	ctx, span := s.tracer.Start(ctx, "reporting.dashboard")
	defer span.End()

	d := &Dashboard{}
	approved := goqu.C("status").Eq(string(circulation.StatusApproved))
	counts := []struct {
		dest  *int
		table string
		where []exp.Expression
	}{
		{&d.TotalBooks, "books", nil},
		{&d.ActiveBooks, "books", []exp.Expression{goqu.C("is_active").Eq(true)}},
		{&d.PendingRequests, "borrows", []exp.Expression{goqu.C("status").Eq(string(circulation.StatusPending))}},
		{&d.ActiveLoans, "borrows", []exp.Expression{approved}},
		{&d.ReturnRequests, "borrows", []exp.Expression{approved, goqu.C("return_requested").Eq(true)}},
		{&d.TotalBorrows, "borrows", nil},
	}

	for _, c := range counts {
		ds := s.db.Builder().From(c.table).Select(goqu.COUNT("*")).Where(c.where...)
		if err := store.Get(ctx, s.db, c.dest, ds); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", c.table, err)
		}
	}
	return d, nil
}

// PendingQueue lists pending requests, oldest first.
func (s *service) PendingQueue(ctx context.Context, a actor.Context, page Page) ([]*circulation.Borrow, error) {
	if !a.IsStaff {
		return nil, ErrNotStaff
	}

	ds := s.borrows().
		Where(goqu.C("status").Eq(string(circulation.StatusPending))).
		Order(goqu.C("created_at").Asc(), goqu.C("id").Asc()).
		Limit(page.limit()).
		Offset(page.offset())
	return s.selectBorrows(ctx, "reporting.pending_queue", ds)
}

// ListBorrows lists borrows matching filter, newest first.
func (s *service) ListBorrows(ctx context.Context, a actor.Context, filter Filter, page Page) ([]*circulation.Borrow, error) {
	if !a.IsStaff {
		return nil, ErrNotStaff
	}

	var where []exp.Expression
	switch filter.Status {
	case StatusAll:
	case StatusPending:
		where = append(where, goqu.C("status").Eq(string(circulation.StatusPending)))
	case StatusBorrowing:
		where = append(where, goqu.C("status").Eq(string(circulation.StatusApproved)))
	case StatusReturned:
		where = append(where, goqu.C("status").Eq(string(circulation.StatusReturned)))
	case StatusRejected:
		where = append(where, goqu.C("status").Eq(string(circulation.StatusRejected)))
	default:
		return nil, ErrInvalidFilter
	}
	if filter.UserID != nil {
		where = append(where, goqu.C("user_id").Eq(*filter.UserID))
	}
	if filter.BookTitle != "" {
		where = append(where, s.db.Contains("book_title", filter.BookTitle))
	}

	ds := s.borrows().
		Where(where...).
		Order(goqu.C("created_at").Desc(), goqu.C("id").Desc()).
		Limit(page.limit()).
		Offset(page.offset())
	return s.selectBorrows(ctx, "reporting.list_borrows", ds)
}

// UserHistory lists every borrow of userID, newest first. Patrons may only
// read their own history.
func (s *service) UserHistory(ctx context.Context, a actor.Context, userID uuid.UUID) ([]*circulation.Borrow, error) {
	if !a.IsStaff && !a.Owns(userID) {
		return nil, ErrNotOwner
	}

	ds := s.borrows().
		Where(goqu.C("user_id").Eq(userID)).
		Order(goqu.C("created_at").Desc(), goqu.C("id").Desc())
	return s.selectBorrows(ctx, "reporting.user_history", ds)
}

// PopularBooks lists active books by view count.
func (s *service) PopularBooks(ctx context.Context, limit int) ([]*catalog.Book, error) {
	if limit <= 0 {
		limit = 5
	}

	ds := s.db.Builder().From("books").Select(catalog.BookColumns...).
		Where(goqu.C("is_active").Eq(true)).
		Order(goqu.C("views_count").Desc(), goqu.C("title").Asc()).
		Limit(uint(limit))

	var books []*catalog.Book
	if err := store.Select(ctx, s.db, &books, ds); err != nil {
		return nil, fmt.Errorf("failed to list popular books: %w", err)
	}
	return books, nil
}

// RecentActivity returns the newest audit records.
func (s *service) RecentActivity(ctx context.Context, a actor.Context, limit int) ([]audit.Record, error) {
	if !a.IsStaff {
		return nil, ErrNotStaff
	}
	return s.recorder.Recent(ctx, limit)
}

// BorrowHistory returns the audit trail of one borrow. Staff can read the
// trail of purged records; patrons need the record to still exist and be
// theirs.
func (s *service) BorrowHistory(ctx context.Context, a actor.Context, borrowID uuid.UUID) ([]audit.Record, error) {
	if !a.IsStaff {
		var owner uuid.UUID
		ds := s.db.Builder().From("borrows").Select("user_id").Where(goqu.C("id").Eq(borrowID))
		if err := store.Get(ctx, s.db, &owner, ds); err != nil {
			if store.IsNoRows(err) {
				return nil, circulation.ErrBorrowNotFound
			}
			return nil, fmt.Errorf("failed to read borrow: %w", err)
		}
		if !a.Owns(owner) {
			return nil, ErrNotOwner
		}
	}
	return s.recorder.ForBorrow(ctx, borrowID)
}

func (s *service) Inbox(ctx context.Context, a actor.Context, limit int) ([]notify.Notification, error) {
	return s.inbox.List(ctx, a, limit)
}

func (s *service) UnreadCount(ctx context.Context, a actor.Context) (int, error) {
	return s.inbox.UnreadCount(ctx, a)
}

func (s *service) MarkRead(ctx context.Context, a actor.Context, id int64) error {
	return s.inbox.MarkRead(ctx, a, id)
}

func (s *service) MarkAllRead(ctx context.Context, a actor.Context) (int64, error) {
	return s.inbox.MarkAllRead(ctx, a)
}

func (s *service) borrows() *goqu.SelectDataset {
	return s.db.Builder().From("borrows").Select(circulation.BorrowColumns...)
}

func (s *service) selectBorrows(ctx context.Context, name string, ds *goqu.SelectDataset) ([]*circulation.Borrow, error) {
	ctx, span := s.tracer.Start(ctx, name)
	defer span.End()

	var out []*circulation.Borrow
	if err := store.Select(ctx, s.db, &out, ds); err != nil {
		return nil, fmt.Errorf("failed to list borrows: %w", err)
	}
	for _, b := range out {
		b.Due = b.DueDate(s.loanPeriod)
	}
	return out, nil
}
