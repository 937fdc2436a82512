// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"librarydesk/internal/actor"
	"librarydesk/internal/audit"
	"librarydesk/internal/inventory"
	"librarydesk/internal/notify"
	"librarydesk/internal/store"
)

// BorrowColumns lists the borrows table columns scanned into Borrow.
var BorrowColumns = []interface{}{
	"id", "user_id", "book_id", "book_title", "status",
	"requested_borrow_date", "expected_return_date",
	"approved_by", "approved_at",
	"actual_return_date", "return_condition", "return_notes",
	"return_requested", "return_requested_at",
	"created_at", "updated_at",
}

var _ Service = (*Engine)(nil)

// Engine is the borrow state machine. Each transition validates the current
// record, applies the ledger change, updates the record and writes its audit
// entry in one transaction, then notifies after commit.
type Engine struct {
	db       *store.DB
	ledger   *inventory.Ledger
	recorder *audit.Recorder
	notifier notify.Notifier
	policy   Policy
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer("librarydesk/circulation") }
}

// WithClock overrides the time source, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates the circulation engine.
func NewEngine(db *store.DB, ledger *inventory.Ledger, recorder *audit.Recorder, opts ...Option) *Engine {
	e := &Engine{
		db:       db,
		ledger:   ledger,
		recorder: recorder,
		notifier: notify.Nop,
		policy:   DefaultPolicy(),
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("librarydesk/circulation"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SubmitRequest creates a pending borrow. Stock is not checked here; a copy
// is only claimed at approval.
func (e *Engine) SubmitRequest(ctx context.Context, a actor.Context, bookID uuid.UUID, dates RequestDates) (_ *Borrow, err error) {
	ctx, span := e.tracer.Start(ctx, "circulation.submit_request",
		trace.WithAttributes(attribute.String("book.id", bookID.String())),
	)
	defer func() { endSpan(span, err) }()

	if a.UserID == uuid.Nil {
		return nil, ErrNoActor
	}
	if err := e.validateDates(dates); err != nil {
		return nil, err
	}

	now := e.now()
	borrow := &Borrow{
		ID:                  uuid.New(),
		UserID:              a.UserID,
		BookID:              bookID,
		Status:              StatusPending,
		RequestedBorrowDate: dates.BorrowDate,
		ExpectedReturnDate:  dates.ReturnDate,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	err = e.transition(ctx, "submit_request", func(tx *sqlx.Tx) error {
		var book struct {
			Title    string `db:"title"`
			IsActive bool   `db:"is_active"`
		}
		ds := e.db.Builder().From("books").Select("title", "is_active").Where(goqu.C("id").Eq(bookID))
		if err := store.Get(ctx, tx, &book, ds); err != nil {
			if store.IsNoRows(err) {
				return ErrBookNotFound
			}
			return fmt.Errorf("read book: %w", err)
		}
		if !book.IsActive {
			return ErrBookInactive
		}

		dup, err := e.countOpen(ctx, tx, goqu.C("user_id").Eq(a.UserID), goqu.C("book_id").Eq(bookID))
		if err != nil {
			return err
		}
		if dup > 0 {
			return ErrDuplicateActiveLoan
		}

		if e.policy.MaxActiveLoans > 0 {
			open, err := e.countOpen(ctx, tx, goqu.C("user_id").Eq(a.UserID))
			if err != nil {
				return err
			}
			if open >= e.policy.MaxActiveLoans {
				return ErrLoanLimitReached
			}
		}

		borrow.BookTitle = book.Title
		ins := e.db.Builder().Insert("borrows").Rows(goqu.Record{
			"id":                    borrow.ID,
			"user_id":               borrow.UserID,
			"book_id":               borrow.BookID,
			"book_title":            borrow.BookTitle,
			"status":                string(borrow.Status),
			"requested_borrow_date": store.Nullable(borrow.RequestedBorrowDate),
			"expected_return_date":  store.Nullable(borrow.ExpectedReturnDate),
			"return_requested":      false,
			"created_at":            now,
			"updated_at":            now,
		})
		if _, err := store.Exec(ctx, tx, ins); err != nil {
			if store.IsUniqueViolation(err) {
				return ErrDuplicateActiveLoan
			}
			return fmt.Errorf("insert borrow: %w", err)
		}

		return e.recorder.Record(ctx, tx, audit.Entry{
			Action:   audit.ActionRequest,
			ActorID:  a.UserID,
			BorrowID: borrow.ID,
			BookID:   bookID,
			Details:  map[string]interface{}{"book_title": book.Title},
		})
	})
	if err != nil {
		return nil, err
	}

	e.notifier.Notify(notify.Event{
		Audience:  notify.AudienceStaff,
		Message:   fmt.Sprintf("New borrow request for %q", borrow.BookTitle),
		Link:      borrowLink(borrow.ID),
		Category:  notify.CategoryInfo,
		CreatedAt: now,
	})

	e.logger.Debug("borrow requested", zap.Stringer("borrow_id", borrow.ID), zap.Stringer("book_id", bookID))
	return e.withDue(borrow), nil
}

// Approve claims a copy for a pending request. When no copy is left the
// request stays pending and ErrStockExhausted is returned.
func (e *Engine) Approve(ctx context.Context, a actor.Context, borrowID uuid.UUID) (_ *Borrow, err error) {
	ctx, span := e.tracer.Start(ctx, "circulation.approve",
		trace.WithAttributes(attribute.String("borrow.id", borrowID.String())),
	)
	defer func() { endSpan(span, err) }()

	if err := requireStaff(a); err != nil {
		return nil, err
	}

	var borrow *Borrow
	err = e.transition(ctx, "approve", func(tx *sqlx.Tx) error {
		b, err := e.loadBorrow(ctx, tx, borrowID, true)
		if err != nil {
			return err
		}
		if b.Status != StatusPending {
			return ErrAlreadyProcessed
		}

		ok, available, err := e.ledger.TryReserve(ctx, tx, b.BookID)
		if err != nil {
			return err
		}
		if !ok {
			return e.refusal(ctx, tx, b.BookID)
		}

		now := e.now()
		upd := e.db.Builder().Update("borrows").
			Set(goqu.Record{
				"status":      string(StatusApproved),
				"approved_by": a.UserID,
				"approved_at": now,
				"updated_at":  now,
			}).
			Where(goqu.C("id").Eq(borrowID), goqu.C("status").Eq(string(StatusPending)))
		if err := e.execOne(ctx, tx, upd); err != nil {
			return err
		}

		b.Status = StatusApproved
		b.ApprovedBy = uuid.NullUUID{UUID: a.UserID, Valid: true}
		b.ApprovedAt = &now
		b.UpdatedAt = now
		borrow = b

		return e.recorder.Record(ctx, tx, audit.Entry{
			Action:   audit.ActionApprove,
			ActorID:  a.UserID,
			BorrowID: b.ID,
			BookID:   b.BookID,
			Details:  map[string]interface{}{"available_copies": available},
		})
	})
	if err != nil {
		return nil, err
	}

	e.withDue(borrow)
	msg := fmt.Sprintf("Your request for %q was approved", borrow.BookTitle)
	if borrow.Due != nil {
		msg += fmt.Sprintf(". Please return it by %s", borrow.Due.Format("2006-01-02"))
	}
	e.notifier.Notify(notify.Event{
		RecipientID: borrow.UserID,
		Audience:    notify.AudiencePatron,
		Message:     msg,
		Link:        borrowLink(borrow.ID),
		Category:    notify.CategorySuccess,
		CreatedAt:   borrow.UpdatedAt,
	})

	return borrow, nil
}

// Reject closes a pending request without touching stock.
func (e *Engine) Reject(ctx context.Context, a actor.Context, borrowID uuid.UUID) (_ *Borrow, err error) {
	ctx, span := e.tracer.Start(ctx, "circulation.reject",
		trace.WithAttributes(attribute.String("borrow.id", borrowID.String())),
	)
	defer func() { endSpan(span, err) }()

	if err := requireStaff(a); err != nil {
		return nil, err
	}

	var borrow *Borrow
	err = e.transition(ctx, "reject", func(tx *sqlx.Tx) error {
		b, err := e.loadBorrow(ctx, tx, borrowID, true)
		if err != nil {
			return err
		}
		if b.Status != StatusPending {
			return ErrAlreadyProcessed
		}

		now := e.now()
		upd := e.db.Builder().Update("borrows").
			Set(goqu.Record{"status": string(StatusRejected), "updated_at": now}).
			Where(goqu.C("id").Eq(borrowID), goqu.C("status").Eq(string(StatusPending)))
		if err := e.execOne(ctx, tx, upd); err != nil {
			return err
		}

		b.Status = StatusRejected
		b.UpdatedAt = now
		borrow = b

		return e.recorder.Record(ctx, tx, audit.Entry{
			Action:   audit.ActionReject,
			ActorID:  a.UserID,
			BorrowID: b.ID,
			BookID:   b.BookID,
		})
	})
	if err != nil {
		return nil, err
	}

	e.notifier.Notify(notify.Event{
		RecipientID: borrow.UserID,
		Audience:    notify.AudiencePatron,
		Message:     fmt.Sprintf("Your request for %q was rejected", borrow.BookTitle),
		Link:        borrowLink(borrow.ID),
		Category:    notify.CategoryError,
		CreatedAt:   borrow.UpdatedAt,
	})

	return e.withDue(borrow), nil
}

// RequestReturn flags an active loan as ready to come back. Asking again is
// a no-op.
func (e *Engine) RequestReturn(ctx context.Context, a actor.Context, borrowID uuid.UUID) (_ *Borrow, err error) {
	ctx, span := e.tracer.Start(ctx, "circulation.request_return",
		trace.WithAttributes(attribute.String("borrow.id", borrowID.String())),
	)
	defer func() { endSpan(span, err) }()

	if a.UserID == uuid.Nil {
		return nil, ErrNoActor
	}

	var borrow *Borrow
	changed := false
	err = e.transition(ctx, "request_return", func(tx *sqlx.Tx) error {
		b, err := e.loadBorrow(ctx, tx, borrowID, true)
		if err != nil {
			return err
		}
		if !a.Owns(b.UserID) {
			return ErrNotOwner
		}
		if !b.ActiveLoan() {
			return ErrNotActiveLoan
		}
		borrow = b
		if b.ReturnRequested {
			return nil
		}

		now := e.now()
		upd := e.db.Builder().Update("borrows").
			Set(goqu.Record{
				"return_requested":    true,
				"return_requested_at": now,
				"updated_at":          now,
			}).
			Where(
				goqu.C("id").Eq(borrowID),
				goqu.C("status").Eq(string(StatusApproved)),
				goqu.C("return_requested").Eq(false),
			)
		if err := e.execOne(ctx, tx, upd); err != nil {
			return err
		}

		b.ReturnRequested = true
		b.ReturnRequestedAt = &now
		b.UpdatedAt = now
		changed = true

		return e.recorder.Record(ctx, tx, audit.Entry{
			Action:   audit.ActionRequestReturn,
			ActorID:  a.UserID,
			BorrowID: b.ID,
			BookID:   b.BookID,
		})
	})
	if err != nil {
		return nil, err
	}

	if changed {
		e.notifier.Notify(notify.Event{
			Audience:  notify.AudienceStaff,
			Message:   fmt.Sprintf("Return requested for %q", borrow.BookTitle),
			Link:      borrowLink(borrow.ID),
			Category:  notify.CategoryInfo,
			CreatedAt: borrow.UpdatedAt,
		})
	}

	return e.withDue(borrow), nil
}

// CancelReturnRequest withdraws a pending return request. Without one it is
// a no-op.
func (e *Engine) CancelReturnRequest(ctx context.Context, a actor.Context, borrowID uuid.UUID) (_ *Borrow, err error) {
	ctx, span := e.tracer.Start(ctx, "circulation.cancel_return_request",
		trace.WithAttributes(attribute.String("borrow.id", borrowID.String())),
	)
	defer func() { endSpan(span, err) }()

	if a.UserID == uuid.Nil {
		return nil, ErrNoActor
	}

	var borrow *Borrow
	changed := false
	err = e.transition(ctx, "cancel_return_request", func(tx *sqlx.Tx) error {
		b, err := e.loadBorrow(ctx, tx, borrowID, true)
		if err != nil {
			return err
		}
		if !a.Owns(b.UserID) {
			return ErrNotOwner
		}
		borrow = b
		if !b.ReturnRequested {
			return nil
		}

		now := e.now()
		upd := e.db.Builder().Update("borrows").
			Set(goqu.Record{
				"return_requested":    false,
				"return_requested_at": nil,
				"updated_at":          now,
			}).
			Where(goqu.C("id").Eq(borrowID), goqu.C("return_requested").Eq(true))
		if err := e.execOne(ctx, tx, upd); err != nil {
			return err
		}

		b.ReturnRequested = false
		b.ReturnRequestedAt = nil
		b.UpdatedAt = now
		changed = true

		return e.recorder.Record(ctx, tx, audit.Entry{
			Action:   audit.ActionCancelReturnRequest,
			ActorID:  a.UserID,
			BorrowID: b.ID,
			BookID:   b.BookID,
		})
	})
	if err != nil {
		return nil, err
	}

	if changed {
		e.notifier.Notify(notify.Event{
			Audience:  notify.AudienceStaff,
			Message:   fmt.Sprintf("Return request cancelled for %q", borrow.BookTitle),
			Link:      borrowLink(borrow.ID),
			Category:  notify.CategoryInfo,
			CreatedAt: borrow.UpdatedAt,
		})
	}

	return e.withDue(borrow), nil
}

// FinalizeReturn closes an active loan. The copy goes back to stock unless
// it was lost. A prior return request is not required.
func (e *Engine) FinalizeReturn(ctx context.Context, a actor.Context, borrowID uuid.UUID, condition Condition, notes string) (_ *Borrow, err error) {
	ctx, span := e.tracer.Start(ctx, "circulation.finalize_return",
		trace.WithAttributes(
			attribute.String("borrow.id", borrowID.String()),
			attribute.String("return.condition", string(condition)),
		),
	)
	defer func() { endSpan(span, err) }()

	if err := requireStaff(a); err != nil {
		return nil, err
	}
	if !condition.Valid() {
		return nil, ErrInvalidCondition
	}

	var borrow *Borrow
	err = e.transition(ctx, "finalize_return", func(tx *sqlx.Tx) error {
		b, err := e.loadBorrow(ctx, tx, borrowID, true)
		if err != nil {
			return err
		}
		if b.Status == StatusReturned || b.ActualReturnDate != nil {
			return ErrAlreadyProcessed
		}
		if b.Status != StatusApproved {
			return ErrNotActiveLoan
		}

		now := e.now()
		var notesVal *string
		if notes != "" {
			notesVal = &notes
		}

		upd := e.db.Builder().Update("borrows").
			Set(goqu.Record{
				"status":             string(StatusReturned),
				"actual_return_date": now,
				"return_condition":   string(condition),
				"return_notes":       store.Nullable(notesVal),
				"return_requested":   false,
				"updated_at":         now,
			}).
			Where(goqu.C("id").Eq(borrowID), goqu.C("status").Eq(string(StatusApproved)))
		if err := e.execOne(ctx, tx, upd); err != nil {
			return err
		}

		details := map[string]interface{}{"condition": string(condition), "restocked": condition.Restocks()}
		if condition.Restocks() {
			available, err := e.ledger.Release(ctx, tx, b.BookID)
			if err != nil {
				return err
			}
			details["available_copies"] = available
		}

		b.Status = StatusReturned
		b.ActualReturnDate = &now
		b.ReturnCondition = &condition
		b.ReturnNotes = notesVal
		b.ReturnRequested = false
		b.UpdatedAt = now
		borrow = b

		return e.recorder.Record(ctx, tx, audit.Entry{
			Action:   audit.ActionReturn,
			ActorID:  a.UserID,
			BorrowID: b.ID,
			BookID:   b.BookID,
			Details:  details,
		})
	})
	if err != nil {
		return nil, err
	}

	event := notify.Event{
		RecipientID: borrow.UserID,
		Audience:    notify.AudiencePatron,
		Link:        borrowLink(borrow.ID),
		CreatedAt:   borrow.UpdatedAt,
	}
	switch condition {
	case ConditionGood:
		event.Message = fmt.Sprintf("Thanks for returning %q", borrow.BookTitle)
		event.Category = notify.CategorySuccess
	case ConditionDamaged:
		event.Message = fmt.Sprintf("%q was returned damaged", borrow.BookTitle)
		event.Category = notify.CategoryWarning
	case ConditionLost:
		event.Message = fmt.Sprintf("%q was recorded as lost", borrow.BookTitle)
		event.Category = notify.CategoryWarning
	}
	e.notifier.Notify(event)

	return e.withDue(borrow), nil
}

// PurgeUser is the account-deletion cascade: every copy still on loan to
// userID goes back to stock and the user's borrow rows are deleted. The
// audit log keeps the history. No notification is sent.
func (e *Engine) PurgeUser(ctx context.Context, a actor.Context, userID uuid.UUID) (_ *PurgeResult, err error) {
	ctx, span := e.tracer.Start(ctx, "circulation.purge_user",
		trace.WithAttributes(attribute.String("user.id", userID.String())),
	)
	defer func() { endSpan(span, err) }()

	if err := requireStaff(a); err != nil {
		return nil, err
	}

	result := &PurgeResult{UserID: userID, Restored: map[uuid.UUID]int{}}
	err = e.transition(ctx, "purge_user", func(tx *sqlx.Tx) error {
		ds := e.db.LockForUpdate(
			e.db.Builder().From("borrows").Select(BorrowColumns...).Where(goqu.C("user_id").Eq(userID)),
		)
		var borrows []*Borrow
		if err := store.Select(ctx, tx, &borrows, ds); err != nil {
			return fmt.Errorf("read user borrows: %w", err)
		}

		n, err := store.Exec(ctx, tx, e.db.Builder().Delete("borrows").Where(goqu.C("user_id").Eq(userID)))
		if err != nil {
			return fmt.Errorf("delete user borrows: %w", err)
		}
		result.DeletedBorrows = int(n)

		// The rows are gone, so each release sees its loan as closed.
		ids := make([]string, 0, len(borrows))
		for _, b := range borrows {
			ids = append(ids, b.ID.String())
			if !b.ActiveLoan() {
				continue
			}
			if _, err := e.ledger.Release(ctx, tx, b.BookID); err != nil {
				return err
			}
			result.Restored[b.BookID]++
		}

		restored := make(map[string]int, len(result.Restored))
		for bookID, count := range result.Restored {
			restored[bookID.String()] = count
		}

		return e.recorder.Record(ctx, tx, audit.Entry{
			Action:  audit.ActionPurgeUser,
			ActorID: a.UserID,
			Details: map[string]interface{}{
				"user_id":    userID.String(),
				"borrow_ids": ids,
				"restored":   restored,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("user borrows purged",
		zap.Stringer("user_id", userID),
		zap.Int("deleted", result.DeletedBorrows),
		zap.Int("books_restored", len(result.Restored)),
	)
	return result, nil
}

// Get returns a borrow visible to a: its owner or any staff member.
func (e *Engine) Get(ctx context.Context, a actor.Context, borrowID uuid.UUID) (*Borrow, error) {
	b, err := e.loadBorrow(ctx, e.db, borrowID, false)
	if err != nil {
		if IsOutcome(err) {
			return nil, err
		}
		return nil, e.fault("get", err)
	}
	if !a.IsStaff && !a.Owns(b.UserID) {
		return nil, ErrNotOwner
	}
	return e.withDue(b), nil
}

// transition runs fn in one transaction. Business outcomes pass through
// unchanged; anything else is a fault and is joined with ErrInternal.
func (e *Engine) transition(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	err := e.db.WithTx(ctx, fn)
	if err == nil || IsOutcome(err) {
		return err
	}
	return e.fault(op, err)
}

func (e *Engine) fault(op string, err error) error {
	e.logger.Error("circulation operation failed", zap.String("op", op), zap.Error(err))
	return errors.Join(ErrInternal, err)
}

func (e *Engine) loadBorrow(ctx context.Context, q store.Querier, id uuid.UUID, lock bool) (*Borrow, error) {
	ds := e.db.Builder().From("borrows").Select(BorrowColumns...).Where(goqu.C("id").Eq(id))
	if lock {
		ds = e.db.LockForUpdate(ds)
	}

	b := &Borrow{}
	if err := store.Get(ctx, q, b, ds); err != nil {
		if store.IsNoRows(err) {
			return nil, ErrBorrowNotFound
		}
		return nil, fmt.Errorf("read borrow: %w", err)
	}
	return b, nil
}

func (e *Engine) countOpen(ctx context.Context, q store.Querier, where ...exp.Expression) (int, error) {
	where = append(where, goqu.C("status").In(string(StatusPending), string(StatusApproved)))
	ds := e.db.Builder().From("borrows").Select(goqu.COUNT("*")).Where(where...)

	var n int
	if err := store.Get(ctx, q, &n, ds); err != nil {
		return 0, fmt.Errorf("count open borrows: %w", err)
	}
	return n, nil
}

// execOne runs a conditional status update. The row is locked, so a miss
// means another transition got there first.
func (e *Engine) execOne(ctx context.Context, tx *sqlx.Tx, upd store.Statement) error {
	n, err := store.Exec(ctx, tx, upd)
	if err != nil {
		return fmt.Errorf("update borrow: %w", err)
	}
	if n == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

// refusal explains why the ledger refused a reservation.
func (e *Engine) refusal(ctx context.Context, q store.Querier, bookID uuid.UUID) error {
	levels, err := e.ledger.Levels(ctx, q, bookID)
	if err != nil {
		return err
	}
	if !levels.IsActive {
		return ErrBookInactive
	}
	return ErrStockExhausted
}

func (e *Engine) validateDates(d RequestDates) error {
	today := day(e.now())

	start := today
	if d.BorrowDate != nil {
		start = day(*d.BorrowDate)
		if start.Before(today) {
			return ErrInvalidDateRange
		}
	}

	if d.ReturnDate != nil {
		end := day(*d.ReturnDate)
		if end.Before(start) {
			return ErrInvalidDateRange
		}
		if e.policy.MaxLoanDays > 0 && end.Sub(start) > time.Duration(e.policy.MaxLoanDays)*24*time.Hour {
			return ErrInvalidDateRange
		}
	}
	return nil
}

func (e *Engine) withDue(b *Borrow) *Borrow {
	b.Due = b.DueDate(time.Duration(e.policy.LoanPeriodDays) * 24 * time.Hour)
	return b
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func borrowLink(id uuid.UUID) string {
	return "/borrows/" + id.String()
}

// requireStaff accepts only an identified staff member.
func requireStaff(a actor.Context) error {
	switch {
	case a.UserID == uuid.Nil:
		return ErrNoActor
	case !a.IsStaff:
		return ErrNotStaff
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	defer span.End()
	switch {
	case err == nil:
	case IsOutcome(err):
		span.SetAttributes(attribute.String("circulation.outcome", err.Error()))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
