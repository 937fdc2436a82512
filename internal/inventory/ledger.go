// Package inventory owns the per-book copy counters. Nothing else in the
// module writes available_copies or total_copies.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"librarydesk/internal/store"
)

const instrumentationName = "librarydesk/inventory"

var (
	ErrNegativeTotal = errors.New("total copies must not be negative")
	ErrBookNotFound  = errors.New("book not found")
)

// Levels is a snapshot of one book's counters.
type Levels struct {
	Total     int  `db:"total_copies"`
	Available int  `db:"available_copies"`
	IsActive  bool `db:"is_active"`
}

// Ledger performs the atomic counter operations. Every method takes the
// caller's Querier so it joins the surrounding transaction.
type Ledger struct {
	db     *store.DB
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	exhausted metric.Int64Counter
	skipped   metric.Int64Counter
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger used for warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Ledger) { l.tracer = tp.Tracer(instrumentationName) }
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(l *Ledger) { l.initMetrics(mp.Meter(instrumentationName)) }
}

// NewLedger creates a ledger using db's dialect.
func NewLedger(db *store.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:     db,
		logger: zap.NewNop(),
		tracer: otel.Tracer(instrumentationName),
		now:    func() time.Time { return time.Now().UTC() },
	}
	l.initMetrics(otel.Meter(instrumentationName))
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) initMetrics(m metric.Meter) {
	// Instrument creation only fails on invalid names; the no-op returned on
	// failure is still usable.
	l.exhausted, _ = m.Int64Counter("inventory.reservations.exhausted",
		metric.WithDescription("Reservations refused because no copy was available"))
	l.skipped, _ = m.Int64Counter("inventory.releases.skipped",
		metric.WithDescription("Releases that did not change the counter"))
}

// TryReserve claims one copy of bookID. It reports ok=false, without error,
// when the book has no available copy or is inactive.
func (l *Ledger) TryReserve(ctx context.Context, q store.Querier, bookID uuid.UUID) (bool, int, error) {
	ctx, span := l.tracer.Start(ctx, "inventory.reserve",
		trace.WithAttributes(attribute.String("book.id", bookID.String())),
	)
	defer span.End()

	upd := l.db.Builder().Update("books").
		Set(goqu.Record{
			"available_copies": goqu.L("available_copies - 1"),
			"updated_at":       l.now(),
		}).
		Where(
			goqu.C("id").Eq(bookID),
			goqu.C("is_active").Eq(true),
			goqu.C("available_copies").Gt(0),
		)

	n, err := store.Exec(ctx, q, upd)
	if err != nil {
		span.RecordError(err)
		return false, 0, fmt.Errorf("reserve copy: %w", err)
	}

	if n == 0 {
		l.exhausted.Add(ctx, 1)
		span.SetAttributes(attribute.Bool("reserve.exhausted", true))
		return false, 0, nil
	}

	levels, err := l.Levels(ctx, q, bookID)
	if err != nil {
		span.RecordError(err)
		return false, 0, err
	}

	span.SetAttributes(attribute.Int("book.available", levels.Available))
	return true, levels.Available, nil
}

// Release returns one copy of bookID to stock. The caller must already have
// closed the loan that held the copy. The counter never exceeds total_copies
// minus the copies still on approved loans, which also absorbs copies that
// an edit removed from the total. A missing book or a release with nothing
// to give back is logged and reported with a nil error.
func (l *Ledger) Release(ctx context.Context, q store.Querier, bookID uuid.UUID) (int, error) {
	ctx, span := l.tracer.Start(ctx, "inventory.release",
		trace.WithAttributes(attribute.String("book.id", bookID.String())),
	)
	defer span.End()

	upd := l.db.Builder().Update("books").
		Set(goqu.Record{
			"available_copies": goqu.L("available_copies + 1"),
			"updated_at":       l.now(),
		}).
		Where(
			goqu.C("id").Eq(bookID),
			goqu.L("available_copies + ?", l.outstandingQuery(bookID)).Lt(goqu.C("total_copies")),
		)

	n, err := store.Exec(ctx, q, upd)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("release copy: %w", err)
	}

	levels, err := l.Levels(ctx, q, bookID)
	if errors.Is(err, ErrBookNotFound) {
		l.skipped.Add(ctx, 1)
		l.logger.Warn("release for missing book ignored", zap.Stringer("book_id", bookID))
		return 0, nil
	}
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	if n == 0 {
		l.skipped.Add(ctx, 1)
		l.logger.Warn("release ignored: no copy is out",
			zap.Stringer("book_id", bookID),
			zap.Int("total_copies", levels.Total),
		)
		return levels.Available, nil
	}

	if !levels.IsActive {
		l.logger.Warn("copy released on inactive book", zap.Stringer("book_id", bookID))
	}

	span.SetAttributes(attribute.Int("book.available", levels.Available))
	return levels.Available, nil
}

// SetTotal sets total_copies and moves available_copies by the same delta,
// capped at the total minus the copies currently out on approved loans. Copies
// written off as lost stay out of stock across edits. A shortfall is clamped
// to zero and logged.
func (l *Ledger) SetTotal(ctx context.Context, q store.Querier, bookID uuid.UUID, total int) (int, error) {
	ctx, span := l.tracer.Start(ctx, "inventory.set_total",
		trace.WithAttributes(
			attribute.String("book.id", bookID.String()),
			attribute.Int("book.total", total),
		),
	)
	defer span.End()

	if total < 0 {
		return 0, ErrNegativeTotal
	}

	current, err := l.lockLevels(ctx, q, bookID)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	outstanding, err := l.Outstanding(ctx, q, bookID)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	ceiling := total - outstanding
	if ceiling < 0 {
		l.logger.Warn("total below loaned copies, clamping available to zero",
			zap.Stringer("book_id", bookID),
			zap.Int("total_copies", total),
			zap.Int("on_loan", outstanding),
		)
		ceiling = 0
	}

	available := min(max(current.Available+total-current.Total, 0), ceiling)

	upd := l.db.Builder().Update("books").
		Set(goqu.Record{
			"total_copies":     total,
			"available_copies": available,
			"updated_at":       l.now(),
		}).
		Where(goqu.C("id").Eq(bookID))

	n, err := store.Exec(ctx, q, upd)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("set total copies: %w", err)
	}
	if n == 0 {
		return 0, ErrBookNotFound
	}

	span.SetAttributes(attribute.Int("book.available", available))
	return available, nil
}

// Levels reads the current counters of bookID through q.
func (l *Ledger) Levels(ctx context.Context, q store.Querier, bookID uuid.UUID) (Levels, error) {
	var levels Levels
	ds := l.db.Builder().From("books").
		Select("total_copies", "available_copies", "is_active").
		Where(goqu.C("id").Eq(bookID))

	if err := store.Get(ctx, q, &levels, ds); err != nil {
		if store.IsNoRows(err) {
			return Levels{}, ErrBookNotFound
		}
		return Levels{}, fmt.Errorf("read counters: %w", err)
	}
	return levels, nil
}

func (l *Ledger) lockLevels(ctx context.Context, q store.Querier, bookID uuid.UUID) (Levels, error) {
	var levels Levels
	ds := l.db.LockForUpdate(l.db.Builder().From("books").
		Select("total_copies", "available_copies", "is_active").
		Where(goqu.C("id").Eq(bookID)))

	if err := store.Get(ctx, q, &levels, ds); err != nil {
		if store.IsNoRows(err) {
			return Levels{}, ErrBookNotFound
		}
		return Levels{}, fmt.Errorf("lock counters: %w", err)
	}
	return levels, nil
}

// Outstanding counts the approved loans currently holding a copy of bookID.
func (l *Ledger) Outstanding(ctx context.Context, q store.Querier, bookID uuid.UUID) (int, error) {
	var count int
	if err := store.Get(ctx, q, &count, l.outstandingQuery(bookID)); err != nil {
		return 0, fmt.Errorf("count outstanding loans: %w", err)
	}
	return count, nil
}

func (l *Ledger) outstandingQuery(bookID uuid.UUID) *goqu.SelectDataset {
	return l.db.Builder().From("borrows").
		Select(goqu.COUNT("*")).
		Where(
			goqu.C("book_id").Eq(bookID),
			goqu.C("status").Eq("approved"),
		)
}
