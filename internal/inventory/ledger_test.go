package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
	"pgregory.net/rapid"

	"librarydesk/internal/store"
	"librarydesk/internal/store/storetest"
)

func seedBook(t testing.TB, db *store.DB, total, available int, active bool) uuid.UUID {
	t.Helper()
	id := uuid.New()
	now := time.Now().UTC()
	_, err := store.Exec(context.Background(), db, db.Builder().Insert("books").Rows(goqu.Record{
		"id":               id,
		"title":            "The Left Hand of Darkness",
		"author":           "Ursula K. Le Guin",
		"total_copies":     total,
		"available_copies": available,
		"is_active":        active,
		"created_at":       now,
		"updated_at":       now,
	}))
	require.NoError(t, err)
	return id
}

func seedApprovedLoan(t testing.TB, db *store.DB, bookID uuid.UUID) {
	t.Helper()
	now := time.Now().UTC()
	_, err := store.Exec(context.Background(), db, db.Builder().Insert("borrows").Rows(goqu.Record{
		"id":               uuid.New(),
		"user_id":          uuid.New(),
		"book_id":          bookID,
		"book_title":       "The Left Hand of Darkness",
		"status":           "approved",
		"return_requested": false,
		"created_at":       now,
		"updated_at":       now,
	}))
	require.NoError(t, err)
}

func TestTryReserve(t *testing.T) {
	db := storetest.New(t)
	ledger := NewLedger(db)
	ctx := context.Background()

	bookID := seedBook(t, db, 2, 1, true)

	ok, available, err := ledger.TryReserve(ctx, db, bookID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, available)

	ok, _, err = ledger.TryReserve(ctx, db, bookID)
	require.NoError(t, err, "exhausted stock is an outcome, not an error")
	assert.False(t, ok)

	levels, err := ledger.Levels(ctx, db, bookID)
	require.NoError(t, err)
	assert.Equal(t, Levels{Total: 2, Available: 0, IsActive: true}, levels)
}

func TestTryReserveRefusesInactiveAndMissingBooks(t *testing.T) {
	db := storetest.New(t)
	ledger := NewLedger(db)
	ctx := context.Background()

	inactive := seedBook(t, db, 3, 3, false)
	ok, _, err := ledger.TryReserve(ctx, db, inactive)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _, err = ledger.TryReserve(ctx, db, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseNeverExceedsTotal(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	db := storetest.New(t)
	ledger := NewLedger(db, WithLogger(zap.New(core)))
	ctx := context.Background()

	bookID := seedBook(t, db, 2, 1, true)

	available, err := ledger.Release(ctx, db, bookID)
	require.NoError(t, err)
	assert.Equal(t, 2, available)

	available, err = ledger.Release(ctx, db, bookID)
	require.NoError(t, err)
	assert.Equal(t, 2, available)
	assert.Equal(t, 1, logs.FilterMessageSnippet("no copy is out").Len())
}

func TestReleaseMissingBookIsSwallowed(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	db := storetest.New(t)
	ledger := NewLedger(db, WithLogger(zap.New(core)))

	available, err := ledger.Release(context.Background(), db, uuid.New())
	require.NoError(t, err)
	assert.Zero(t, available)
	assert.Equal(t, 1, logs.FilterMessageSnippet("missing book").Len())
}

func TestReleaseOnInactiveBookRestoresCounter(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	db := storetest.New(t)
	ledger := NewLedger(db, WithLogger(zap.New(core)))

	bookID := seedBook(t, db, 1, 0, false)

	available, err := ledger.Release(context.Background(), db, bookID)
	require.NoError(t, err)
	assert.Equal(t, 1, available)
	assert.Equal(t, 1, logs.FilterMessageSnippet("inactive book").Len())
}

func TestSetTotal(t *testing.T) {
	db := storetest.New(t)
	ctx := context.Background()

	t.Run("subtracts approved loans", func(t *testing.T) {
		ledger := NewLedger(db)
		bookID := seedBook(t, db, 3, 1, true)
		seedApprovedLoan(t, db, bookID)
		seedApprovedLoan(t, db, bookID)

		available, err := ledger.SetTotal(ctx, db, bookID, 5)
		require.NoError(t, err)
		assert.Equal(t, 3, available)
	})

	t.Run("clamps shortfall to zero", func(t *testing.T) {
		core, logs := observer.New(zap.WarnLevel)
		ledger := NewLedger(db, WithLogger(zap.New(core)))
		bookID := seedBook(t, db, 2, 0, true)
		seedApprovedLoan(t, db, bookID)
		seedApprovedLoan(t, db, bookID)

		available, err := ledger.SetTotal(ctx, db, bookID, 1)
		require.NoError(t, err)
		assert.Zero(t, available)
		assert.Equal(t, 1, logs.Len())

		levels, err := ledger.Levels(ctx, db, bookID)
		require.NoError(t, err)
		assert.Equal(t, 1, levels.Total)
		assert.Zero(t, levels.Available)
	})

	t.Run("keeps copies written off", func(t *testing.T) {
		ledger := NewLedger(db)
		// Two copies, one lost: nothing on loan but only one on the shelf.
		bookID := seedBook(t, db, 2, 1, true)

		available, err := ledger.SetTotal(ctx, db, bookID, 2)
		require.NoError(t, err)
		assert.Equal(t, 1, available)

		available, err = ledger.SetTotal(ctx, db, bookID, 3)
		require.NoError(t, err)
		assert.Equal(t, 2, available)

		available, err = ledger.SetTotal(ctx, db, bookID, 1)
		require.NoError(t, err)
		assert.Zero(t, available)
	})

	t.Run("rejects negative totals", func(t *testing.T) {
		ledger := NewLedger(db)
		_, err := ledger.SetTotal(ctx, db, seedBook(t, db, 1, 1, true), -1)
		assert.ErrorIs(t, err, ErrNegativeTotal)
	})

	t.Run("missing book", func(t *testing.T) {
		ledger := NewLedger(db)
		_, err := ledger.SetTotal(ctx, db, uuid.New(), 2)
		assert.ErrorIs(t, err, ErrBookNotFound)
	})
}

func TestConcurrentReservationsHaveBoundedWinners(t *testing.T) {
	db := storetest.New(t)
	ledger := NewLedger(db)
	bookID := seedBook(t, db, 3, 3, true)

	const contenders = 12
	results := make([]bool, contenders)

	var g errgroup.Group
	for i := 0; i < contenders; i++ {
		g.Go(func() error {
			return db.WithTx(context.Background(), func(tx *sqlx.Tx) error {
				ok, _, err := ledger.TryReserve(context.Background(), tx, bookID)
				results[i] = ok
				return err
			})
		})
	}
	require.NoError(t, g.Wait())

	winners := 0
	for _, ok := range results {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 3, winners)

	violations, err := ledger.Violations(context.Background(), db)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestViolationsReportsOverbooking(t *testing.T) {
	db := storetest.New(t)
	ledger := NewLedger(db)

	healthy := seedBook(t, db, 2, 1, true)
	seedApprovedLoan(t, db, healthy)

	overbooked := seedBook(t, db, 1, 1, true)
	seedApprovedLoan(t, db, overbooked)

	violations, err := ledger.Violations(context.Background(), db)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, overbooked, violations[0].BookID)
	assert.Equal(t, 1, violations[0].OnLoan)
}

func TestLedgerSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	db := storetest.New(t)
	ledger := NewLedger(db, WithTracerProvider(tp))
	bookID := seedBook(t, db, 1, 1, true)

	_, _, err := ledger.TryReserve(context.Background(), db, bookID)
	require.NoError(t, err)
	_, err = ledger.Release(context.Background(), db, bookID)
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "inventory.reserve", spans[0].Name())
	assert.Equal(t, "inventory.release", spans[1].Name())
}

func TestCountersStayInBounds(t *testing.T) {
	db := storetest.New(t)
	ledger := NewLedger(db)
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		total := rapid.IntRange(0, 4).Draw(rt, "total")
		bookID := seedBook(t, db, total, total, true)

		ops := rapid.SliceOfN(rapid.IntRange(0, 2), 1, 30).Draw(rt, "ops")
		for _, op := range ops {
			switch op {
			case 0:
				_, _, err := ledger.TryReserve(ctx, db, bookID)
				require.NoError(rt, err)
			case 1:
				_, err := ledger.Release(ctx, db, bookID)
				require.NoError(rt, err)
			case 2:
				_, err := ledger.SetTotal(ctx, db, bookID, rapid.IntRange(0, 4).Draw(rt, "new_total"))
				require.NoError(rt, err)
			}

			levels, err := ledger.Levels(ctx, db, bookID)
			require.NoError(rt, err)
			if levels.Available < 0 || levels.Available > levels.Total {
				rt.Fatalf("counter out of bounds: %+v", levels)
			}
		}
	})
}

func TestReleaseAbsorbsCopiesRemovedByEdit(t *testing.T) {
	db := storetest.New(t)
	ledger := NewLedger(db)
	ctx := context.Background()

	// One copy left in the catalog, still out on another loan.
	bookID := seedBook(t, db, 1, 0, true)
	seedApprovedLoan(t, db, bookID)

	available, err := ledger.Release(ctx, db, bookID)
	require.NoError(t, err)
	assert.Zero(t, available)

	violations, err := ledger.Violations(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, violations)
}
