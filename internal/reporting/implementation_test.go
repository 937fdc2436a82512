package reporting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarydesk/internal/actor"
	"librarydesk/internal/audit"
	"librarydesk/internal/catalog"
	"librarydesk/internal/circulation"
	"librarydesk/internal/inventory"
	"librarydesk/internal/notify"
	"librarydesk/internal/store/storetest"
)

type fixture struct {
	svc     Service
	engine  *circulation.Engine
	catalog catalog.Service
	staff   actor.Context
}

// tick returns a clock that advances one second per call.
func tick() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := storetest.New(t)
	ledger := inventory.NewLedger(db)
	recorder := audit.NewRecorder(db)
	sink := notify.NewStoreSink(db)

	engine := circulation.NewEngine(db, ledger, recorder,
		circulation.WithClock(tick()),
		circulation.WithNotifier(notify.NotifierFunc(func(e notify.Event) {
			require.NoError(t, sink.Deliver(context.Background(), e))
		})),
	)
	return fixture{
		svc:     NewService(db, recorder, notify.NewInbox(db), WithLoanPeriod(7)),
		engine:  engine,
		catalog: catalog.NewService(db, ledger, recorder),
		staff:   actor.Staff(uuid.New()),
	}
}

func (f fixture) book(t *testing.T, title string, copies int) uuid.UUID {
	t.Helper()
	b, err := f.catalog.Create(context.Background(), f.staff, catalog.BookInput{
		Title:       title,
		Author:      "Octavia E. Butler",
		Category:    "fiction",
		TotalCopies: copies,
	})
	require.NoError(t, err)
	return b.ID
}

func (f fixture) request(t *testing.T, user actor.Context, bookID uuid.UUID) *circulation.Borrow {
	t.Helper()
	b, err := f.engine.SubmitRequest(context.Background(), user, bookID, circulation.RequestDates{})
	require.NoError(t, err)
	return b
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	kindred := f.book(t, "Kindred", 2)
	sower := f.book(t, "Parable of the Sower", 1)
	require.NoError(t, f.catalog.Deactivate(ctx, f.staff, f.book(t, "Dawn", 1)))

	alice := actor.Patron(uuid.New())
	bob := actor.Patron(uuid.New())
	loan := f.request(t, alice, kindred)
	_, err := f.engine.Approve(ctx, f.staff, loan.ID)
	require.NoError(t, err)
	_, err = f.engine.RequestReturn(ctx, alice, loan.ID)
	require.NoError(t, err)
	f.request(t, bob, kindred)
	rejected := f.request(t, bob, sower)
	_, err = f.engine.Reject(ctx, f.staff, rejected.ID)
	require.NoError(t, err)

	d, err := f.svc.Dashboard(ctx, f.staff)
	require.NoError(t, err)
	assert.Equal(t, Dashboard{
		TotalBooks:      3,
		ActiveBooks:     2,
		PendingRequests: 1,
		ActiveLoans:     1,
		ReturnRequests:  1,
		TotalBorrows:    3,
	}, *d)

	_, err = f.svc.Dashboard(ctx, alice)
	assert.ErrorIs(t, err, ErrNotStaff)
}

func TestPendingQueueOldestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bookID := f.book(t, "Kindred", 1)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		ids = append(ids, f.request(t, actor.Patron(uuid.New()), bookID).ID)
	}

	queue, err := f.svc.PendingQueue(ctx, f.staff, Page{})
	require.NoError(t, err)
	require.Len(t, queue, 3)
	for i, b := range queue {
		assert.Equal(t, ids[i], b.ID)
		assert.Nil(t, b.Due)
	}

	second, err := f.svc.PendingQueue(ctx, f.staff, Page{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, ids[1], second[0].ID)
}

func TestListBorrowsFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	kindred := f.book(t, "Kindred", 3)
	sower := f.book(t, "Parable of the Sower", 3)
	alice := actor.Patron(uuid.New())
	bob := actor.Patron(uuid.New())

	pending := f.request(t, alice, kindred)
	borrowing := f.request(t, bob, kindred)
	_, err := f.engine.Approve(ctx, f.staff, borrowing.ID)
	require.NoError(t, err)
	returned := f.request(t, alice, sower)
	_, err = f.engine.Approve(ctx, f.staff, returned.ID)
	require.NoError(t, err)
	_, err = f.engine.FinalizeReturn(ctx, f.staff, returned.ID, circulation.ConditionGood, "")
	require.NoError(t, err)
	rejected := f.request(t, bob, sower)
	_, err = f.engine.Reject(ctx, f.staff, rejected.ID)
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter Filter
		want   []uuid.UUID
	}{
		{"all newest first", Filter{}, []uuid.UUID{rejected.ID, returned.ID, borrowing.ID, pending.ID}},
		{"pending", Filter{Status: StatusPending}, []uuid.UUID{pending.ID}},
		{"borrowing", Filter{Status: StatusBorrowing}, []uuid.UUID{borrowing.ID}},
		{"returned", Filter{Status: StatusReturned}, []uuid.UUID{returned.ID}},
		{"rejected", Filter{Status: StatusRejected}, []uuid.UUID{rejected.ID}},
		{"by user", Filter{UserID: &alice.UserID}, []uuid.UUID{returned.ID, pending.ID}},
		{"by title", Filter{BookTitle: "parable"}, []uuid.UUID{rejected.ID, returned.ID}},
		{"combined", Filter{Status: StatusBorrowing, BookTitle: "parable"}, nil},
		{"title wildcard is literal", Filter{BookTitle: "%"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			borrows, err := f.svc.ListBorrows(ctx, f.staff, tt.filter, Page{})
			require.NoError(t, err)
			var got []uuid.UUID
			for _, b := range borrows {
				got = append(got, b.ID)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = f.svc.ListBorrows(ctx, f.staff, Filter{Status: "overdue"}, Page{})
	assert.ErrorIs(t, err, ErrInvalidFilter)
	_, err = f.svc.ListBorrows(ctx, alice, Filter{}, Page{})
	assert.ErrorIs(t, err, ErrNotStaff)
}

func TestUserHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := actor.Patron(uuid.New())
	first := f.request(t, alice, f.book(t, "Kindred", 1))
	second := f.request(t, alice, f.book(t, "Dawn", 1))
	approved, err := f.engine.Approve(ctx, f.staff, second.ID)
	require.NoError(t, err)

	history, err := f.svc.UserHistory(ctx, alice, alice.UserID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ID)
	assert.Equal(t, first.ID, history[1].ID)
	require.NotNil(t, history[0].Due)
	assert.Equal(t, approved.ApprovedAt.Add(7*24*time.Hour).Unix(), history[0].Due.Unix())

	_, err = f.svc.UserHistory(ctx, actor.Patron(uuid.New()), alice.UserID)
	assert.ErrorIs(t, err, ErrNotOwner)

	history, err = f.svc.UserHistory(ctx, f.staff, alice.UserID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestPopularBooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	kindred := f.book(t, "Kindred", 1)
	dawn := f.book(t, "Dawn", 1)
	hidden := f.book(t, "Wild Seed", 1)

	for i := 0; i < 3; i++ {
		_, err := f.catalog.View(ctx, dawn)
		require.NoError(t, err)
		_, err = f.catalog.View(ctx, hidden)
		require.NoError(t, err)
	}
	_, err := f.catalog.View(ctx, kindred)
	require.NoError(t, err)
	require.NoError(t, f.catalog.Deactivate(ctx, f.staff, hidden))

	books, err := f.svc.PopularBooks(ctx, 5)
	require.NoError(t, err)
	require.Len(t, books, 2)
	assert.Equal(t, dawn, books[0].ID)
	assert.Equal(t, int64(3), books[0].ViewsCount)
	assert.Equal(t, kindred, books[1].ID)
}

func TestActivityAndBorrowHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := actor.Patron(uuid.New())
	b := f.request(t, alice, f.book(t, "Kindred", 1))
	_, err := f.engine.Approve(ctx, f.staff, b.ID)
	require.NoError(t, err)

	recent, err := f.svc.RecentActivity(ctx, f.staff, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, audit.ActionApprove, recent[0].Action)
	assert.Equal(t, audit.ActionRequest, recent[1].Action)

	_, err = f.svc.RecentActivity(ctx, alice, 2)
	assert.ErrorIs(t, err, ErrNotStaff)

	trail, err := f.svc.BorrowHistory(ctx, alice, b.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 2)

	_, err = f.svc.BorrowHistory(ctx, actor.Patron(uuid.New()), b.ID)
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = f.svc.BorrowHistory(ctx, alice, uuid.New())
	assert.ErrorIs(t, err, circulation.ErrBorrowNotFound)

	_, err = f.engine.PurgeUser(ctx, f.staff, alice.UserID)
	require.NoError(t, err)
	trail, err = f.svc.BorrowHistory(ctx, f.staff, b.ID)
	require.NoError(t, err)
	assert.Len(t, trail, 2)
}

func TestInbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := actor.Patron(uuid.New())
	b := f.request(t, alice, f.book(t, "Kindred", 1))
	_, err := f.engine.Approve(ctx, f.staff, b.ID)
	require.NoError(t, err)

	mine, err := f.svc.Inbox(ctx, alice, 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, notify.CategorySuccess, mine[0].Category)

	staffView, err := f.svc.Inbox(ctx, f.staff, 10)
	require.NoError(t, err)
	require.Len(t, staffView, 1)
	assert.Equal(t, notify.AudienceStaff, staffView[0].Audience)

	require.NoError(t, f.svc.MarkRead(ctx, alice, mine[0].ID))
	unread, err := f.svc.UnreadCount(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, unread)

	assert.ErrorIs(t, f.svc.MarkRead(ctx, alice, staffView[0].ID), notify.ErrNotificationNotFound)

	n, err := f.svc.MarkAllRead(ctx, f.staff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
