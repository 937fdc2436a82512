package circulation

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"librarydesk/internal/actor"
	"librarydesk/internal/audit"
	"librarydesk/internal/catalog"
	"librarydesk/internal/inventory"
	"librarydesk/internal/notify"
	"librarydesk/internal/store"
	"librarydesk/internal/store/storetest"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(e notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) all() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events...)
}

type fixture struct {
	db       *store.DB
	engine   *Engine
	ledger   *inventory.Ledger
	recorder *audit.Recorder
	catalog  catalog.Service
	notes    *recordingNotifier
	staff    actor.Context
}

func newFixture(t testing.TB, opts ...Option) *fixture {
	t.Helper()
	return newFixtureOn(t, storetest.New(t), opts...)
}

func newFixtureOn(t testing.TB, db *store.DB, opts ...Option) *fixture {
	t.Helper()
	ledger := inventory.NewLedger(db)
	recorder := audit.NewRecorder(db)
	notes := &recordingNotifier{}

	opts = append([]Option{WithNotifier(notes), WithLogger(zaptest.NewLogger(t))}, opts...)
	return &fixture{
		db:       db,
		engine:   NewEngine(db, ledger, recorder, opts...),
		ledger:   ledger,
		recorder: recorder,
		catalog:  catalog.NewService(db, ledger, recorder),
		notes:    notes,
		staff:    actor.Staff(uuid.New()),
	}
}

func (f *fixture) book(t testing.TB, copies int) uuid.UUID {
	t.Helper()
	b, err := f.catalog.Create(context.Background(), f.staff, catalog.BookInput{
		Title:       "Invisible Cities",
		Author:      "Italo Calvino",
		Category:    "fiction",
		TotalCopies: copies,
	})
	require.NoError(t, err)
	return b.ID
}

func (f *fixture) available(t testing.TB, bookID uuid.UUID) int {
	t.Helper()
	levels, err := f.ledger.Levels(context.Background(), f.db, bookID)
	require.NoError(t, err)
	return levels.Available
}

func (f *fixture) request(t testing.TB, user actor.Context, bookID uuid.UUID) *Borrow {
	t.Helper()
	b, err := f.engine.SubmitRequest(context.Background(), user, bookID, RequestDates{})
	require.NoError(t, err)
	return b
}

func (f *fixture) loan(t testing.TB, user actor.Context, bookID uuid.UUID) *Borrow {
	t.Helper()
	b := f.request(t, user, bookID)
	approved, err := f.engine.Approve(context.Background(), f.staff, b.ID)
	require.NoError(t, err)
	return approved
}

func (f *fixture) actions(t testing.TB, borrowID uuid.UUID) []audit.Action {
	t.Helper()
	records, err := f.recorder.ForBorrow(context.Background(), borrowID)
	require.NoError(t, err)
	out := make([]audit.Action, 0, len(records))
	for _, r := range records {
		out = append(out, r.Action)
	}
	return out
}
