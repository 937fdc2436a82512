// internal/chaos/experiments.go
package chaos

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"librarydesk/internal/actor"
	"librarydesk/internal/catalog"
	"librarydesk/internal/circulation"
	"librarydesk/internal/inventory"
	"librarydesk/internal/store"
)

// Drill owns the services the consistency experiments hammer. Every
// experiment seeds its own books, so drills can run against a live
// database.
type Drill struct {
	DB          *store.DB
	Ledger      *inventory.Ledger
	Catalog     catalog.Service
	Circulation circulation.Service
	Staff       actor.Context
	// Contenders is the number of concurrent callers per fault.
	Contenders int
}

// Register adds every consistency experiment to e.
func (d *Drill) Register(e *Engine) {
	e.Register(d.LastCopyRaceExperiment())
	e.Register(d.ReturnChurnExperiment())
	e.Register(d.ShrinkingStockExperiment())
}

func (d *Drill) contenders() int {
	if d.Contenders <= 0 {
		return 16
	}
	return d.Contenders
}

// steadyState is shared by every experiment: no book breaks its counter
// bounds and no counter disagrees with its approved loans.
func (d *Drill) steadyState() []Metric {
	return []Metric{
		{
			Name: "counter_violations",
			Query: func(ctx context.Context) (float64, error) {
				violations, err := d.Ledger.Violations(ctx, d.DB)
				return float64(len(violations)), err
			},
			Threshold: Threshold{Operator: "==", Value: 0},
		},
		{
			Name: "counters_out_of_bounds",
			Query: func(ctx context.Context) (float64, error) {
				var n int
				ds := d.DB.Builder().From("books").Select(goqu.COUNT("*")).Where(goqu.Or(
					goqu.C("available_copies").Lt(0),
					goqu.C("available_copies").Gt(goqu.I("total_copies")),
				))
				err := store.Get(ctx, d.DB, &n, ds)
				return float64(n), err
			},
			Threshold: Threshold{Operator: "==", Value: 0},
		},
	}
}

func (d *Drill) validation() []Assertion {
	return []Assertion{
		{
			Metric:    "counter_violations",
			Condition: func(v float64) bool { return v == 0 },
			Message:   "Every available counter should match its approved loans",
		},
	}
}

// LastCopyRaceExperiment approves many pending requests for one copy at
// once.
func (d *Drill) LastCopyRaceExperiment() Experiment {
	var bookID uuid.UUID
	var approved int

	return Experiment{
		Name:       "last-copy-approval-race",
		Hypothesis: "Exactly one of many concurrent approvals claims the last copy",
		SteadyState: append(d.steadyState(), Metric{
			Name: "loans_over_stock",
			Query: func(ctx context.Context) (float64, error) {
				return float64(approved - 1), nil
			},
			Threshold: Threshold{Operator: "<=", Value: 0},
		}),
		Method: []Action{
			{
				Type:   "concurrent-approval",
				Target: "circulation",
				Execute: func(ctx context.Context) error {
					id, err := d.seedBook(ctx, "Last Copy Drill", 1)
					if err != nil {
						return err
					}
					bookID = id

					borrows, err := d.seedRequests(ctx, bookID, d.contenders())
					if err != nil {
						return err
					}

					results := make(chan error, len(borrows))
					g, gctx := errgroup.WithContext(ctx)
					for _, b := range borrows {
						g.Go(func() error {
							_, err := d.Circulation.Approve(gctx, d.Staff, b)
							results <- err
							return fault(err)
						})
					}
					err = g.Wait()
					close(results)
					for r := range results {
						if r == nil {
							approved++
						}
					}
					return err
				},
			},
		},
		Rollback: []Action{
			{Type: "deactivate-book", Target: "catalog", Execute: func(ctx context.Context) error {
				return d.Catalog.Deactivate(ctx, d.Staff, bookID)
			}},
		},
		Validation: append(d.validation(), Assertion{
			Metric:    "loans_over_stock",
			Condition: func(v float64) bool { return v == 0 },
			Message:   "One approval should win the last copy",
		}),
		Duration: 10 * time.Second,
		Samples:  3,
	}
}

// ReturnChurnExperiment races return requests, cancellations and
// finalizations against each other on the same loans.
func (d *Drill) ReturnChurnExperiment() Experiment {
	var bookID uuid.UUID

	return Experiment{
		Name:        "return-request-churn",
		Hypothesis:  "Concurrent return handling restores each copy exactly once",
		SteadyState: d.steadyState(),
		Method: []Action{
			{
				Type:   "concurrent-returns",
				Target: "circulation",
				Execute: func(ctx context.Context) error {
					copies := d.contenders()
					id, err := d.seedBook(ctx, "Return Churn Drill", copies)
					if err != nil {
						return err
					}
					bookID = id

					loans, err := d.seedLoans(ctx, bookID, copies)
					if err != nil {
						return err
					}

					g, gctx := errgroup.WithContext(ctx)
					for i, l := range loans {
						owner := actor.Patron(l.user)
						condition := circulation.ConditionGood
						if i%3 == 0 {
							condition = circulation.ConditionDamaged
						}
						g.Go(func() error {
							_, err := d.Circulation.RequestReturn(gctx, owner, l.id)
							return fault(err)
						})
						g.Go(func() error {
							_, err := d.Circulation.CancelReturnRequest(gctx, owner, l.id)
							return fault(err)
						})
						for range 2 {
							g.Go(func() error {
								_, err := d.Circulation.FinalizeReturn(gctx, d.Staff, l.id, condition, "")
								return fault(err)
							})
						}
					}
					return g.Wait()
				},
			},
		},
		Rollback: []Action{
			{Type: "deactivate-book", Target: "catalog", Execute: func(ctx context.Context) error {
				return d.Catalog.Deactivate(ctx, d.Staff, bookID)
			}},
		},
		Validation: append(d.validation(), Assertion{
			Metric:    "counters_out_of_bounds",
			Condition: func(v float64) bool { return v == 0 },
			Message:   "No counter should leave its bounds",
		}),
		Duration: 10 * time.Second,
		Samples:  3,
	}
}

// ShrinkingStockExperiment edits a title's copy count down and up while
// approvals and returns run against it.
func (d *Drill) ShrinkingStockExperiment() Experiment {
	var bookID uuid.UUID

	return Experiment{
		Name:        "shrinking-stock-under-load",
		Hypothesis:  "Catalog edits during circulation never push a counter out of bounds",
		SteadyState: d.steadyState(),
		Method: []Action{
			{
				Type:   "concurrent-edits",
				Target: "catalog",
				Execute: func(ctx context.Context) error {
					total := d.contenders()
					id, err := d.seedBook(ctx, "Shrinking Stock Drill", total)
					if err != nil {
						return err
					}
					bookID = id

					loans, err := d.seedLoans(ctx, bookID, total/2)
					if err != nil {
						return err
					}
					pending, err := d.seedRequests(ctx, bookID, total/2)
					if err != nil {
						return err
					}

					g, gctx := errgroup.WithContext(ctx)
					for i := 0; i < total; i++ {
						copies := total - i
						if i%2 == 1 {
							copies = i
						}
						g.Go(func() error {
							_, err := d.Catalog.Update(gctx, d.Staff, bookID, catalog.BookInput{
								Title:       "Shrinking Stock Drill",
								Author:      "Library Desk",
								TotalCopies: copies,
							})
							return err
						})
					}
					for _, b := range pending {
						g.Go(func() error {
							_, err := d.Circulation.Approve(gctx, d.Staff, b)
							return fault(err)
						})
					}
					for _, l := range loans {
						g.Go(func() error {
							_, err := d.Circulation.FinalizeReturn(gctx, d.Staff, l.id, circulation.ConditionGood, "")
							return fault(err)
						})
					}
					return g.Wait()
				},
			},
		},
		Rollback: []Action{
			{Type: "deactivate-book", Target: "catalog", Execute: func(ctx context.Context) error {
				return d.Catalog.Deactivate(ctx, d.Staff, bookID)
			}},
		},
		Validation: d.validation(),
		Duration:   10 * time.Second,
		Samples:    3,
	}
}

// fault drops business outcomes; only faults fail a drill action.
func fault(err error) error {
	if err == nil || circulation.IsOutcome(err) {
		return nil
	}
	return err
}

func (d *Drill) seedBook(ctx context.Context, title string, copies int) (uuid.UUID, error) {
	b, err := d.Catalog.Create(ctx, d.Staff, catalog.BookInput{
		Title:       title,
		Author:      "Library Desk",
		Category:    "drill",
		TotalCopies: copies,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to seed book: %w", err)
	}
	return b.ID, nil
}

func (d *Drill) seedRequests(ctx context.Context, bookID uuid.UUID, n int) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		b, err := d.Circulation.SubmitRequest(ctx, actor.Patron(uuid.New()), bookID, circulation.RequestDates{})
		if err != nil {
			return nil, fmt.Errorf("failed to seed request: %w", err)
		}
		ids = append(ids, b.ID)
	}
	return ids, nil
}

type seededLoan struct {
	id   uuid.UUID
	user uuid.UUID
}

func (d *Drill) seedLoans(ctx context.Context, bookID uuid.UUID, n int) ([]seededLoan, error) {
	loans := make([]seededLoan, 0, n)
	for i := 0; i < n; i++ {
		user := uuid.New()
		b, err := d.Circulation.SubmitRequest(ctx, actor.Patron(user), bookID, circulation.RequestDates{})
		if err != nil {
			return nil, fmt.Errorf("failed to seed request: %w", err)
		}
		if _, err := d.Circulation.Approve(ctx, d.Staff, b.ID); err != nil {
			return nil, fmt.Errorf("failed to seed loan: %w", err)
		}
		loans = append(loans, seededLoan{id: b.ID, user: user})
	}
	return loans, nil
}
