package inventory

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"

	"librarydesk/internal/store"
)

// Violation is a book whose counters disagree with its loans.
type Violation struct {
	BookID    uuid.UUID `db:"book_id"`
	Total     int       `db:"total_copies"`
	Available int       `db:"available_copies"`
	OnLoan    int       `db:"on_loan"`
}

// Violations returns every book where available_copies is out of
// [0, total_copies], or where copies are on the shelf although approved
// loans already account for the whole total. Lost copies make available
// plus on_loan fall short of the total, and an edit may leave more copies on
// loan than the total with nothing available; both are allowed.
func (l *Ledger) Violations(ctx context.Context, q store.Querier) ([]Violation, error) {
	ds := l.db.Builder().From(goqu.T("books").As("b")).
		LeftJoin(goqu.T("borrows").As("l"), goqu.On(
			goqu.I("l.book_id").Eq(goqu.I("b.id")),
			goqu.I("l.status").Eq("approved"),
		)).
		Select(
			goqu.I("b.id").As("book_id"),
			goqu.I("b.total_copies").As("total_copies"),
			goqu.I("b.available_copies").As("available_copies"),
			goqu.COUNT(goqu.I("l.id")).As("on_loan"),
		).
		GroupBy(goqu.I("b.id"), goqu.I("b.total_copies"), goqu.I("b.available_copies")).
		Having(goqu.L("b.available_copies < 0 OR b.available_copies > b.total_copies OR (b.available_copies > 0 AND b.available_copies + COUNT(l.id) > b.total_copies)"))

	var out []Violation
	if err := store.Select(ctx, q, &out, ds); err != nil {
		return nil, fmt.Errorf("check counters: %w", err)
	}
	return out, nil
}
