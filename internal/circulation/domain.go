// internal/circulation/domain.go
package circulation

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a borrow record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusReturned Status = "returned"
)

// Terminal reports whether no further transition is defined from s.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusReturned
}

// Condition is the state a copy came back in.
type Condition string

const (
	ConditionGood    Condition = "good"
	ConditionDamaged Condition = "damaged"
	ConditionLost    Condition = "lost"
)

// Valid reports whether c is a known condition.
func (c Condition) Valid() bool {
	switch c {
	case ConditionGood, ConditionDamaged, ConditionLost:
		return true
	}
	return false
}

// Restocks reports whether a copy returned in condition c goes back on the
// shelf.
func (c Condition) Restocks() bool {
	return c != ConditionLost
}

// Borrow is one loan lifecycle from request to return.
type Borrow struct {
	ID                  uuid.UUID     `json:"id" db:"id"`
	UserID              uuid.UUID     `json:"user_id" db:"user_id"`
	BookID              uuid.UUID     `json:"book_id" db:"book_id"`
	BookTitle           string        `json:"book_title" db:"book_title"`
	Status              Status        `json:"status" db:"status"`
	RequestedBorrowDate *time.Time    `json:"requested_borrow_date,omitempty" db:"requested_borrow_date"`
	ExpectedReturnDate  *time.Time    `json:"expected_return_date,omitempty" db:"expected_return_date"`
	ApprovedBy          uuid.NullUUID `json:"approved_by" db:"approved_by"`
	ApprovedAt          *time.Time    `json:"approved_at,omitempty" db:"approved_at"`
	ActualReturnDate    *time.Time    `json:"actual_return_date,omitempty" db:"actual_return_date"`
	ReturnCondition     *Condition    `json:"return_condition,omitempty" db:"return_condition"`
	ReturnNotes         *string       `json:"return_notes,omitempty" db:"return_notes"`
	ReturnRequested     bool          `json:"return_requested" db:"return_requested"`
	ReturnRequestedAt   *time.Time    `json:"return_requested_at,omitempty" db:"return_requested_at"`
	CreatedAt           time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at" db:"updated_at"`

	// Due is filled in by the engine from DueDate.
	Due *time.Time `json:"due_date,omitempty" db:"-"`
}

// ActiveLoan reports whether the borrow currently holds a copy.
func (b *Borrow) ActiveLoan() bool {
	return b.Status == StatusApproved && b.ActualReturnDate == nil
}

// DueDate is the expected return date if one was requested, otherwise the
// borrow start (requested date, else approval time) plus loanPeriod. A
// pending request without dates has no due date.
func (b *Borrow) DueDate(loanPeriod time.Duration) *time.Time {
	if b.ExpectedReturnDate != nil {
		due := *b.ExpectedReturnDate
		return &due
	}

	start := b.RequestedBorrowDate
	if start == nil {
		start = b.ApprovedAt
	}
	if start == nil {
		return nil
	}

	due := start.Add(loanPeriod)
	return &due
}

// RequestDates are the optional dates a patron attaches to a request.
type RequestDates struct {
	BorrowDate *time.Time `json:"borrow_date,omitempty"`
	ReturnDate *time.Time `json:"return_date,omitempty"`
}

// PurgeResult summarizes an account-deletion cascade.
type PurgeResult struct {
	UserID         uuid.UUID         `json:"user_id"`
	DeletedBorrows int               `json:"deleted_borrows"`
	Restored       map[uuid.UUID]int `json:"restored"`
}
