package circulation

import (
	"errors"

	"librarydesk/internal/inventory"
)

// Business outcomes. They are returned before anything is written and are
// safe to show to the caller through Message.
var (
	// ErrStockExhausted means the book had no copy left at approval time.
	ErrStockExhausted      = errors.New("stock exhausted")
	// ErrDuplicateActiveLoan means the user already has a pending or approved
	// record for the book.
	ErrDuplicateActiveLoan = errors.New("duplicate active loan")
	// ErrAlreadyProcessed means the record left the state the operation
	// requires.
	ErrAlreadyProcessed    = errors.New("borrow already processed")
	ErrInvalidDateRange    = errors.New("invalid date range")
	ErrNotOwner            = errors.New("borrow belongs to another user")
	ErrNotStaff            = errors.New("staff only")
	ErrNoActor             = errors.New("no authenticated user")
	ErrBookNotFound        = inventory.ErrBookNotFound
	ErrBookInactive        = errors.New("book is inactive")
	ErrBorrowNotFound      = errors.New("borrow not found")
	// ErrNotActiveLoan means the record is not an approved, unreturned loan.
	ErrNotActiveLoan       = errors.New("not an active loan")
	ErrInvalidCondition    = errors.New("invalid return condition")
	ErrLoanLimitReached    = errors.New("active loan limit reached")
	ErrInternal            = errors.New("internal error")
)

var outcomes = []error{
	ErrStockExhausted,
	ErrDuplicateActiveLoan,
	ErrAlreadyProcessed,
	ErrInvalidDateRange,
	ErrNotOwner,
	ErrNotStaff,
	ErrNoActor,
	ErrBookNotFound,
	ErrBookInactive,
	ErrBorrowNotFound,
	ErrNotActiveLoan,
	ErrInvalidCondition,
	ErrLoanLimitReached,
}

// IsOutcome reports whether err is an expected business outcome rather than
// a fault.
func IsOutcome(err error) bool {
	for _, o := range outcomes {
		if errors.Is(err, o) {
			return true
		}
	}
	return false
}

// Message returns user-facing text for err.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStockExhausted):
		return "this book has no copies left"
	case errors.Is(err, ErrDuplicateActiveLoan):
		return "you already have an open request or loan for this book"
	case errors.Is(err, ErrAlreadyProcessed):
		return "this request has already been processed"
	case errors.Is(err, ErrInvalidDateRange):
		return "the return date must not precede the borrow date, and the borrow date must not be in the past"
	case errors.Is(err, ErrNotOwner):
		return "this loan belongs to another user"
	case errors.Is(err, ErrNotStaff):
		return "only staff can do this"
	case errors.Is(err, ErrNoActor):
		return "sign in to continue"
	case errors.Is(err, ErrBookNotFound):
		return "book not found"
	case errors.Is(err, ErrBookInactive):
		return "this book is no longer available for borrowing"
	case errors.Is(err, ErrBorrowNotFound):
		return "borrow record not found"
	case errors.Is(err, ErrNotActiveLoan):
		return "this book is not currently on loan"
	case errors.Is(err, ErrInvalidCondition):
		return "return condition must be good, damaged or lost"
	case errors.Is(err, ErrLoanLimitReached):
		return "you have reached the maximum number of active loans"
	default:
		return "something went wrong on our side, please try again later"
	}
}
