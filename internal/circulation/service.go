// internal/circulation/service.go
package circulation

import (
	"context"

	"github.com/google/uuid"

	"librarydesk/internal/actor"
)

// Service defines the borrow lifecycle operations.
type Service interface {
	SubmitRequest(ctx context.Context, a actor.Context, bookID uuid.UUID, dates RequestDates) (*Borrow, error)
	Approve(ctx context.Context, a actor.Context, borrowID uuid.UUID) (*Borrow, error)
	Reject(ctx context.Context, a actor.Context, borrowID uuid.UUID) (*Borrow, error)
	RequestReturn(ctx context.Context, a actor.Context, borrowID uuid.UUID) (*Borrow, error)
	CancelReturnRequest(ctx context.Context, a actor.Context, borrowID uuid.UUID) (*Borrow, error)
	FinalizeReturn(ctx context.Context, a actor.Context, borrowID uuid.UUID, condition Condition, notes string) (*Borrow, error)
	PurgeUser(ctx context.Context, a actor.Context, userID uuid.UUID) (*PurgeResult, error)
	Get(ctx context.Context, a actor.Context, borrowID uuid.UUID) (*Borrow, error)
}

// Policy holds the configurable circulation rules.
type Policy struct {
	// LoanPeriodDays sets the due date when no return date was requested.
	LoanPeriodDays int
	// MaxLoanDays caps a requested loan span. Zero disables the cap.
	MaxLoanDays int
	// MaxActiveLoans caps a user's pending plus approved records. Zero
	// disables the cap.
	MaxActiveLoans int
}

// DefaultPolicy is a 14 day loan period with no caps.
func DefaultPolicy() Policy {
	return Policy{LoanPeriodDays: 14}
}
