// internal/reporting/domain.go
package reporting

import (
	"errors"

	"github.com/google/uuid"

	"librarydesk/internal/circulation"
)

var (
	ErrNotStaff      = circulation.ErrNotStaff
	ErrNotOwner      = circulation.ErrNotOwner
	ErrInvalidFilter = errors.New("unknown borrow filter")
)

// Dashboard summarises the catalog and the circulation queue for staff.
type Dashboard struct {
	TotalBooks      int `json:"total_books" db:"total_books"`
	ActiveBooks     int `json:"active_books" db:"active_books"`
	PendingRequests int `json:"pending_requests" db:"pending_requests"`
	ActiveLoans     int `json:"active_loans" db:"active_loans"`
	ReturnRequests  int `json:"return_requests" db:"return_requests"`
	TotalBorrows    int `json:"total_borrows" db:"total_borrows"`
}

// Status selects a borrow list by lifecycle stage.
type Status string

const (
	StatusAll       Status = ""
	StatusPending   Status = "pending"
	StatusBorrowing Status = "borrowing"
	StatusReturned  Status = "returned"
	StatusRejected  Status = "rejected"
)

// Filter narrows ListBorrows. BookTitle matches the title snapshot taken
// when the request was made.
type Filter struct {
	Status    Status
	UserID    *uuid.UUID
	BookTitle string
}

// Page is an offset window. A zero Limit uses the default page size.
type Page struct {
	Limit  int
	Offset int
}

const defaultPageSize = 20

func (p Page) limit() uint {
	if p.Limit <= 0 {
		return defaultPageSize
	}
	return uint(p.Limit)
}

func (p Page) offset() uint {
	if p.Offset < 0 {
		return 0
	}
	return uint(p.Offset)
}
