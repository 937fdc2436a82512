// internal/catalog/domain.go
package catalog

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"librarydesk/internal/inventory"
)

var (
	ErrBookNotFound = inventory.ErrBookNotFound
	ErrNotStaff     = errors.New("only staff can change the catalog")
	ErrNoActor      = errors.New("no authenticated user")
	ErrInvalidBook  = errors.New("a book needs a title, an author and a non-negative number of copies")
)

// Book is a catalog title. Its copy counters are written only by the
// inventory ledger.
type Book struct {
	ID              uuid.UUID `json:"id" db:"id"`
	Title           string    `json:"title" db:"title"`
	Author          string    `json:"author" db:"author"`
	Category        string    `json:"category" db:"category"`
	Description     string    `json:"description" db:"description"`
	TotalCopies     int       `json:"total_copies" db:"total_copies"`
	AvailableCopies int       `json:"available_copies" db:"available_copies"`
	IsActive        bool      `json:"is_active" db:"is_active"`
	ViewsCount      int64     `json:"views_count" db:"views_count"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// BookInput carries the staff-editable fields of a book.
type BookInput struct {
	Title       string `json:"title"`
	Author      string `json:"author"`
	Category    string `json:"category"`
	Description string `json:"description"`
	TotalCopies int    `json:"total_copies"`
}

func (in BookInput) normalize() (BookInput, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Author = strings.TrimSpace(in.Author)
	in.Category = strings.TrimSpace(in.Category)
	in.Description = strings.TrimSpace(in.Description)
	if in.Title == "" || in.Author == "" || in.TotalCopies < 0 {
		return in, ErrInvalidBook
	}
	return in, nil
}
