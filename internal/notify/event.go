// Package notify delivers post-commit notifications. Delivery is
// fire-and-forget: a failing sink is logged and never reaches the caller.
package notify

import (
	"time"

	"github.com/google/uuid"
)

// Audience selects who an event is for.
type Audience string

const (
	AudiencePatron Audience = "patron"
	AudienceStaff  Audience = "staff"
)

// Category drives how an inbox renders the event.
type Category string

const (
	CategoryInfo    Category = "info"
	CategorySuccess Category = "success"
	CategoryError   Category = "error"
	CategoryWarning Category = "warning"
)

// Event is one notification. RecipientID is uuid.Nil for staff-wide events.
type Event struct {
	RecipientID uuid.UUID `json:"recipient_id"`
	Audience    Audience  `json:"audience"`
	Message     string    `json:"message"`
	Link        string    `json:"link,omitempty"`
	Category    Category  `json:"category"`
	CreatedAt   time.Time `json:"created_at"`
}

// Notifier accepts events without reporting failure.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// Nop discards every event.
var Nop Notifier = NotifierFunc(func(Event) {})
