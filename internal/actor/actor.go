// Package actor carries the already-authenticated caller into the engine.
package actor

import (
	"context"

	"github.com/google/uuid"
)

// Context identifies who performs an operation. It is always passed
// explicitly; the engine never reads ambient session state.
type Context struct {
	UserID  uuid.UUID
	IsStaff bool
}

// Patron returns a non-staff actor.
func Patron(id uuid.UUID) Context {
	return Context{UserID: id}
}

// Staff returns a staff actor.
func Staff(id uuid.UUID) Context {
	return Context{UserID: id, IsStaff: true}
}

// Owns reports whether the actor is the given user.
func (a Context) Owns(userID uuid.UUID) bool {
	return a.UserID != uuid.Nil && a.UserID == userID
}

type ctxKey struct{}

// WithContext stores a in ctx for the HTTP layer.
func WithContext(ctx context.Context, a Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// FromContext returns the actor stored by WithContext.
func FromContext(ctx context.Context) (Context, bool) {
	a, ok := ctx.Value(ctxKey{}).(Context)
	return a, ok
}
