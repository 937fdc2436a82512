// Package web holds the JSON helpers shared by the HTTP handlers.
package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"librarydesk/internal/actor"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RetryLater is shown for every fault that is not a business outcome.
const RetryLater = "something went wrong on our side, please try again later"

var (
	ErrNoActor = errors.New("request carries no authenticated user")
	ErrBadID   = errors.New("invalid id")
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes an ErrorBody.
func Error(w http.ResponseWriter, status int, msg string) {
	JSON(w, status, ErrorBody{Error: msg})
}

// Decode reads a JSON request body into v.
func Decode(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// Actor returns the caller placed on the request by the actor middleware.
func Actor(r *http.Request) (actor.Context, error) {
	a, ok := actor.FromContext(r.Context())
	if !ok {
		return actor.Context{}, ErrNoActor
	}
	return a, nil
}

// IDParam parses a uuid URL parameter.
func IDParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, ErrBadID
	}
	return id, nil
}

// IntQuery parses an optional integer query parameter.
func IntQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
