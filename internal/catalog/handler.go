// internal/catalog/handler.go
package catalog

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"librarydesk/internal/actor"
	"librarydesk/internal/inventory"
	"librarydesk/internal/web"
)

type Handler struct {
	service Service
	logger  *zap.Logger
}

func NewHandler(service Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the catalog routes under r.
func (h *Handler) Register(r chi.Router) {
	r.Post("/books", h.handleCreate)
	r.Get("/books/search", h.handleSearch)
	r.Get("/books/{id}", h.handleView)
	r.Get("/books/{id}/related", h.handleRelated)
	r.Put("/books/{id}", h.handleUpdate)
	r.Delete("/books/{id}", h.handleDeactivate)
	r.Post("/books/{id}/activate", h.handleActivate)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, web.ErrNoActor), errors.Is(err, ErrNoActor):
		web.Error(w, http.StatusUnauthorized, "sign in to continue")
	case errors.Is(err, web.ErrBadID):
		web.Error(w, http.StatusBadRequest, "invalid book id")
	case errors.Is(err, ErrNotStaff):
		web.Error(w, http.StatusForbidden, "only staff can change the catalog")
	case errors.Is(err, ErrBookNotFound):
		web.Error(w, http.StatusNotFound, "book not found")
	case errors.Is(err, ErrInvalidBook), errors.Is(err, inventory.ErrNegativeTotal):
		web.Error(w, http.StatusBadRequest, ErrInvalidBook.Error())
	default:
		h.logger.Error("catalog request failed", zap.Error(err))
		web.Error(w, http.StatusInternalServerError, web.RetryLater)
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	a, err := web.Actor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req BookInput
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	book, err := h.service.Create(r.Context(), a, req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	web.JSON(w, http.StatusCreated, book)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		web.Error(w, http.StatusBadRequest, "missing search query")
		return
	}

	books, err := h.service.Search(r.Context(), query, web.IntQuery(r, "limit", 20))
	if err != nil {
		h.writeError(w, err)
		return
	}

	web.JSON(w, http.StatusOK, books)
}

func (h *Handler) handleView(w http.ResponseWriter, r *http.Request) {
	id, err := web.IDParam(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	book, err := h.service.View(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	web.JSON(w, http.StatusOK, book)
}

func (h *Handler) handleRelated(w http.ResponseWriter, r *http.Request) {
	id, err := web.IDParam(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	books, err := h.service.Related(r.Context(), id, web.IntQuery(r, "limit", 4))
	if err != nil {
		h.writeError(w, err)
		return
	}

	web.JSON(w, http.StatusOK, books)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	a, err := web.Actor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	id, err := web.IDParam(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req BookInput
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	book, err := h.service.Update(r.Context(), a, id, req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	web.JSON(w, http.StatusOK, book)
}

func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	h.handleToggle(w, r, h.service.Deactivate)
}

func (h *Handler) handleActivate(w http.ResponseWriter, r *http.Request) {
	h.handleToggle(w, r, h.service.Activate)
}

func (h *Handler) handleToggle(w http.ResponseWriter, r *http.Request, toggle func(ctx context.Context, a actor.Context, id uuid.UUID) error) {
	a, err := web.Actor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	id, err := web.IDParam(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	if err := toggle(r.Context(), a, id); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
