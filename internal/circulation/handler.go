// internal/circulation/handler.go
package circulation

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"librarydesk/internal/actor"
	"librarydesk/internal/web"
)

type Handler struct {
	service Service
	logger  *zap.Logger
}

func NewHandler(service Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the borrow lifecycle routes under r. submit wraps the
// request submission route only.
func (h *Handler) Register(r chi.Router, submit ...func(http.Handler) http.Handler) {
	r.With(submit...).Post("/borrows", h.handleSubmit)
	r.Get("/borrows/{id}", h.handleGet)
	r.Post("/borrows/{id}/approve", h.handleApprove)
	r.Post("/borrows/{id}/reject", h.handleReject)
	r.Post("/borrows/{id}/return-request", h.handleRequestReturn)
	r.Delete("/borrows/{id}/return-request", h.handleCancelReturnRequest)
	r.Post("/borrows/{id}/return", h.handleFinalizeReturn)
	r.Delete("/users/{id}/borrows", h.handlePurgeUser)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNoActor), errors.Is(err, web.ErrNoActor):
		return http.StatusUnauthorized
	case errors.Is(err, web.ErrBadID), errors.Is(err, ErrInvalidDateRange), errors.Is(err, ErrInvalidCondition):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrNotStaff):
		return http.StatusForbidden
	case errors.Is(err, ErrBookNotFound), errors.Is(err, ErrBorrowNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStockExhausted), errors.Is(err, ErrDuplicateActiveLoan),
		errors.Is(err, ErrAlreadyProcessed), errors.Is(err, ErrNotActiveLoan),
		errors.Is(err, ErrLoanLimitReached), errors.Is(err, ErrBookInactive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	switch {
	case status == http.StatusInternalServerError:
		h.logger.Error("circulation request failed", zap.Error(err))
		web.Error(w, status, web.RetryLater)
	case errors.Is(err, web.ErrNoActor):
		web.Error(w, status, Message(ErrNoActor))
	case errors.Is(err, web.ErrBadID):
		web.Error(w, status, "invalid id")
	default:
		web.Error(w, status, Message(err))
	}
}

// target parses the {id} path parameter, answering 400 when it is invalid.
func (h *Handler) target(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := web.IDParam(r, "id")
	if err != nil {
		h.writeError(w, err)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	a, err := web.Actor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req struct {
		BookID     uuid.UUID  `json:"book_id"`
		BorrowDate *time.Time `json:"borrow_date"`
		ReturnDate *time.Time `json:"return_date"`
	}
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	borrow, err := h.service.SubmitRequest(r.Context(), a, req.BookID, RequestDates{
		BorrowDate: req.BorrowDate,
		ReturnDate: req.ReturnDate,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	web.JSON(w, http.StatusCreated, borrow)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	h.handleBorrowOp(w, r, h.service.Get)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.handleBorrowOp(w, r, h.service.Approve)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	h.handleBorrowOp(w, r, h.service.Reject)
}

func (h *Handler) handleRequestReturn(w http.ResponseWriter, r *http.Request) {
	h.handleBorrowOp(w, r, h.service.RequestReturn)
}

func (h *Handler) handleCancelReturnRequest(w http.ResponseWriter, r *http.Request) {
	h.handleBorrowOp(w, r, h.service.CancelReturnRequest)
}

type borrowOp func(ctx context.Context, a actor.Context, id uuid.UUID) (*Borrow, error)

func (h *Handler) handleBorrowOp(w http.ResponseWriter, r *http.Request, op borrowOp) {
	a, err := web.Actor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	id, ok := h.target(w, r)
	if !ok {
		return
	}

	borrow, err := op(r.Context(), a, id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	web.JSON(w, http.StatusOK, borrow)
}

func (h *Handler) handleFinalizeReturn(w http.ResponseWriter, r *http.Request) {
	a, err := web.Actor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	id, ok := h.target(w, r)
	if !ok {
		return
	}

	var req struct {
		Condition Condition `json:"condition"`
		Notes     string    `json:"notes"`
	}
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	borrow, err := h.service.FinalizeReturn(r.Context(), a, id, req.Condition, req.Notes)
	if err != nil {
		h.writeError(w, err)
		return
	}

	web.JSON(w, http.StatusOK, borrow)
}

func (h *Handler) handlePurgeUser(w http.ResponseWriter, r *http.Request) {
	a, err := web.Actor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	userID, ok := h.target(w, r)
	if !ok {
		return
	}

	result, err := h.service.PurgeUser(r.Context(), a, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	web.JSON(w, http.StatusOK, result)
}
