// internal/reporting/handler.go
package reporting

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"librarydesk/internal/circulation"
	"librarydesk/internal/notify"
	"librarydesk/internal/web"
)

type Handler struct {
	service Service
	logger  *zap.Logger
}

func NewHandler(service Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the read-only and inbox routes under r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/books/popular", h.handlePopular)
	r.Get("/borrows", h.handleListBorrows)
	r.Get("/borrows/pending", h.handlePending)
	r.Get("/borrows/{id}/audit", h.handleBorrowHistory)
	r.Get("/users/{id}/borrows", h.handleUserHistory)
	r.Get("/dashboard", h.handleDashboard)
	r.Get("/audit/recent", h.handleRecentActivity)

	r.Get("/notifications", h.handleInbox)
	r.Post("/notifications/{id}/read", h.handleMarkRead)
	r.Post("/notifications/read-all", h.handleMarkAllRead)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, web.ErrNoActor):
		web.Error(w, http.StatusUnauthorized, circulation.Message(circulation.ErrNoActor))
	case errors.Is(err, web.ErrBadID):
		web.Error(w, http.StatusBadRequest, "invalid id")
	case errors.Is(err, ErrInvalidFilter):
		web.Error(w, http.StatusBadRequest, "status must be one of pending, borrowing, returned or rejected")
	case errors.Is(err, ErrNotStaff), errors.Is(err, ErrNotOwner):
		web.Error(w, http.StatusForbidden, circulation.Message(err))
	case errors.Is(err, circulation.ErrBorrowNotFound):
		web.Error(w, http.StatusNotFound, circulation.Message(err))
	case errors.Is(err, notify.ErrNotificationNotFound):
		web.Error(w, http.StatusNotFound, "notification not found")
	default:
		h.logger.Error("reporting request failed", zap.Error(err))
		web.Error(w, http.StatusInternalServerError, web.RetryLater)
	}
}

func page(r *http.Request) Page {
	return Page{
		Limit:  web.IntQuery(r, "limit", defaultPageSize),
		Offset: web.IntQuery(r, "offset", 0),
	}
}

func (h *Handler) handlePopular(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.PopularBooks(r.Context(), web.IntQuery(r, "limit", 5))
	if err != nil {
		h.writeError(w, err)
		return
	}
	web.JSON(w, http.StatusOK, books)
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	a, err := web.Actor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	d, err := h.service.Dashboard(r.Context(), a)
	if err != nil {
		h.writeError(w, err)
		return
	}
	web.JSON(w, http.StatusOK, d)
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	a, err := web.Actor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	borrows, err := h.service.PendingQueue(r.Context(), a, page(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	web.JSON(w, http.StatusOK, borrows)
}

func (h *Handler) handleListBorrows(w http.ResponseWriter, r *http.Request) {
	a, err := web.Actor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	q := r.URL.Query()
	filter := Filter{
		Status:    Status(q.Get("status")),
		BookTitle: q.Get("title"),
	}
	if raw := q.Get("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, web.ErrBadID)
			return
		}
		filter.UserID = &id
	}

	borrows, err := h.service.ListBorrows(r.Context(), a, filter, page(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	web.JSON(w, http.StatusOK, borrows)
}

func (h *Handler) handleUserHistory(w http.ResponseWriter, r *http.Request) {
	a, err := web.Actor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	userID, err := web.IDParam(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	borrows, err := h.service.UserHistory(r.Context(), a, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	web.JSON(w, http.StatusOK, borrows)
}

func (h *Handler) handleRecentActivity(w http.ResponseWriter, r *http.Request) {
	a, err := web.Actor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	records, err := h.service.RecentActivity(r.Context(), a, web.IntQuery(r, "limit", 10))
	if err != nil {
		h.writeError(w, err)
		return
	}
	web.JSON(w, http.StatusOK, records)
}

func (h *Handler) handleBorrowHistory(w http.ResponseWriter, r *http.Request) {
	a, err := web.Actor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	borrowID, err := web.IDParam(r, "id")
	if err != nil {
		h.writeError(w, err)
		return
	}

	records, err := h.service.BorrowHistory(r.Context(), a, borrowID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	web.JSON(w, http.StatusOK, records)
}

func (h *Handler) handleInbox(w http.ResponseWriter, r *http.Request) {
	a, err := web.Actor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	items, err := h.service.Inbox(r.Context(), a, web.IntQuery(r, "limit", 50))
	if err != nil {
		h.writeError(w, err)
		return
	}
	unread, err := h.service.UnreadCount(r.Context(), a)
	if err != nil {
		h.writeError(w, err)
		return
	}

	web.JSON(w, http.StatusOK, map[string]interface{}{
		"notifications": items,
		"unread":        unread,
	})
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	a, err := web.Actor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, web.ErrBadID)
		return
	}

	if err := h.service.MarkRead(r.Context(), a, id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	a, err := web.Actor(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	n, err := h.service.MarkAllRead(r.Context(), a)
	if err != nil {
		h.writeError(w, err)
		return
	}
	web.JSON(w, http.StatusOK, map[string]int64{"marked": n})
}
