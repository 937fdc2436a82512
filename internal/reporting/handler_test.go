package reporting

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"librarydesk/internal/actor"
	"librarydesk/internal/circulation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func (f fixture) serve(t *testing.T, a *actor.Context, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	if a != nil {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(actor.WithContext(req.Context(), *a)))
			})
		})
	}
	NewHandler(f.svc, zaptest.NewLogger(t)).Register(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHandlerRoutes(t *testing.T) {
	f := newFixture(t)
	alice := actor.Patron(uuid.New())
	b := f.request(t, alice, f.book(t, "Kindred", 1))

	rec := f.serve(t, &f.staff, http.MethodGet, "/borrows/pending")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pending []circulation.Borrow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	rec = f.serve(t, &f.staff, http.MethodGet, "/borrows?status=pending&user_id="+alice.UserID.String())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), b.ID.String())

	rec = f.serve(t, &f.staff, http.MethodGet, "/dashboard")
	require.Equal(t, http.StatusOK, rec.Code)
	var d Dashboard
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, 1, d.PendingRequests)

	rec = f.serve(t, &alice, http.MethodGet, "/users/"+alice.UserID.String()+"/borrows")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.serve(t, &alice, http.MethodGet, "/borrows/"+b.ID.String()+"/audit")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"request"`)

	rec = f.serve(t, nil, http.MethodGet, "/books/popular")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Kindred")

	rec = f.serve(t, &f.staff, http.MethodGet, "/notifications")
	require.Equal(t, http.StatusOK, rec.Code)
	var inbox struct {
		Unread int `json:"unread"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inbox))
	assert.Equal(t, 1, inbox.Unread)

	rec = f.serve(t, &f.staff, http.MethodPost, "/notifications/read-all")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"marked":1}`, rec.Body.String())
}

func TestHandlerErrors(t *testing.T) {
	f := newFixture(t)
	alice := actor.Patron(uuid.New())
	_, err := f.engine.SubmitRequest(context.Background(), alice, f.book(t, "Kindred", 1), circulation.RequestDates{})
	require.NoError(t, err)

	tests := []struct {
		name   string
		actor  *actor.Context
		method string
		path   string
		want   int
	}{
		{"no actor", nil, http.MethodGet, "/dashboard", http.StatusUnauthorized},
		{"patron dashboard", &alice, http.MethodGet, "/dashboard", http.StatusForbidden},
		{"patron queue", &alice, http.MethodGet, "/borrows/pending", http.StatusForbidden},
		{"bad filter", &f.staff, http.MethodGet, "/borrows?status=overdue", http.StatusBadRequest},
		{"bad user filter", &f.staff, http.MethodGet, "/borrows?user_id=me", http.StatusBadRequest},
		{"other history", &alice, http.MethodGet, "/users/" + uuid.NewString() + "/borrows", http.StatusForbidden},
		{"missing borrow", &alice, http.MethodGet, "/borrows/" + uuid.NewString() + "/audit", http.StatusNotFound},
		{"bad notification id", &alice, http.MethodPost, "/notifications/x/read", http.StatusBadRequest},
		{"missing notification", &alice, http.MethodPost, "/notifications/999/read", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.serve(t, tt.actor, tt.method, tt.path)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}
