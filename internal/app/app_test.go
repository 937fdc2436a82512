package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"librarydesk/internal/actor"
	"librarydesk/internal/catalog"
	"librarydesk/internal/config"
	"librarydesk/internal/httpapi"
	"librarydesk/internal/store"
)

func TestAppServesAndDeliversNotifications(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Driver = store.DriverSQLite
	cfg.Database.URL = filepath.Join(t.TempDir(), "app.db")

	ctx := context.Background()
	a, err := New(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	staff := actor.Staff(uuid.New())
	book, err := a.Catalog.Create(ctx, staff, catalog.BookInput{Title: "Piranesi", Author: "Susanna Clarke", TotalCopies: 1})
	require.NoError(t, err)

	srv := httptest.NewServer(a.Router(cfg))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/borrows", strings.NewReader(`{"book_id":"`+book.ID.String()+`"}`))
	require.NoError(t, err)
	req.Header.Set(httpapi.HeaderUserID, uuid.NewString())
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Dispatcher.Close(closeCtx))

	unread, err := a.Reporting.UnreadCount(ctx, staff)
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	require.NoError(t, a.Close(closeCtx))
}

func TestNewFailsOnUnreachableStore(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Driver = store.DriverSQLite
	cfg.Database.URL = filepath.Join(t.TempDir(), "missing", "dir", "app.db")

	_, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "failed to open store")
}
