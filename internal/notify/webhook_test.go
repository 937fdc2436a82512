package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookSink(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, time.Second)
	defer sink.Close()
	e := Event{RecipientID: uuid.New(), Audience: AudiencePatron, Message: "due soon", Category: CategoryWarning}
	require.NoError(t, sink.Deliver(context.Background(), e))

	assert.Equal(t, e.RecipientID, got.RecipientID)
	assert.Equal(t, "due soon", got.Message)
}

func TestWebhookSinkReportsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, time.Second)
	defer sink.Close()
	err := sink.Deliver(context.Background(), Event{Message: "x"})
	assert.ErrorContains(t, err, "502")
}
