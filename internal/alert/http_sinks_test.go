package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() Event {
	return Event{
		ID:            "ev-1",
		Type:          EventTypeHighRate,
		Service:       "web_server",
		Count:         3,
		WindowSeconds: 60,
		Timestamp:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestHTTPPostClassification(t *testing.T) {
	tests := []struct {
		status    int
		wantErr   bool
		permanent bool
	}{
		{200, false, false},
		{204, false, false},
		{429, true, false},
		{500, true, false},
		{503, true, false},
		{400, true, true},
		{404, true, true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))
		err := httpPost(context.Background(), srv.Client(), srv.URL, map[string]string{"k": "v"})
		srv.Close()

		if !tt.wantErr {
			assert.NoError(t, err, "status %d", tt.status)
			continue
		}
		require.Error(t, err, "status %d", tt.status)
		assert.Equal(t, tt.permanent, IsPermanent(err), "status %d", tt.status)
	}
}

func TestSlackSinkPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	s := NewSlackSink(srv.URL)
	require.NoError(t, s.Deliver(context.Background(), testEvent()))

	attachments, ok := got["attachments"].([]any)
	require.True(t, ok)
	require.Len(t, attachments, 1)
	blocks := attachments[0].(map[string]any)["blocks"].([]any)
	assert.NotEmpty(t, blocks)
}

func TestPagerDutySinkPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewPagerDutySink("routing-key-123")
	p.apiURL = srv.URL
	require.NoError(t, p.Deliver(context.Background(), testEvent()))

	assert.Equal(t, "routing-key-123", got["routing_key"])
	assert.Equal(t, "trigger", got["event_action"])
	assert.Equal(t, "ev-1", got["dedup_key"], "alert ID doubles as the dedup key")
	payload := got["payload"].(map[string]any)
	assert.Equal(t, "web_server", payload["source"])
	assert.Equal(t, "critical", payload["severity"])
}

func TestWebhookSinkPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	ws := NewWebhookSink(srv.URL)
	require.NoError(t, ws.Deliver(context.Background(), testEvent()))

	assert.Equal(t, EventTypeHighRate, got["alert_type"])
	assert.NotEmpty(t, got["message"])
	details := got["details"].(map[string]any)
	assert.Equal(t, "ev-1", details["id"])
}
