package api

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsline/anomalyd/internal/logger"
	"github.com/opsline/anomalyd/internal/schema"
)

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(logger.Nop())
	defer hub.Close()

	srv := httptest.NewServer(hub)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration happens inside ServeHTTP before the upgrade returns, so
	// the client is broadcastable as soon as Dial succeeds.
	hub.Broadcast(schema.AnomalyRecord{ID: "abc", Service: "web_server", AnomalyScore: 0.4})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var rec schema.AnomalyRecord
	require.NoError(t, conn.ReadJSON(&rec))
	assert.Equal(t, "abc", rec.ID)
	assert.Equal(t, "web_server", rec.Service)
}

func TestHubDropsClosedClients(t *testing.T) {
	hub := NewHub(logger.Nop())
	defer hub.Close()

	srv := httptest.NewServer(hub)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	conn.Close()

	// Both broadcasts must survive a dead client; the first one prunes it.
	assert.NotPanics(t, func() {
		hub.Broadcast(schema.AnomalyRecord{ID: "1"})
		hub.Broadcast(schema.AnomalyRecord{ID: "2"})
	})
}

func TestHubBroadcastNeverBlocksOnStalledClient(t *testing.T) {
	hub := NewHub(logger.Nop())
	defer hub.Close()

	srv := httptest.NewServer(hub)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	// This client connects and then never reads, so its TCP buffers fill.
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Large records overflow the per-client buffer quickly; the client must
	// be dropped, never waited on.
	big := strings.Repeat("x", 256<<10)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 64; i++ {
			hub.Broadcast(schema.AnomalyRecord{ID: fmt.Sprintf("rec-%d", i), RawLog: big})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast blocked on a client that stopped reading")
	}
}
