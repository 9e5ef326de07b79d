package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zombiefile/internal/core/domain"
	"zombiefile/pkg/retry"
)

// stubRelay acks every request and records the ids it saw.
type stubRelay struct {
	mu  sync.Mutex
	ids []string
}

func (s *stubRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	for {
		var req Request
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		s.mu.Lock()
		s.ids = append(s.ids, req.RequestID)
		s.mu.Unlock()

		ack := Message{Type: TypeAck, RequestID: req.RequestID, Status: StatusOK, PeerCount: 1}
		if err := ws.WriteJSON(ack); err != nil {
			return
		}
	}
}

func (s *stubRelay) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func TestClient_RequestIDsAreUUIDs(t *testing.T) {
	relay := &stubRelay{}
	ts := httptest.NewServer(relay)
	defer ts.Close()

	c := dialClient(t, "ws"+strings.TrimPrefix(ts.URL, "http"))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		peers, err := c.CreateRoom(ctx, domain.RoomID("room-a"))
		require.NoError(t, err)
		assert.Equal(t, 1, peers)
	}
	peers, err := c.JoinRoom(ctx, domain.RoomID("room-a"))
	require.NoError(t, err)
	assert.Equal(t, 1, peers)

	ids := relay.seen()
	require.Len(t, ids, 4)
	unique := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		_, err := uuid.Parse(id)
		assert.NoError(t, err, "request id %q", id)
		unique[id] = struct{}{}
	}
	assert.Len(t, unique, len(ids))
}

func fastRetry() retry.Config {
	return retry.Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestDial_RetriesUntilRelayAccepts(t *testing.T) {
	var hits atomic.Int32
	relay := &stubRelay{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		relay.ServeHTTP(w, r)
	}))
	defer ts.Close()

	cfg := DefaultClientConfig()
	cfg.Retry = fastRetry()
	c, err := Dial(context.Background(), "ws"+strings.TrimPrefix(ts.URL, "http"), cfg, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.EqualValues(t, 3, hits.Load())
}

func TestDial_RefusedHandshakeIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "origin not allowed", http.StatusForbidden)
	}))
	defer ts.Close()

	cfg := DefaultClientConfig()
	cfg.Retry = fastRetry()
	_, err := Dial(context.Background(), "ws"+strings.TrimPrefix(ts.URL, "http"), cfg, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Contains(t, err.Error(), "403")
	assert.EqualValues(t, 1, hits.Load())
}
