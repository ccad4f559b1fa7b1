package server

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/loopfactory/warden/internal/domain"
)

func TestHandleSystemStatusStreamPushesSnapshots(t *testing.T) {
	store := &fakeSystemStore{counts: map[domain.AgentStatus]int{domain.StatusActive: 2}}
	sched := &fakeSystemScheduler{inflight: 1}
	resources := &fakeSystemResourceMonitor{maxConc: 5}

	h := NewSystemHandlers(store, sched, resources, zerolog.Nop())
	srv := httptest.NewServer(h.HandleSystemStatusStream)
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var got systemStatusResponse
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	require.Equal(t, 2, got.AgentCounts[string(domain.StatusActive)])
	require.Equal(t, 1, got.InflightHeartbeats)
}
