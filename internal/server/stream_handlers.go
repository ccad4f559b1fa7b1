package server

import (
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// statusStreamInterval is how often a connected dashboard client receives
// a fresh system status snapshot.
const statusStreamInterval = 5 * time.Second

// HandleSystemStatusStream is the push-transport variant of
// HandleSystemStatus: once upgraded, it sends a fresh snapshot every
// statusStreamInterval until the client disconnects. §6 names the
// dashboard as an external consumer; this is ambient transport for it,
// not a dashboard feature of its own.
// GET /system/status/stream
func (h *SystemHandlers) HandleSystemStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	ticker := time.NewTicker(statusStreamInterval)
	defer ticker.Stop()

	for {
		resp, err := h.buildStatus()
		if err != nil {
			h.log.Warn().Err(err).Msg("build system status failed for stream")
		} else if err := wsjson.Write(ctx, conn, resp); err != nil {
			h.log.Debug().Err(err).Msg("system status stream write failed, closing")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			continue
		}
	}
}
