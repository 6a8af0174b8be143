package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// keepAliveBound caps how long a stream stays silent: an unchanged
// snapshot is re-sent after this long so proxies keep the connection.
const keepAliveBound = 2 * time.Minute

// statusStream serves the engine state as server-sent events: one
// event immediately, then one per state change. The client closing the
// connection ends the stream.
func (h *AfficheHandler) statusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	snapshot, version := h.Engine.SnapshotVersion()
	for {
		payload, err := json.Marshal(snapshot)
		if err != nil {
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()

		var alive bool
		snapshot, version, alive = h.Engine.Wait(r.Context(), version, keepAliveBound)
		if !alive {
			return
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// statusWS mirrors the SSE stream over a websocket for clients that
// already hold one open for the UI.
func (h *AfficheHandler) statusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	client := uuid.NewString()
	log := h.Log.With(zap.String("client", client))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read loop only watches for the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				var closeErr *websocket.CloseError
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Info("ws closed")
				} else if errors.As(err, &closeErr) {
					log.Warn("ws closed abnormally", zap.Int("code", closeErr.Code), zap.String("text", closeErr.Text))
				}
				return
			}
		}
	}()

	snapshot, version := h.Engine.SnapshotVersion()
	for {
		if err := conn.WriteJSON(map[string]any{"type": "status", "data": snapshot}); err != nil {
			return
		}

		var alive bool
		snapshot, version, alive = h.Engine.Wait(ctx, version, keepAliveBound)
		if !alive {
			return
		}
	}
}
