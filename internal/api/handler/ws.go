package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/provbot/provbot/internal/api/response"
	"github.com/provbot/provbot/internal/notify"
	"github.com/provbot/provbot/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients connect cross-origin from the booking frontend.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn adapts a gorilla connection to the dispatcher's LiveConn. Writes
// are serialized; the dispatcher and the replay on connect share it.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

var _ notify.LiveConn = (*wsConn)(nil)

// NewWSHandler returns the handler for GET /ws/{jobID}. On connect, the
// latest stored payload is replayed so a client that reconnects mid-job
// immediately sees the current QR frame or status. The handler then holds
// the read loop open until the peer disconnects.
func NewWSHandler(b Booker, d *notify.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := parseJobID(w, r)
		if !ok {
			return
		}

		if _, err := b.GetStatus(r.Context(), jobID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound,
					"JOB_NOT_FOUND", "No job with that ID", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to load job", nil)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			slog.Warn("websocket upgrade failed", "job_id", jobID, "error", err)
			return
		}

		conn := &wsConn{ws: ws}
		d.Attach(jobID, conn)
		slog.Info("live connection attached", "job_id", jobID, "remote_addr", r.RemoteAddr)

		if p, err := b.GetLatestNotification(r.Context(), jobID); err == nil {
			if raw, err := json.Marshal(p); err == nil {
				replayCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := conn.Send(replayCtx, raw); err != nil {
					slog.Warn("replaying latest payload failed", "job_id", jobID, "error", err)
				}
				cancel()
			}
		}

		// Inbound frames are ignored; the loop exists to detect disconnect.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				break
			}
		}

		d.Detach(jobID, conn)
		_ = conn.Close()
		slog.Info("live connection closed", "job_id", jobID)
	}
}
