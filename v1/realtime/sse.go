package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// heartbeatEvery paces the server-side keepalive on SSE streams. The
// stream is one-way, so the server refreshes the membership itself for
// as long as the response stays writable.
const heartbeatEvery = 10 * time.Second

// serveSSE streams room events over Server-Sent Events. The first
// event is the snapshot; each broadcast follows as its own event. SSE
// clients cannot send commands, they pair the stream with the REST
// endpoints.
func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request) {
	user, err := h.auth.Authenticate(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	canvas := r.PathValue("canvas")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	connID := uuid.NewString()
	sess, err := h.coord.Join(ctx, canvas, connID, user)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer h.coord.Leave(context.Background(), canvas, connID)
	h.logger.Info("sse stream joined", "canvas", canvas, "conn", connID, "user", user)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if err := writeSSE(w, "snapshot", SnapshotFrame{
		Type:    "snapshot",
		Seq:     sess.Snapshot.Seq,
		Locks:   sess.Snapshot.Locks,
		Members: sess.Snapshot.Members,
	}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-sess.Events.C():
			if !ok {
				// Evicted as a slow consumer: end the stream so the
				// client reconnects for a fresh snapshot.
				return
			}
			if err := writeSSE(w, "event", ev); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			h.coord.Heartbeat(canvas, connID)
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeSSE(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
