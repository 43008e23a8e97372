package realtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-mural/v1/core"
	muralerrors "github.com/mirkobrombin/go-mural/v1/errors"
	"github.com/mirkobrombin/go-mural/v1/lock"
)

const (
	// writeWait bounds a single outbound frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a socket survives without a pong.
	pongWait = 30 * time.Second
	// pingPeriod must stay under pongWait so pings arrive in time.
	pingPeriod = 10 * time.Second
)

var upgrader = websocket.Upgrader{}

// serveWS upgrades the connection, joins the room and bridges commands
// and broadcasts. The first frame is always the room snapshot; every
// event follows in publish order. Pongs refresh the membership
// heartbeat, so an idle painter stays a member while the socket lives.
func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	user, err := h.auth.Authenticate(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	canvas := r.PathValue("canvas")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	connID := uuid.NewString()
	sess, err := h.coord.Join(r.Context(), canvas, connID, user)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	h.logger.Info("socket joined", "canvas", canvas, "conn", connID, "user", user)

	replies := make(chan Reply, 8)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(conn, sess, replies)
	}()

	h.readPump(r.Context(), conn, sess, replies, writerDone)

	// The socket is gone or misbehaved. Leaving releases every lock the
	// connection still holds and announces the departure.
	h.coord.Leave(context.Background(), canvas, connID)
	conn.Close()
	<-writerDone
}

// writePump owns all writes on conn: the snapshot, then events,
// replies and pings. It exits when the event stream closes or any
// write fails, closing the socket so the reader unblocks.
func (h *Handler) writePump(conn *websocket.Conn, sess *core.Session, replies <-chan Reply) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(SnapshotFrame{
		Type:    "snapshot",
		Seq:     sess.Snapshot.Seq,
		Locks:   sess.Snapshot.Locks,
		Members: sess.Snapshot.Members,
	}); err != nil {
		return
	}

	for {
		select {
		case ev, ok := <-sess.Events.C():
			if !ok {
				msg := "stream closed"
				if errors.Is(sess.Events.Err(), muralerrors.ErrQueueOverflow) {
					// Evicted as a slow consumer: the client must
					// reconnect for a fresh snapshot.
					msg = "resync required"
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, msg),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(EventFrame{Type: "event", Event: ev}); err != nil {
				return
			}
		case reply, ok := <-replies:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump decodes commands until the socket errors. Replies are
// handed to the writer; if the writer is gone the reader exits too.
func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, sess *core.Session, replies chan<- Reply, writerDone <-chan struct{}) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		h.coord.Heartbeat(sess.Canvas, sess.ConnID)
		return nil
	})

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		select {
		case replies <- h.dispatch(ctx, sess, cmd):
		case <-writerDone:
			return
		}
	}
}

// dispatch runs one command against the coordinator and shapes the
// reply. Tokens stay in replies; the broadcast side never sees them.
func (h *Handler) dispatch(ctx context.Context, sess *core.Session, cmd Command) Reply {
	key := lock.TileKey{Canvas: sess.Canvas, X: cmd.X, Y: cmd.Y}
	reply := Reply{Type: "result", Op: cmd.Op}

	switch cmd.Op {
	case "acquire":
		grant, err := h.coord.Acquire(ctx, key, sess.User, sess.ConnID)
		if err != nil {
			return errorReply(reply, err)
		}
		exp := grant.ExpiresAt
		reply.OK = true
		reply.Token = grant.Token
		reply.ExpiresAt = &exp
	case "extend":
		exp, err := h.coord.Extend(ctx, key, cmd.Token, time.Duration(cmd.ExtendMs)*time.Millisecond)
		if err != nil {
			return errorReply(reply, err)
		}
		reply.OK = true
		reply.ExpiresAt = &exp
	case "release":
		if err := h.coord.Release(ctx, key, cmd.Token, sess.ConnID); err != nil {
			return errorReply(reply, err)
		}
		reply.OK = true
	case "submit_edit":
		if err := h.coord.SubmitEdit(ctx, key, cmd.Token, cmd.Pixels, sess.ConnID); err != nil {
			return errorReply(reply, err)
		}
		reply.OK = true
	case "heartbeat":
		reply.OK = h.coord.Heartbeat(sess.Canvas, sess.ConnID)
	default:
		reply.Error = &WireError{Code: "unknown_op", Message: "unknown op " + cmd.Op}
	}
	return reply
}

func errorReply(reply Reply, err error) Reply {
	_, body := toWireError(err)
	reply.Error = body
	return reply
}
