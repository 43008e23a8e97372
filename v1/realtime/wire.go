package realtime

import (
	"errors"
	"net/http"
	"time"

	muralerrors "github.com/mirkobrombin/go-mural/v1/errors"
	"github.com/mirkobrombin/go-mural/v1/eventbus"
	"github.com/mirkobrombin/go-mural/v1/lock"
	"github.com/mirkobrombin/go-mural/v1/room"
)

// Command is one client request on a room socket. X and Y address the
// tile inside the socket's canvas.
type Command struct {
	Op       string `json:"op"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Token    string `json:"token,omitempty"`
	Pixels   []byte `json:"pixels,omitempty"`
	ExtendMs int64  `json:"extend_ms,omitempty"`
}

// Reply answers one Command. Successful acquire and extend replies
// carry the token and lease expiry; failed replies carry the wire
// error. Replies go only to the issuing socket, broadcasts never
// include tokens.
type Reply struct {
	Type      string     `json:"type"`
	Op        string     `json:"op"`
	OK        bool       `json:"ok"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Error     *WireError `json:"error,omitempty"`
}

// SnapshotFrame is the first frame on every stream: the state to
// render before applying events. Events at or below Seq are already
// folded into the snapshot and can be dropped.
type SnapshotFrame struct {
	Type    string        `json:"type"`
	Seq     uint64        `json:"seq"`
	Locks   []lock.Info   `json:"locks"`
	Members []room.Member `json:"members"`
}

// EventFrame wraps one broadcast event.
type EventFrame struct {
	Type  string         `json:"type"`
	Event eventbus.Event `json:"event"`
}

// WireError is the transport rendering of a coordinator error. Every
// code is recoverable: the client adjusts and retries.
type WireError struct {
	Code      string     `json:"code"`
	Message   string     `json:"message"`
	Holder    string     `json:"holder,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// toWireError maps a coordinator error to an HTTP status and a wire
// body. Conflicts keep the holder and expiry so clients can show who
// owns the tile and when to try again.
func toWireError(err error) (int, *WireError) {
	var conflict *muralerrors.ConflictError
	if errors.As(err, &conflict) {
		exp := conflict.ExpiresAt
		return http.StatusConflict, &WireError{
			Code:      "lock_conflict",
			Message:   conflict.Error(),
			Holder:    conflict.Holder,
			ExpiresAt: &exp,
		}
	}
	var store *muralerrors.StoreError
	if errors.As(err, &store) {
		return http.StatusBadGateway, &WireError{Code: "store_error", Message: store.Error()}
	}
	switch {
	case errors.Is(err, muralerrors.ErrLockNotFound):
		return http.StatusNotFound, &WireError{Code: "lock_not_found", Message: err.Error()}
	case errors.Is(err, muralerrors.ErrTileNotFound):
		return http.StatusNotFound, &WireError{Code: "tile_not_found", Message: err.Error()}
	case errors.Is(err, muralerrors.ErrUnauthorized):
		return http.StatusUnauthorized, &WireError{Code: "unauthorized", Message: err.Error()}
	case errors.Is(err, muralerrors.ErrClosed):
		return http.StatusServiceUnavailable, &WireError{Code: "shutting_down", Message: err.Error()}
	default:
		return http.StatusInternalServerError, &WireError{Code: "internal", Message: err.Error()}
	}
}
