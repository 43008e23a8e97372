// Package realtime exposes a coordinator over HTTP: a WebSocket and an
// SSE stream per canvas room, plus REST endpoints for connectionless
// clients. Lock tokens travel only between the server and the client
// that owns them; broadcasts never carry them.
package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/mirkobrombin/go-mural/v1/core"
	"github.com/mirkobrombin/go-mural/v1/lock"
)

// Handler routes the HTTP surface of a coordinator.
type Handler struct {
	coord  *core.Coordinator
	auth   AuthProvider
	logger *slog.Logger
	mux    *http.ServeMux
}

// Option configures a Handler.
type Option func(*Handler)

// WithAuth sets the authentication provider. The default trusts the
// X-Mural-User header.
func WithAuth(p AuthProvider) Option {
	return func(h *Handler) {
		if p != nil {
			h.auth = p
		}
	}
}

// WithLogger sets the logger used for request failures. The default
// discards all output.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandler builds the route table around coord.
func NewHandler(coord *core.Coordinator, opts ...Option) *Handler {
	h := &Handler{
		coord:  coord,
		auth:   HeaderAuth{},
		logger: slog.New(slog.DiscardHandler),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.HandleFunc("GET /v1/canvases/{canvas}/ws", h.serveWS)
	h.mux.HandleFunc("GET /v1/canvases/{canvas}/events", h.serveSSE)
	h.mux.HandleFunc("POST /v1/canvases/{canvas}/tiles/{x}/{y}/acquire", h.acquireTile)
	h.mux.HandleFunc("POST /v1/canvases/{canvas}/tiles/{x}/{y}/extend", h.extendTile)
	h.mux.HandleFunc("POST /v1/canvases/{canvas}/tiles/{x}/{y}/release", h.releaseTile)
	h.mux.HandleFunc("PUT /v1/canvases/{canvas}/tiles/{x}/{y}", h.putTile)
	h.mux.HandleFunc("GET /v1/canvases/{canvas}/tiles/{x}/{y}", h.getTile)
	h.mux.HandleFunc("GET /v1/canvases/{canvas}/locks", h.listLocks)
	h.mux.HandleFunc("GET /v1/canvases/{canvas}/members", h.listMembers)
	h.mux.HandleFunc("GET /v1/stats", h.stats)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func tileFromPath(r *http.Request) (lock.TileKey, bool) {
	canvas := r.PathValue("canvas")
	x, errX := strconv.Atoi(r.PathValue("x"))
	y, errY := strconv.Atoi(r.PathValue("y"))
	if canvas == "" || errX != nil || errY != nil {
		return lock.TileKey{}, false
	}
	return lock.TileKey{Canvas: canvas, X: x, Y: y}, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status, body := toWireError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "status", status, "err", err)
	}
	writeJSON(w, status, struct {
		Error *WireError `json:"error"`
	}{body})
}
