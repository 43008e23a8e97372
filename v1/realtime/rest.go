package realtime

import (
	"encoding/json"
	"net/http"
	"time"
)

// The REST endpoints serve clients without a live socket: bots,
// scripted importers, curl. They join no room, so only the lease
// protects their locks; pair them with the SSE stream to observe the
// canvas.

type acquireResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type extendRequest struct {
	Token    string `json:"token"`
	ExtendMs int64  `json:"extend_ms,omitempty"`
}

type extendResponse struct {
	ExpiresAt time.Time `json:"expires_at"`
}

type releaseRequest struct {
	Token string `json:"token"`
}

type putTileRequest struct {
	Token  string `json:"token"`
	Pixels []byte `json:"pixels"`
}

func (h *Handler) acquireTile(w http.ResponseWriter, r *http.Request) {
	user, err := h.auth.Authenticate(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	key, ok := tileFromPath(r)
	if !ok {
		http.Error(w, "bad tile path", http.StatusBadRequest)
		return
	}

	grant, err := h.coord.Acquire(r.Context(), key, user, "")
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acquireResponse{Token: grant.Token, ExpiresAt: grant.ExpiresAt})
}

func (h *Handler) extendTile(w http.ResponseWriter, r *http.Request) {
	if _, err := h.auth.Authenticate(r); err != nil {
		h.writeError(w, err)
		return
	}
	key, ok := tileFromPath(r)
	if !ok {
		http.Error(w, "bad tile path", http.StatusBadRequest)
		return
	}
	var req extendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	exp, err := h.coord.Extend(r.Context(), key, req.Token, time.Duration(req.ExtendMs)*time.Millisecond)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, extendResponse{ExpiresAt: exp})
}

func (h *Handler) releaseTile(w http.ResponseWriter, r *http.Request) {
	if _, err := h.auth.Authenticate(r); err != nil {
		h.writeError(w, err)
		return
	}
	key, ok := tileFromPath(r)
	if !ok {
		http.Error(w, "bad tile path", http.StatusBadRequest)
		return
	}
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	if err := h.coord.Release(r.Context(), key, req.Token, ""); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) putTile(w http.ResponseWriter, r *http.Request) {
	if _, err := h.auth.Authenticate(r); err != nil {
		h.writeError(w, err)
		return
	}
	key, ok := tileFromPath(r)
	if !ok {
		http.Error(w, "bad tile path", http.StatusBadRequest)
		return
	}
	var req putTileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	if err := h.coord.SubmitEdit(r.Context(), key, req.Token, req.Pixels, ""); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getTile(w http.ResponseWriter, r *http.Request) {
	if _, err := h.auth.Authenticate(r); err != nil {
		h.writeError(w, err)
		return
	}
	key, ok := tileFromPath(r)
	if !ok {
		http.Error(w, "bad tile path", http.StatusBadRequest)
		return
	}

	pixels, err := h.coord.LoadTile(r.Context(), key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(pixels)
}

func (h *Handler) listLocks(w http.ResponseWriter, r *http.Request) {
	if _, err := h.auth.Authenticate(r); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.coord.Locks(r.PathValue("canvas")))
}

func (h *Handler) listMembers(w http.ResponseWriter, r *http.Request) {
	if _, err := h.auth.Authenticate(r); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.coord.Members(r.PathValue("canvas")))
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.Stats())
}
