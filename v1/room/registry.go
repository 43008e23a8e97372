// Package room tracks which connections are subscribed to each canvas
// and when each was last heard from.
package room

import (
	"sort"
	"sync"
	"time"
)

// DefaultHeartbeatTimeout is how long a silent connection stays alive.
const DefaultHeartbeatTimeout = 30 * time.Second

// Membership records one connection's presence in a canvas room. At most
// one membership exists per (canvas, connection) pair.
type Membership struct {
	Canvas   string
	ConnID   string
	User     string
	JoinedAt time.Time
	LastSeen time.Time
}

// Member is the snapshot view of a membership handed to join snapshots
// and member listings.
type Member struct {
	ConnID   string    `json:"conn_id"`
	User     string    `json:"user"`
	JoinedAt time.Time `json:"joined_at"`
}

// Stale identifies a membership removed by SweepStale.
type Stale struct {
	Canvas string
	ConnID string
	User   string
}

type roomState struct {
	mu      sync.Mutex
	members map[string]*Membership
}

// Registry owns room memberships. The rooms map is guarded by a
// read-write mutex; each room guards its own member set, so membership
// churn on one canvas never blocks another. Member operations hold the
// registry read lock across the room mutation so sweeps cannot drop a
// room out from under a concurrent join.
type Registry struct {
	timeout time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	rooms map[string]*roomState
}

// Option configures a Registry.
type Option func(*Registry)

// WithHeartbeatTimeout sets how long a silent connection survives.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		timeout: DefaultHeartbeatTimeout,
		now:     time.Now,
		rooms:   make(map[string]*roomState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Timeout reports the configured heartbeat timeout.
func (r *Registry) Timeout() time.Duration {
	return r.timeout
}

// Join registers a connection in a canvas room. A duplicate join of the
// same (canvas, connection) replaces the prior membership, so a
// reconnecting client never shows up twice.
func (r *Registry) Join(canvas, connID, user string) Membership {
	now := r.now()
	m := &Membership{
		Canvas:   canvas,
		ConnID:   connID,
		User:     user,
		JoinedAt: now,
		LastSeen: now,
	}

	r.mu.RLock()
	rs, ok := r.rooms[canvas]
	if ok {
		rs.mu.Lock()
		rs.members[connID] = m
		rs.mu.Unlock()
		r.mu.RUnlock()
		return *m
	}
	r.mu.RUnlock()

	r.mu.Lock()
	rs, ok = r.rooms[canvas]
	if !ok {
		rs = &roomState{members: make(map[string]*Membership)}
		r.rooms[canvas] = rs
	}
	rs.mu.Lock()
	rs.members[connID] = m
	rs.mu.Unlock()
	r.mu.Unlock()
	return *m
}

// Heartbeat refreshes a membership's last-seen time. It reports false
// when the membership is unknown.
func (r *Registry) Heartbeat(canvas, connID string, now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.rooms[canvas]
	if !ok {
		return false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	m, ok := rs.members[connID]
	if !ok {
		return false
	}
	m.LastSeen = now
	return true
}

// Leave removes a membership and returns the user it belonged to.
func (r *Registry) Leave(canvas, connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.rooms[canvas]
	if !ok {
		return "", false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	m, ok := rs.members[connID]
	if !ok {
		return "", false
	}
	delete(rs.members, connID)
	return m.User, true
}

// SweepStale removes every membership silent for longer than the
// heartbeat timeout and reports what was removed. Rooms left empty are
// dropped.
func (r *Registry) SweepStale(now time.Time) []Stale {
	var out []Stale
	r.mu.Lock()
	defer r.mu.Unlock()
	for canvas, rs := range r.rooms {
		rs.mu.Lock()
		for connID, m := range rs.members {
			if now.Sub(m.LastSeen) > r.timeout {
				out = append(out, Stale{Canvas: canvas, ConnID: connID, User: m.User})
				delete(rs.members, connID)
			}
		}
		empty := len(rs.members) == 0
		rs.mu.Unlock()
		if empty {
			delete(r.rooms, canvas)
		}
	}
	return out
}

// Members returns a point-in-time snapshot of a room, ordered by join
// time. It may benignly miss a join racing with the snapshot; the joiner
// converges through its own join snapshot.
func (r *Registry) Members(canvas string) []Member {
	r.mu.RLock()
	rs, ok := r.rooms[canvas]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	rs.mu.Lock()
	out := make([]Member, 0, len(rs.members))
	for _, m := range rs.members {
		out = append(out, Member{ConnID: m.ConnID, User: m.User, JoinedAt: m.JoinedAt})
	}
	rs.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ConnID < out[j].ConnID
	})
	return out
}

// Count reports the number of members in a room.
func (r *Registry) Count(canvas string) int {
	r.mu.RLock()
	rs, ok := r.rooms[canvas]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.members)
}

// Canvases lists the canvases that currently have members.
func (r *Registry) Canvases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms))
	for canvas, rs := range r.rooms {
		rs.mu.Lock()
		if len(rs.members) > 0 {
			out = append(out, canvas)
		}
		rs.mu.Unlock()
	}
	sort.Strings(out)
	return out
}
