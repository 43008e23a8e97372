// Package lock implements the per-tile exclusive lock table: TTL leases
// guarded by opaque tokens, sharded so unrelated tiles never contend.
package lock

import (
	"errors"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	muralerrors "github.com/mirkobrombin/go-mural/v1/errors"
)

// ErrInvalidLease is returned when a non-positive lease duration is provided.
var ErrInvalidLease = errors.New("mural: lease must be positive")

const defaultShardCount = 64

// TileKey identifies a tile inside a canvas.
type TileKey struct {
	Canvas string `json:"canvas"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
}

// String renders the key as canvas/x/y.
func (k TileKey) String() string {
	return k.Canvas + "/" + strconv.Itoa(k.X) + "/" + strconv.Itoa(k.Y)
}

// Grant is the result of a successful acquisition. The token is the
// capability every later operation on the lock must present.
type Grant struct {
	Token     string
	ExpiresAt time.Time
}

// Info describes a live lock without exposing its token.
type Info struct {
	Key        TileKey   `json:"key"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports a lease removed by SweepExpired.
type Expired struct {
	Key    TileKey
	Holder string
}

type record struct {
	holder     string
	token      string
	acquiredAt time.Time
	expiresAt  time.Time
}

func (r *record) info(key TileKey) Info {
	return Info{
		Key:        key,
		Holder:     r.holder,
		AcquiredAt: r.acquiredAt,
		ExpiresAt:  r.expiresAt,
	}
}

type shard struct {
	mu    sync.Mutex
	locks map[TileKey]*record
}

// Table holds per-tile exclusive locks with TTL leases. Keys are
// partitioned across shards so operations on unrelated tiles never
// contend; a record whose lease has elapsed is treated as absent and
// reclaimed by whichever operation touches it first.
type Table struct {
	shards []*shard
	now    func() time.Time
}

// Option configures a Table.
type Option func(*Table)

// WithShardCount sets the number of shards. Values below one keep the default.
func WithShardCount(n int) Option {
	return func(t *Table) {
		if n > 0 {
			t.setShards(n)
		}
	}
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Table) {
		if now != nil {
			t.now = now
		}
	}
}

// New returns an empty lock table.
func New(opts ...Option) *Table {
	t := &Table{now: time.Now}
	t.setShards(defaultShardCount)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Table) setShards(n int) {
	t.shards = make([]*shard, n)
	for i := range t.shards {
		t.shards[i] = &shard{locks: make(map[TileKey]*record)}
	}
}

func (t *Table) shardFor(key TileKey) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

func conflict(key TileKey, rec *record) error {
	return &muralerrors.ConflictError{
		Canvas:    key.Canvas,
		X:         key.X,
		Y:         key.Y,
		Holder:    rec.holder,
		ExpiresAt: rec.expiresAt,
	}
}

// Acquire grants an exclusive lease on key to user. Exactly one caller
// wins when several race on the same free tile; losers receive a
// ConflictError naming the live holder. Re-acquiring a tile already held
// by user refreshes the lease and returns the original token, so
// in-flight submissions referencing it stay valid.
func (t *Table) Acquire(key TileKey, user string, lease time.Duration) (*Grant, error) {
	if lease <= 0 {
		return nil, ErrInvalidLease
	}
	now := t.now()
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.locks[key]; ok {
		if now.Before(rec.expiresAt) {
			if rec.holder == user {
				rec.expiresAt = now.Add(lease)
				return &Grant{Token: rec.token, ExpiresAt: rec.expiresAt}, nil
			}
			return nil, conflict(key, rec)
		}
		delete(s.locks, key)
	}

	token, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	rec := &record{
		holder:     user,
		token:      token,
		acquiredAt: now,
		expiresAt:  now.Add(lease),
	}
	s.locks[key] = rec
	return &Grant{Token: token, ExpiresAt: rec.expiresAt}, nil
}

// Extend renews the lease through token and returns the refreshed lock
// info. The new expiry is now plus additional.
func (t *Table) Extend(key TileKey, token string, additional time.Duration) (Info, error) {
	if additional <= 0 {
		return Info{}, ErrInvalidLease
	}
	now := t.now()
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.locks[key]
	if !ok || !now.Before(rec.expiresAt) {
		if ok {
			delete(s.locks, key)
		}
		return Info{}, muralerrors.ErrLockNotFound
	}
	if rec.token != token {
		return Info{}, conflict(key, rec)
	}
	rec.expiresAt = now.Add(additional)
	return rec.info(key), nil
}

// Release frees the lock if token matches the live record and returns
// the holder it belonged to. Releasing an already released or expired
// lock reports ErrLockNotFound so callers can treat the lock as settled
// rather than abort.
func (t *Table) Release(key TileKey, token string) (string, error) {
	now := t.now()
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.locks[key]
	if !ok || !now.Before(rec.expiresAt) {
		if ok {
			delete(s.locks, key)
		}
		return "", muralerrors.ErrLockNotFound
	}
	if rec.token != token {
		return "", conflict(key, rec)
	}
	delete(s.locks, key)
	return rec.holder, nil
}

// Validate reports whether token still matches a live lock on key and
// returns its info.
func (t *Table) Validate(key TileKey, token string) (Info, error) {
	now := t.now()
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.locks[key]
	if !ok || !now.Before(rec.expiresAt) {
		if ok {
			delete(s.locks, key)
		}
		return Info{}, muralerrors.ErrLockNotFound
	}
	if rec.token != token {
		return Info{}, conflict(key, rec)
	}
	return rec.info(key), nil
}

// ForceRelease removes the lock regardless of token and returns the
// holder it belonged to. Meant for operator tooling reclaiming a tile
// whose holder cannot present the token.
func (t *Table) ForceRelease(key TileKey) (string, error) {
	now := t.now()
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.locks[key]
	if !ok || !now.Before(rec.expiresAt) {
		if ok {
			delete(s.locks, key)
		}
		return "", muralerrors.ErrLockNotFound
	}
	holder := rec.holder
	delete(s.locks, key)
	return holder, nil
}

// SweepExpired removes every lease elapsed at now and reports what was
// reclaimed.
func (t *Table) SweepExpired(now time.Time) []Expired {
	var out []Expired
	for _, s := range t.shards {
		s.mu.Lock()
		for key, rec := range s.locks {
			if !now.Before(rec.expiresAt) {
				out = append(out, Expired{Key: key, Holder: rec.holder})
				delete(s.locks, key)
			}
		}
		s.mu.Unlock()
	}
	return out
}

// ExpiredKeys lists the keys whose lease has elapsed at now without
// removing them. Callers that must interleave reclamation with other
// per-tile work pair this with Reclaim.
func (t *Table) ExpiredKeys(now time.Time) []TileKey {
	var out []TileKey
	for _, s := range t.shards {
		s.mu.Lock()
		for key, rec := range s.locks {
			if !now.Before(rec.expiresAt) {
				out = append(out, key)
			}
		}
		s.mu.Unlock()
	}
	return out
}

// Reclaim removes the lock on key only if its lease has elapsed at now,
// returning the removed record's info. It reports false when the tile
// is free or the lock is still live, so a lease renewed since an
// ExpiredKeys scan survives.
func (t *Table) Reclaim(key TileKey, now time.Time) (Info, bool) {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.locks[key]
	if !ok || now.Before(rec.expiresAt) {
		return Info{}, false
	}
	delete(s.locks, key)
	return rec.info(key), true
}

// Snapshot lists the live locks of one canvas, ordered by coordinates.
func (t *Table) Snapshot(canvas string) []Info {
	now := t.now()
	var out []Info
	for _, s := range t.shards {
		s.mu.Lock()
		for key, rec := range s.locks {
			if key.Canvas != canvas || !now.Before(rec.expiresAt) {
				continue
			}
			out = append(out, Info{
				Key:        key,
				Holder:     rec.holder,
				AcquiredAt: rec.acquiredAt,
				ExpiresAt:  rec.expiresAt,
			})
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Y != out[j].Key.Y {
			return out[i].Key.Y < out[j].Key.Y
		}
		return out[i].Key.X < out[j].Key.X
	})
	return out
}

// Len reports the number of live locks across all canvases.
func (t *Table) Len() int {
	now := t.now()
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for _, rec := range s.locks {
			if now.Before(rec.expiresAt) {
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}
