// Package core wires the lock table, room registry, event bus, tile
// store and optional relay into one coordinator, the single entry point
// a transport layer talks to. Every state transition flows through it
// so the per-canvas event order always reflects the lock table.
package core

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/mirkobrombin/go-mural/v1/adapter"
	"github.com/mirkobrombin/go-mural/v1/eventbus"
	"github.com/mirkobrombin/go-mural/v1/lock"
	"github.com/mirkobrombin/go-mural/v1/metrics"
	"github.com/mirkobrombin/go-mural/v1/relay"
	"github.com/mirkobrombin/go-mural/v1/room"
	"github.com/mirkobrombin/go-mural/v1/tilecache"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-mural/v1/core")

// DefaultLease is how long an acquired tile lock lives without renewal.
const DefaultLease = 60 * time.Second

const tileShards = 64

// ErrMissingIdentity is returned when a join lacks a canvas, connection
// or user ID.
var ErrMissingIdentity = errors.New("mural: canvas, connection and user IDs must be set")

type options struct {
	lease        time.Duration
	timeout      time.Duration
	queueSize    int
	sweepEvery   time.Duration
	staleEvery   time.Duration
	quietExtends bool
	traceEnabled bool
	logger       *slog.Logger
	now          func() time.Time
	registerer   prometheus.Registerer
	cacheTiles   bool
	cacheOpts    []tilecache.Option
	sink         relay.Sink
}

// Option configures a Coordinator.
type Option func(*options)

// WithLease sets the lock lease duration.
func WithLease(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lease = d
		}
	}
}

// WithHeartbeatTimeout sets how long a silent connection stays a member.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithQueueSize bounds each subscriber's event queue.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithSweepInterval overrides the expired-lock sweep cadence. The
// default is a quarter of the lease.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sweepEvery = d
		}
	}
}

// WithStaleSweepInterval overrides the stale-membership sweep cadence.
// The default is a third of the heartbeat timeout.
func WithStaleSweepInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.staleEvery = d
		}
	}
}

// WithQuietExtends suppresses the tile_lock_extended broadcast; renewal
// results still reach the caller directly.
func WithQuietExtends() Option {
	return func(o *options) {
		o.quietExtends = true
	}
}

// WithTracing enables OpenTelemetry tracing for coordinator operations.
func WithTracing() Option {
	return func(o *options) {
		o.traceEnabled = true
	}
}

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMetrics enables per-bus Prometheus metrics using the provided
// registerer. The package-level counters in v1/metrics are updated
// regardless.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithTileCache puts a read-through cache in front of the tile store.
func WithTileCache(opts ...tilecache.Option) Option {
	return func(o *options) {
		o.cacheTiles = true
		o.cacheOpts = opts
	}
}

// WithRelay mirrors every broadcast event into sink through a
// forwarder. The sink stays open after Close; its owner closes it.
func WithRelay(sink relay.Sink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

type session struct {
	locks map[lock.TileKey]string // tile -> lock token
}

// Coordinator drives canvas rooms: membership, tile locks, committed
// edits and the event stream that mirrors them.
type Coordinator struct {
	table *lock.Table
	rooms *room.Registry
	bus   *eventbus.Bus
	store adapter.TileStore
	tiles *tilecache.Cache
	relay *relay.Forwarder

	lease        time.Duration
	quietExtends bool
	traceEnabled bool
	logger       *slog.Logger
	now          func() time.Time

	// tileMu serializes each tile's table mutation with its broadcast
	// so subscribers never observe lock transitions out of order.
	tileMu [tileShards]sync.Mutex

	mu       sync.Mutex
	sessions map[string]*session

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a coordinator over store and starts its background
// sweeps. Callers must Close it.
func New(store adapter.TileStore, opts ...Option) *Coordinator {
	o := options{
		lease:     DefaultLease,
		timeout:   room.DefaultHeartbeatTimeout,
		queueSize: eventbus.DefaultQueueSize,
		logger:    slog.New(slog.DiscardHandler),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.sweepEvery <= 0 {
		o.sweepEvery = o.lease / 4
	}
	if o.staleEvery <= 0 {
		o.staleEvery = o.timeout / 3
	}

	c := &Coordinator{
		store:        store,
		lease:        o.lease,
		quietExtends: o.quietExtends,
		traceEnabled: o.traceEnabled,
		logger:       o.logger,
		now:          o.now,
		sessions:     make(map[string]*session),
	}
	c.table = lock.New(lock.WithClock(o.now))
	c.rooms = room.New(room.WithHeartbeatTimeout(o.timeout), room.WithClock(o.now))

	busOpts := []eventbus.Option{
		eventbus.WithQueueSize(o.queueSize),
		eventbus.WithLogger(o.logger),
		eventbus.WithClock(o.now),
		eventbus.WithEvictHandler(c.onEvict),
	}
	if o.registerer != nil {
		busOpts = append(busOpts, eventbus.WithMetrics(o.registerer))
	}
	c.bus = eventbus.New(busOpts...)

	if o.cacheTiles {
		c.tiles = tilecache.New(store, o.cacheOpts...)
	}
	if o.sink != nil {
		c.relay = relay.NewForwarder(o.sink, relay.WithLogger(o.logger))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(2)
	go c.sweepLocks(ctx, o.sweepEvery)
	go c.sweepMembers(ctx, o.staleEvery)
	return c
}

func (c *Coordinator) tileLock(key lock.TileKey) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return &c.tileMu[h.Sum32()%tileShards]
}

// publish broadcasts on the canvas stream, counts the event and taps
// the relay. A publish refused because the bus is closing is dropped.
func (c *Coordinator) publish(ctx context.Context, canvas string, kind eventbus.Kind, payload any) {
	seq, err := c.bus.Publish(ctx, canvas, kind, payload)
	if err != nil {
		return
	}
	metrics.PublishedCounter.WithLabelValues(string(kind)).Inc()
	if c.relay != nil {
		c.relay.Enqueue(eventbus.Event{
			Canvas:  canvas,
			Seq:     seq,
			Kind:    kind,
			At:      c.now(),
			Payload: payload,
		})
	}
}

func (c *Coordinator) refreshGauges() {
	canvases := c.rooms.Canvases()
	total := 0
	for _, id := range canvases {
		total += c.rooms.Count(id)
	}
	metrics.RoomGauge.Set(float64(len(canvases)))
	metrics.MemberGauge.Set(float64(total))
	metrics.LockGauge.Set(float64(c.table.Len()))
}

// Snapshot is the room state at join time.
type Snapshot struct {
	Seq     uint64
	Locks   []lock.Info
	Members []room.Member
}

// Session is a live connection's view of a room: its event subscription
// plus the state snapshot to render before applying events. Queued
// events with a seq at or below Snapshot.Seq are already reflected in
// the snapshot and can be discarded.
type Session struct {
	Canvas   string
	ConnID   string
	User     string
	Events   *eventbus.Subscription
	Snapshot Snapshot
}

// Join adds the connection to the canvas room and returns its session.
// Joining again with the same connection ID replaces the previous
// subscription and refreshes the membership; locks acquired earlier on
// that connection stay tracked.
func (c *Coordinator) Join(ctx context.Context, canvas, connID, user string) (*Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if canvas == "" || connID == "" || user == "" {
		return nil, ErrMissingIdentity
	}

	c.rooms.Join(canvas, connID, user)
	sub, err := c.bus.Subscribe(ctx, canvas, connID)
	if err != nil {
		c.rooms.Leave(canvas, connID)
		return nil, err
	}

	c.mu.Lock()
	if _, ok := c.sessions[connID]; !ok {
		c.sessions[connID] = &session{locks: make(map[lock.TileKey]string)}
	}
	c.mu.Unlock()

	c.publish(ctx, canvas, eventbus.KindUserJoined, eventbus.UserJoinedPayload{User: user})
	c.refreshGauges()

	return &Session{
		Canvas: canvas,
		ConnID: connID,
		User:   user,
		Events: sub,
		Snapshot: Snapshot{
			Seq:     c.bus.CurrentSeq(canvas),
			Locks:   c.table.Snapshot(canvas),
			Members: c.rooms.Members(canvas),
		},
	}, nil
}

// Heartbeat marks the connection as alive. It reports false when the
// membership is unknown or already timed out, telling the caller to
// re-join.
func (c *Coordinator) Heartbeat(canvas, connID string) bool {
	return c.rooms.Heartbeat(canvas, connID, c.now())
}

// Leave removes the connection from its room, releases every lock it
// acquired and announces the departure. Leaving twice, or without ever
// having joined, is a no-op.
func (c *Coordinator) Leave(ctx context.Context, canvas, connID string) {
	user, ok := c.rooms.Leave(canvas, connID)
	c.cascade(ctx, canvas, connID, user, ok, eventbus.LeaveExplicit)
}

// onEvict runs on its own goroutine whenever the bus disconnects a slow
// subscriber; the connection is treated as gone and must re-join.
func (c *Coordinator) onEvict(canvas, connID string) {
	metrics.EvictedCounter.Inc()
	c.logger.Info("disconnecting slow consumer", "canvas", canvas, "conn", connID)
	user, ok := c.rooms.Leave(canvas, connID)
	c.cascade(context.Background(), canvas, connID, user, ok, eventbus.LeaveSlowConsumer)
}

// cascade tears down one connection: drop the subscription, release its
// tracked locks, then announce user_left so observers see the locks go
// before the member.
func (c *Coordinator) cascade(ctx context.Context, canvas, connID, user string, announce bool, reason eventbus.LeaveReason) {
	c.bus.Unsubscribe(canvas, connID)

	c.mu.Lock()
	s := c.sessions[connID]
	delete(c.sessions, connID)
	c.mu.Unlock()

	if s != nil {
		for key, token := range s.locks {
			c.releaseDisconnected(ctx, key, token)
		}
	}
	if announce {
		c.publish(ctx, canvas, eventbus.KindUserLeft, eventbus.UserLeftPayload{User: user, Reason: reason})
	}
	c.refreshGauges()
}

// releaseDisconnected frees one tracked lock. Tokens that went stale
// since tracking, because the lease expired or the tile changed hands,
// are skipped; the table already settled them.
func (c *Coordinator) releaseDisconnected(ctx context.Context, key lock.TileKey, token string) {
	mu := c.tileLock(key)
	mu.Lock()
	defer mu.Unlock()
	holder, err := c.table.Release(key, token)
	if err != nil {
		return
	}
	metrics.ReleasedCounter.WithLabelValues(string(eventbus.ReleaseDisconnect)).Inc()
	c.publish(ctx, key.Canvas, eventbus.KindTileReleased, eventbus.TileReleasedPayload{
		Key:    key,
		Holder: holder,
		Reason: eventbus.ReleaseDisconnect,
	})
}

// Members lists the canvas room's current members.
func (c *Coordinator) Members(canvas string) []room.Member {
	return c.rooms.Members(canvas)
}

// Locks lists the canvas's live tile locks.
func (c *Coordinator) Locks(canvas string) []lock.Info {
	return c.table.Snapshot(canvas)
}

// Seq returns the canvas's last assigned event sequence number.
func (c *Coordinator) Seq(canvas string) uint64 {
	return c.bus.CurrentSeq(canvas)
}

// Stats aggregates the coordinator's live counts.
type Stats struct {
	Canvases int              `json:"canvases"`
	Members  int              `json:"members"`
	Locks    int              `json:"locks"`
	Cache    *tilecache.Stats `json:"cache,omitempty"`
	Relay    *relay.Metrics   `json:"relay,omitempty"`
}

// Stats reports room, lock, cache and relay counters.
func (c *Coordinator) Stats() Stats {
	canvases := c.rooms.Canvases()
	st := Stats{
		Canvases: len(canvases),
		Locks:    c.table.Len(),
	}
	for _, id := range canvases {
		st.Members += c.rooms.Count(id)
	}
	if c.tiles != nil {
		m := c.tiles.Metrics()
		st.Cache = &m
	}
	if c.relay != nil {
		m := c.relay.Metrics()
		st.Relay = &m
	}
	return st
}

// Close stops the sweeps, closes every subscription and flushes the
// relay. The tile store is left open for its owner.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		c.bus.Close()
		if c.relay != nil {
			c.relay.Close()
		}
		if c.tiles != nil {
			c.tiles.Close()
		}
	})
}
