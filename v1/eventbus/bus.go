package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	muralerrors "github.com/mirkobrombin/go-mural/v1/errors"
)

// DefaultQueueSize bounds each subscriber's outbound queue.
const DefaultQueueSize = 256

// Subscription is one connection's bounded view of a canvas stream. Its
// channel closes when the connection unsubscribes or is evicted.
type Subscription struct {
	canvas string
	connID string
	ch     chan Event
	bus    *Bus

	mu  sync.Mutex
	err error
}

// C returns the event channel. Consuming it is the only blocking
// operation in the component.
func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Err reports why the channel closed: ErrQueueOverflow after a
// slow-consumer eviction, ErrClosed after a bus shutdown, nil after a
// plain unsubscribe. Meaningful once C() is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Canvas returns the canvas this subscription listens on.
func (s *Subscription) Canvas() string { return s.canvas }

// ConnID returns the connection the subscription belongs to.
func (s *Subscription) ConnID() string { return s.connID }

// Close drops the subscription. Safe to call more than once and after
// an eviction already removed it.
func (s *Subscription) Close() { s.bus.drop(s) }

// stream holds one canvas's sequence counter and subscriber queues.
// Streams persist for the process lifetime so sequence numbers stay
// monotonic across membership churn.
type stream struct {
	mu   sync.Mutex
	seq  uint64
	subs map[string]*Subscription
}

// Bus delivers events to room subscribers in publish order. Each
// subscriber owns a bounded queue; a publish that finds a queue full
// evicts that subscriber instead of blocking the publisher or dropping
// the event silently.
type Bus struct {
	queueSize int
	onEvict   func(canvas, connID string)
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	closed  bool
	streams map[string]*stream

	enqueued    prometheus.Counter
	subscribers prometheus.Gauge
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the per-subscriber queue bound.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithEvictHandler sets the hook invoked after a slow subscriber is
// evicted. It runs on its own goroutine, outside bus locks, so the
// handler may publish.
func WithEvictHandler(fn func(canvas, connID string)) Option {
	return func(b *Bus) {
		b.onEvict = fn
	}
}

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(b *Bus) {
		b.enqueued = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mural_bus_enqueued_total",
			Help: "Total number of events enqueued to subscriber queues",
		})
		b.subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mural_bus_subscribers",
			Help: "Current number of room subscribers",
		})
		reg.MustRegister(b.enqueued, b.subscribers)
	}
}

// New returns an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		queueSize: DefaultQueueSize,
		logger:    slog.New(slog.DiscardHandler),
		now:       time.Now,
		streams:   make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) stream(canvas string) *stream {
	b.mu.RLock()
	st, ok := b.streams[canvas]
	b.mu.RUnlock()
	if ok {
		return st
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok = b.streams[canvas]; ok {
		return st
	}
	st = &stream{subs: make(map[string]*Subscription)}
	b.streams[canvas] = st
	return st
}

// Publish stamps the next sequence number of canvas on the event and
// enqueues it to every subscriber. Returns the assigned sequence
// number; a publish with no subscribers still consumes one.
func (b *Bus) Publish(ctx context.Context, canvas string, kind Kind, payload any) (uint64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0, muralerrors.ErrClosed
	}
	b.mu.RUnlock()

	st := b.stream(canvas)
	var evicted []*Subscription
	delivered := 0

	st.mu.Lock()
	st.seq++
	ev := Event{Canvas: canvas, Seq: st.seq, Kind: kind, At: b.now(), Payload: payload}
	for connID, sub := range st.subs {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			delete(st.subs, connID)
			evicted = append(evicted, sub)
		}
	}
	st.mu.Unlock()

	if b.enqueued != nil {
		b.enqueued.Add(float64(delivered))
	}
	for _, sub := range evicted {
		sub.fail(muralerrors.ErrQueueOverflow)
		close(sub.ch)
		if b.subscribers != nil {
			b.subscribers.Dec()
		}
		b.logger.Warn("evicting slow subscriber",
			"canvas", canvas, "conn", sub.connID, "seq", ev.Seq)
		if b.onEvict != nil {
			go b.onEvict(canvas, sub.connID)
		}
	}
	return ev.Seq, nil
}

// Subscribe registers a bounded queue for connID on canvas. A second
// subscribe with the same connID replaces the first, closing its channel.
func (b *Bus) Subscribe(ctx context.Context, canvas, connID string) (*Subscription, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, muralerrors.ErrClosed
	}
	b.mu.RUnlock()

	st := b.stream(canvas)
	sub := &Subscription{canvas: canvas, connID: connID, ch: make(chan Event, b.queueSize), bus: b}

	var prev *Subscription
	st.mu.Lock()
	if p, ok := st.subs[connID]; ok {
		prev = p
	}
	st.subs[connID] = sub
	st.mu.Unlock()

	if prev != nil {
		close(prev.ch)
	} else if b.subscribers != nil {
		b.subscribers.Inc()
	}
	return sub, nil
}

// Unsubscribe drops connID's queue on canvas, closing its channel. A
// no-op when the subscription is already gone.
func (b *Bus) Unsubscribe(canvas, connID string) {
	st := b.stream(canvas)
	st.mu.Lock()
	sub, ok := st.subs[connID]
	if ok {
		delete(st.subs, connID)
	}
	st.mu.Unlock()
	if ok {
		close(sub.ch)
		if b.subscribers != nil {
			b.subscribers.Dec()
		}
	}
}

func (b *Bus) drop(s *Subscription) {
	st := b.stream(s.canvas)
	st.mu.Lock()
	cur, ok := st.subs[s.connID]
	if ok && cur == s {
		delete(st.subs, s.connID)
	} else {
		ok = false
	}
	st.mu.Unlock()
	if ok {
		close(s.ch)
		if b.subscribers != nil {
			b.subscribers.Dec()
		}
	}
}

// CurrentSeq reports the last sequence number assigned on canvas.
func (b *Bus) CurrentSeq(canvas string) uint64 {
	st := b.stream(canvas)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.seq
}

// Close drops every subscription and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	streams := make([]*stream, 0, len(b.streams))
	for _, st := range b.streams {
		streams = append(streams, st)
	}
	b.mu.Unlock()

	for _, st := range streams {
		st.mu.Lock()
		for connID, sub := range st.subs {
			delete(st.subs, connID)
			sub.fail(muralerrors.ErrClosed)
			close(sub.ch)
			if b.subscribers != nil {
				b.subscribers.Dec()
			}
		}
		st.mu.Unlock()
	}
}
