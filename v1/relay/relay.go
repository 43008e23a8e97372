// Package relay mirrors the ordered event stream of each canvas to
// off-process observers such as dashboards and archives. The relay is
// strictly downstream of the lock path: it may drop events under
// pressure but never delays or blocks a room.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mirkobrombin/go-mural/v1/eventbus"
)

// Sink delivers events somewhere outside the process.
type Sink interface {
	Publish(ctx context.Context, ev eventbus.Event) error
	Close() error
}

// DefaultQueueSize bounds the forwarder queue.
const DefaultQueueSize = 1024

// Metrics reports forwarder counters.
type Metrics struct {
	Enqueued  uint64 `json:"enqueued"`
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`
}

// Forwarder decouples the room from sink latency: events go onto a
// bounded queue drained by a single goroutine. When the queue is full
// or the sink fails, the event is counted and dropped.
type Forwarder struct {
	sink   Sink
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan eventbus.Event
	wg     sync.WaitGroup

	enqueued  uint64
	forwarded uint64
	dropped   uint64
}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithQueueSize sets the forwarder queue bound.
func WithQueueSize(n int) ForwarderOption {
	return func(f *Forwarder) {
		if n > 0 {
			f.queue = make(chan eventbus.Event, n)
		}
	}
}

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) ForwarderOption {
	return func(f *Forwarder) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewForwarder starts a forwarder draining into sink.
func NewForwarder(sink Sink, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		sink:   sink,
		logger: slog.New(slog.DiscardHandler),
		queue:  make(chan eventbus.Event, DefaultQueueSize),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.wg.Add(1)
	go f.drain()
	return f
}

// Enqueue hands an event to the forwarder without blocking. Events
// arriving after Close, or while the queue is full, are dropped.
func (f *Forwarder) Enqueue(ev eventbus.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		atomic.AddUint64(&f.dropped, 1)
		return
	}
	select {
	case f.queue <- ev:
		atomic.AddUint64(&f.enqueued, 1)
	default:
		atomic.AddUint64(&f.dropped, 1)
	}
}

func (f *Forwarder) drain() {
	defer f.wg.Done()
	for ev := range f.queue {
		if err := f.sink.Publish(context.Background(), ev); err != nil {
			atomic.AddUint64(&f.dropped, 1)
			f.logger.Warn("relay publish failed",
				"canvas", ev.Canvas, "seq", ev.Seq, "err", err)
			continue
		}
		atomic.AddUint64(&f.forwarded, 1)
	}
}

// Close drains the queue and stops the forwarder. The sink itself stays
// open; its owner closes it.
func (f *Forwarder) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.queue)
	f.mu.Unlock()
	f.wg.Wait()
}

// Metrics returns the enqueued, forwarded and dropped counts.
func (f *Forwarder) Metrics() Metrics {
	return Metrics{
		Enqueued:  atomic.LoadUint64(&f.enqueued),
		Forwarded: atomic.LoadUint64(&f.forwarded),
		Dropped:   atomic.LoadUint64(&f.dropped),
	}
}
