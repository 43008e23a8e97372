package relay

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/mirkobrombin/go-mural/v1/eventbus"
)

// DefaultSubjectPrefix is prepended to the canvas ID to form the NATS
// subject an event is published on.
const DefaultSubjectPrefix = "mural.events."

// NATSSink publishes events as JSON on a per-canvas NATS subject, so
// observers can subscribe to a single canvas or to the whole stream
// with a wildcard.
type NATSSink struct {
	conn      *nats.Conn
	prefix    string
	published uint64
}

// NATSOption configures a NATSSink.
type NATSOption func(*NATSSink)

// WithSubjectPrefix overrides DefaultSubjectPrefix.
func WithSubjectPrefix(prefix string) NATSOption {
	return func(s *NATSSink) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewNATSSink creates a sink on an existing connection. The caller
// keeps ownership of the connection.
func NewNATSSink(conn *nats.Conn, opts ...NATSOption) *NATSSink {
	s := &NATSSink{
		conn:   conn,
		prefix: DefaultSubjectPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish implements Sink.Publish.
func (s *NATSSink) Publish(ctx context.Context, ev eventbus.Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := s.conn.Publish(s.prefix+ev.Canvas, data); err != nil {
		return err
	}
	atomic.AddUint64(&s.published, 1)
	return nil
}

// Close flushes buffered publishes. It does not close the connection,
// which belongs to the caller.
func (s *NATSSink) Close() error {
	return s.conn.Flush()
}

// Published returns the number of events published so far.
func (s *NATSSink) Published() uint64 {
	return atomic.LoadUint64(&s.published)
}
