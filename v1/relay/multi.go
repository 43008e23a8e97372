package relay

import (
	"context"
	"errors"

	"github.com/mirkobrombin/go-mural/v1/eventbus"
)

// MultiSink fans every event out to a group of sinks.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks into one. Publish tries every sink even
// when an earlier one fails.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Publish implements Sink.
func (m *MultiSink) Publish(ctx context.Context, ev eventbus.Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink, closing every member.
func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
