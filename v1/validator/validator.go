// Package validator audits committed tiles against the tile store. It
// consumes the event stream as a relay sink: every tile_updated event
// triggers a reload of the stored bytes, which are compared against
// the broadcast pixels. The audit trails the stream, so back-to-back
// commits to one tile can flag a mismatch that the next event clears.
package validator

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"sync/atomic"

	"github.com/mirkobrombin/go-mural/v1/adapter"
	"github.com/mirkobrombin/go-mural/v1/eventbus"
)

// Mode defines how the validator reacts to a mismatch.
type Mode int

const (
	// ModeNoop counts mismatches and nothing else.
	ModeNoop Mode = iota
	// ModeAlert logs every mismatch.
	ModeAlert
	// ModeAutoHeal rewrites the store with the broadcast pixels.
	ModeAutoHeal
)

// Validator compares committed broadcasts with the tile store.
type Validator struct {
	store  adapter.TileStore
	mode   Mode
	logger *slog.Logger

	checked    uint64
	mismatches uint64
	healed     uint64
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger used in ModeAlert and ModeAutoHeal. The
// default discards all output.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.logger = l
		}
	}
}

// New creates a Validator auditing store.
func New(store adapter.TileStore, mode Mode, opts ...Option) *Validator {
	v := &Validator{
		store:  store,
		mode:   mode,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Publish implements relay.Sink. Events other than tile updates pass
// through untouched.
func (v *Validator) Publish(ctx context.Context, ev eventbus.Event) error {
	if ev.Kind != eventbus.KindTileUpdated {
		return nil
	}
	payload, ok := ev.Payload.(eventbus.TileUpdatedPayload)
	if !ok {
		return nil
	}
	v.check(ctx, payload)
	return nil
}

// Close implements relay.Sink.
func (v *Validator) Close() error {
	return nil
}

func (v *Validator) check(ctx context.Context, p eventbus.TileUpdatedPayload) {
	atomic.AddUint64(&v.checked, 1)

	stored, found, err := v.store.Load(ctx, p.Key)
	if err != nil {
		v.logger.Warn("audit load failed", "tile", p.Key.String(), "err", err)
		return
	}
	if found && sha256.Sum256(stored) == sha256.Sum256(p.Pixels) {
		return
	}

	atomic.AddUint64(&v.mismatches, 1)
	if v.mode == ModeNoop {
		return
	}
	v.logger.Warn("stored tile diverges from commit",
		"tile", p.Key.String(), "editor", p.Editor, "found", found)
	if v.mode != ModeAutoHeal {
		return
	}
	if err := v.store.Save(ctx, p.Key, p.Pixels); err != nil {
		v.logger.Warn("audit heal failed", "tile", p.Key.String(), "err", err)
		return
	}
	atomic.AddUint64(&v.healed, 1)
}

// Stats reports audit counters.
type Stats struct {
	Checked    uint64 `json:"checked"`
	Mismatches uint64 `json:"mismatches"`
	Healed     uint64 `json:"healed"`
}

// Metrics returns current audit counters.
func (v *Validator) Metrics() Stats {
	return Stats{
		Checked:    atomic.LoadUint64(&v.checked),
		Mismatches: atomic.LoadUint64(&v.mismatches),
		Healed:     atomic.LoadUint64(&v.healed),
	}
}
