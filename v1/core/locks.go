package core

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	muralerrors "github.com/mirkobrombin/go-mural/v1/errors"
	"github.com/mirkobrombin/go-mural/v1/eventbus"
	"github.com/mirkobrombin/go-mural/v1/lock"
	"github.com/mirkobrombin/go-mural/v1/metrics"
)

func tileAttributes(key lock.TileKey) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("mural.canvas", key.Canvas),
		attribute.Int("mural.tile.x", key.X),
		attribute.Int("mural.tile.y", key.Y),
	)
}

// Acquire claims the tile for user under the configured lease. Callers
// operating through a live connection pass its conn ID so a disconnect
// releases the lock; connectionless callers pass an empty one and rely
// on lease expiry. The grant token travels only to the acquirer.
func (c *Coordinator) Acquire(ctx context.Context, key lock.TileKey, user, connID string) (*lock.Grant, error) {
	var span trace.Span
	if c.traceEnabled {
		ctx, span = tracer.Start(ctx, "Coordinator.Acquire", tileAttributes(key))
		defer span.End()
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	mu := c.tileLock(key)
	mu.Lock()
	defer mu.Unlock()

	grant, err := c.table.Acquire(key, user, c.lease)
	if err != nil {
		if errors.Is(err, muralerrors.ErrLockConflict) {
			metrics.ConflictCounter.Inc()
		}
		return nil, err
	}
	c.track(connID, key, grant.Token)
	metrics.AcquiredCounter.Inc()
	metrics.LockGauge.Set(float64(c.table.Len()))
	c.publish(ctx, key.Canvas, eventbus.KindTileLocked, eventbus.TileLockedPayload{
		Key:       key,
		Holder:    user,
		ExpiresAt: grant.ExpiresAt,
	})
	return grant, nil
}

// Extend renews the lease by additional, or by the default lease when
// additional is zero or negative, and returns the new expiry.
func (c *Coordinator) Extend(ctx context.Context, key lock.TileKey, token string, additional time.Duration) (time.Time, error) {
	var span trace.Span
	if c.traceEnabled {
		ctx, span = tracer.Start(ctx, "Coordinator.Extend", tileAttributes(key))
		defer span.End()
	}
	select {
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	default:
	}
	if additional <= 0 {
		additional = c.lease
	}

	mu := c.tileLock(key)
	mu.Lock()
	defer mu.Unlock()

	info, err := c.table.Extend(key, token, additional)
	if err != nil {
		return time.Time{}, err
	}
	if !c.quietExtends {
		c.publish(ctx, key.Canvas, eventbus.KindLockExtended, eventbus.LockExtendedPayload{
			Key:       key,
			Holder:    info.Holder,
			ExpiresAt: info.ExpiresAt,
		})
	}
	return info.ExpiresAt, nil
}

// Release frees the tile without committing anything.
func (c *Coordinator) Release(ctx context.Context, key lock.TileKey, token, connID string) error {
	var span trace.Span
	if c.traceEnabled {
		ctx, span = tracer.Start(ctx, "Coordinator.Release", tileAttributes(key))
		defer span.End()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	mu := c.tileLock(key)
	mu.Lock()
	defer mu.Unlock()

	holder, err := c.table.Release(key, token)
	if err != nil {
		return err
	}
	c.untrack(connID, key)
	metrics.ReleasedCounter.WithLabelValues(string(eventbus.ReleaseExplicit)).Inc()
	metrics.LockGauge.Set(float64(c.table.Len()))
	c.publish(ctx, key.Canvas, eventbus.KindTileReleased, eventbus.TileReleasedPayload{
		Key:    key,
		Holder: holder,
		Reason: eventbus.ReleaseExplicit,
	})
	return nil
}

// SubmitEdit validates the lock, persists the tile and releases the
// lock as one committed step. On a store failure the lock stays held so
// the editor can retry within the lease; the returned StoreError names
// the tile. A lease that lapses while the save is in flight does not
// void the edit, and whoever holds the tile afterwards keeps their lock
// untouched.
func (c *Coordinator) SubmitEdit(ctx context.Context, key lock.TileKey, token string, pixels []byte, connID string) error {
	var span trace.Span
	if c.traceEnabled {
		ctx, span = tracer.Start(ctx, "Coordinator.SubmitEdit", tileAttributes(key))
		defer span.End()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	mu := c.tileLock(key)
	mu.Lock()
	info, err := c.table.Validate(key, token)
	mu.Unlock()
	if err != nil {
		return err
	}

	// The save runs outside the tile's critical section so a slow store
	// never stalls other operations on the canvas.
	if err := c.store.Save(ctx, key, pixels); err != nil {
		metrics.StoreErrorCounter.Inc()
		return &muralerrors.StoreError{Canvas: key.Canvas, X: key.X, Y: key.Y, Err: err}
	}
	if c.tiles != nil {
		_ = c.tiles.Refresh(ctx, key, pixels)
	}

	mu.Lock()
	defer mu.Unlock()
	c.untrack(connID, key)
	update := eventbus.TileUpdatedPayload{Key: key, Editor: info.Holder, Pixels: pixels}
	if _, err := c.table.Release(key, token); err != nil {
		// The lease lapsed during the save; the sweep or the next
		// holder already owns the released broadcast.
		c.publish(ctx, key.Canvas, eventbus.KindTileUpdated, update)
		return nil
	}
	metrics.ReleasedCounter.WithLabelValues(string(eventbus.ReleaseCommitted)).Inc()
	metrics.LockGauge.Set(float64(c.table.Len()))
	c.publish(ctx, key.Canvas, eventbus.KindTileUpdated, update)
	c.publish(ctx, key.Canvas, eventbus.KindTileReleased, eventbus.TileReleasedPayload{
		Key:    key,
		Holder: info.Holder,
		Reason: eventbus.ReleaseCommitted,
	})
	return nil
}

// LoadTile returns the tile's last committed pixels, through the read
// cache when one is configured.
func (c *Coordinator) LoadTile(ctx context.Context, key lock.TileKey) ([]byte, error) {
	var span trace.Span
	if c.traceEnabled {
		ctx, span = tracer.Start(ctx, "Coordinator.LoadTile", tileAttributes(key))
		defer span.End()
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var (
		pixels []byte
		ok     bool
		err    error
	)
	if c.tiles != nil {
		pixels, ok, err = c.tiles.Load(ctx, key)
	} else {
		pixels, ok, err = c.store.Load(ctx, key)
	}
	if err != nil {
		return nil, &muralerrors.StoreError{Canvas: key.Canvas, X: key.X, Y: key.Y, Err: err}
	}
	if !ok {
		return nil, muralerrors.ErrTileNotFound
	}
	return pixels, nil
}

func (c *Coordinator) track(connID string, key lock.TileKey, token string) {
	if connID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[connID]; ok {
		s.locks[key] = token
	}
}

func (c *Coordinator) untrack(connID string, key lock.TileKey) {
	if connID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[connID]; ok {
		delete(s.locks, key)
	}
}
