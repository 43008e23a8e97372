package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/mirkobrombin/go-mural/v1/lock"
)

// TileStore abstracts the durable persistence of tile pixel payloads.
// The collaboration core treats it as an external collaborator: calls
// are synchronous from the core's perspective and the store is
// responsible for its own timeouts.
type TileStore interface {
	// Save persists the pixel payload for a tile.
	Save(ctx context.Context, key lock.TileKey, pixels []byte) error
	// Load retrieves the pixel payload for a tile.
	// The boolean return indicates whether the tile was found.
	Load(ctx context.Context, key lock.TileKey) ([]byte, bool, error)
}

// InMemoryTileStore is a TileStore backed by a map. Failure injection
// and artificial latency make it the workhorse of the core tests.
type InMemoryTileStore struct {
	mu    sync.RWMutex
	tiles map[lock.TileKey][]byte

	failNext  error
	saveDelay time.Duration
}

// NewInMemoryTileStore returns an empty in-memory store.
func NewInMemoryTileStore() *InMemoryTileStore {
	return &InMemoryTileStore{tiles: make(map[lock.TileKey][]byte)}
}

// FailNext makes the next Save return err instead of persisting.
func (s *InMemoryTileStore) FailNext(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

// SetSaveDelay makes every Save sleep for d before persisting.
func (s *InMemoryTileStore) SetSaveDelay(d time.Duration) {
	s.mu.Lock()
	s.saveDelay = d
	s.mu.Unlock()
}

// Save implements TileStore.Save.
func (s *InMemoryTileStore) Save(ctx context.Context, key lock.TileKey, pixels []byte) error {
	s.mu.Lock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		s.mu.Unlock()
		return err
	}
	delay := s.saveDelay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	buf := make([]byte, len(pixels))
	copy(buf, pixels)
	s.mu.Lock()
	s.tiles[key] = buf
	s.mu.Unlock()
	return nil
}

// Load implements TileStore.Load.
func (s *InMemoryTileStore) Load(ctx context.Context, key lock.TileKey) ([]byte, bool, error) {
	s.mu.RLock()
	pixels, ok := s.tiles[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	buf := make([]byte, len(pixels))
	copy(buf, pixels)
	return buf, true, nil
}

// Len reports the number of stored tiles.
func (s *InMemoryTileStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tiles)
}
