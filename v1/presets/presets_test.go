package presets

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/go-mural/v1/core"
	"github.com/mirkobrombin/go-mural/v1/lock"
)

func exerciseTileCycle(t *testing.T, coord *core.Coordinator) {
	t.Helper()
	ctx := context.Background()
	key := lock.TileKey{Canvas: "c1", X: 1, Y: 1}

	grant, err := coord.Acquire(ctx, key, "alice", "")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := coord.SubmitEdit(ctx, key, grant.Token, []byte{1, 2, 3}, ""); err != nil {
		t.Fatalf("SubmitEdit failed: %v", err)
	}
	pixels, err := coord.LoadTile(ctx, key)
	if err != nil {
		t.Fatalf("LoadTile failed: %v", err)
	}
	if !bytes.Equal(pixels, []byte{1, 2, 3}) {
		t.Fatalf("expected committed pixels, got %v", pixels)
	}
}

func TestNewStandalone(t *testing.T) {
	coord := NewStandalone()
	defer coord.Close()

	exerciseTileCycle(t, coord)
}

func TestNewRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	coord := NewRedis(RedisOptions{Addr: mr.Addr()})
	defer coord.Close()

	exerciseTileCycle(t, coord)
	if coord.Stats().Cache == nil {
		t.Fatal("redis preset should enable the tile cache")
	}
}

func TestNewSQLite(t *testing.T) {
	coord, err := NewSQLite(filepath.Join(t.TempDir(), "tiles.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	defer coord.Close()

	exerciseTileCycle(t, coord)
}
