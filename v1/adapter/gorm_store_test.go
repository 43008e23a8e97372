package adapter_test

import (
	"context"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-mural/v1/adapter"
	"github.com/mirkobrombin/go-mural/v1/lock"
)

func newGormTileStore(t *testing.T) *adapter.GormTileStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}

	_ = db.Migrator().DropTable("mural_tiles")

	return adapter.NewGormTileStore(db)
}

func TestGormTileStoreSaveLoad(t *testing.T) {
	s := newGormTileStore(t)
	ctx := context.Background()
	key := lock.TileKey{Canvas: "c1", X: 5, Y: 6}

	if _, ok, err := s.Load(ctx, key); err != nil || ok {
		t.Fatalf("Load missing tile: ok %v err %v", ok, err)
	}
	if err := s.Save(ctx, key, []byte{7, 8}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	pixels, ok, err := s.Load(ctx, key)
	if err != nil || !ok || len(pixels) != 2 || pixels[1] != 8 {
		t.Fatalf("Load: pixels %v ok %v err %v", pixels, ok, err)
	}
}

func TestGormTileStoreUpsert(t *testing.T) {
	s := newGormTileStore(t)
	ctx := context.Background()
	key := lock.TileKey{Canvas: "c1", X: 1, Y: 1}

	if err := s.Save(ctx, key, []byte{1}); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := s.Save(ctx, key, []byte{2}); err != nil {
		t.Fatalf("second save: %v", err)
	}
	pixels, ok, err := s.Load(ctx, key)
	if err != nil || !ok || len(pixels) != 1 || pixels[0] != 2 {
		t.Fatalf("expected overwritten pixels, got %v ok %v err %v", pixels, ok, err)
	}
}

func TestGormTileStoreKeysAreComposite(t *testing.T) {
	s := newGormTileStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, lock.TileKey{Canvas: "c1", X: 0, Y: 0}, []byte{1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, lock.TileKey{Canvas: "c2", X: 0, Y: 0}, []byte{2}); err != nil {
		t.Fatalf("save: %v", err)
	}
	pixels, ok, err := s.Load(ctx, lock.TileKey{Canvas: "c2", X: 0, Y: 0})
	if err != nil || !ok || pixels[0] != 2 {
		t.Fatalf("canvases must not collide: %v ok %v err %v", pixels, ok, err)
	}
}
