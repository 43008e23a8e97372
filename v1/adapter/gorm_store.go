package adapter

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	muralerrors "github.com/mirkobrombin/go-mural/v1/errors"
	"github.com/mirkobrombin/go-mural/v1/lock"
)

const (
	defaultGormTableName = "mural_tiles"
	defaultGormOpTimeout = 5 * time.Second
)

// gormTile is the internal model used to store tiles in the database.
type gormTile struct {
	Canvas    string    `gorm:"primaryKey;column:canvas"`
	X         int       `gorm:"primaryKey;column:x"`
	Y         int       `gorm:"primaryKey;column:y"`
	Pixels    []byte    `gorm:"column:pixels"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// GormTileStore implements TileStore using a GORM backend.
type GormTileStore struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
}

// GormOption configures a GormTileStore.
type GormOption func(*gormStoreOptions)

type gormStoreOptions struct {
	tableName string
	timeout   time.Duration
}

// WithGormTableName sets the table name for the GormTileStore.
func WithGormTableName(name string) GormOption {
	return func(o *gormStoreOptions) {
		o.tableName = name
	}
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormStoreOptions) {
		o.timeout = d
	}
}

// NewGormTileStore returns a new GormTileStore using the provided GORM DB connection.
func NewGormTileStore(db *gorm.DB, opts ...GormOption) *GormTileStore {
	o := gormStoreOptions{
		tableName: defaultGormTableName,
		timeout:   defaultGormOpTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	// Ensure the table exists
	if !db.Migrator().HasTable(o.tableName) {
		_ = db.Table(o.tableName).AutoMigrate(&gormTile{})
	}

	return &GormTileStore{
		db:        db,
		tableName: o.tableName,
		timeout:   o.timeout,
	}
}

// Save implements TileStore.Save.
func (s *GormTileStore) Save(ctx context.Context, key lock.TileKey, pixels []byte) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return muralerrors.ErrTimeout
		}
		return err
	}

	row := gormTile{
		Canvas:    key.Canvas,
		X:         key.X,
		Y:         key.Y,
		Pixels:    pixels,
		UpdatedAt: time.Now(),
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.db.WithContext(cctx).Table(s.tableName).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "canvas"}, {Name: "x"}, {Name: "y"}},
		DoUpdates: clause.AssignmentColumns([]string{"pixels", "updated_at"}),
	}).Create(&row).Error; err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return muralerrors.ErrTimeout
		}
		return err
	}

	return nil
}

// Load implements TileStore.Load.
func (s *GormTileStore) Load(ctx context.Context, key lock.TileKey) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, false, muralerrors.ErrTimeout
		}
		return nil, false, err
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row gormTile
	err := s.db.WithContext(cctx).Table(s.tableName).
		First(&row, "canvas = ? AND x = ? AND y = ?", key.Canvas, key.X, key.Y).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, false, muralerrors.ErrTimeout
		}
		return nil, false, err
	}

	return row.Pixels, true, nil
}
