package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	ErrLockConflict  = errors.New("lock conflict")
	ErrLockNotFound  = errors.New("lock not found")
	ErrTileNotFound  = errors.New("tile not found")
	ErrQueueOverflow = errors.New("subscriber queue overflow")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrClosed        = errors.New("closed")
)

// ConflictError reports a rejected lock operation together with the live
// holder and lease expiry, so clients can explain the conflict instead of
// showing a generic failure.
type ConflictError struct {
	Canvas    string
	X, Y      int
	Holder    string
	ExpiresAt time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("lock conflict on %s/%d/%d: held by %s until %s",
		e.Canvas, e.X, e.Y, e.Holder, e.ExpiresAt.Format(time.RFC3339))
}

// Unwrap makes ConflictError match ErrLockConflict under errors.Is.
func (e *ConflictError) Unwrap() error { return ErrLockConflict }

// StoreError wraps a TileStore failure during an edit commit. The lock is
// preserved so the caller can retry without losing exclusivity.
type StoreError struct {
	Canvas string
	X, Y   int
	Err    error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store failure on %s/%d/%d: %v", e.Canvas, e.X, e.Y, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
