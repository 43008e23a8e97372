// Package eventbus fans lock and tile events out to the connections of
// a canvas room in a single, gapless per-canvas order.
package eventbus

import (
	"time"

	"github.com/mirkobrombin/go-mural/v1/lock"
)

// Kind enumerates the event types carried on a canvas stream.
type Kind string

const (
	KindTileLocked   Kind = "tile_locked"
	KindLockExtended Kind = "tile_lock_extended"
	KindTileReleased Kind = "tile_released"
	KindTileUpdated  Kind = "tile_updated"
	KindUserJoined   Kind = "user_joined"
	KindUserLeft     Kind = "user_left"
)

// Event is one entry of a canvas's ordered stream. Seq is assigned at
// publish time and is strictly increasing per canvas with no gaps
// across successfully published events.
type Event struct {
	Canvas  string    `json:"canvas"`
	Seq     uint64    `json:"seq"`
	Kind    Kind      `json:"kind"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// ReleaseReason explains why a tile lock went away.
type ReleaseReason string

const (
	ReleaseExplicit   ReleaseReason = "explicit"
	ReleaseExpired    ReleaseReason = "expired"
	ReleaseDisconnect ReleaseReason = "disconnect"
	ReleaseCommitted  ReleaseReason = "committed"
)

// LeaveReason explains why a user left a room.
type LeaveReason string

const (
	LeaveExplicit     LeaveReason = "leave"
	LeaveTimeout      LeaveReason = "timeout"
	LeaveSlowConsumer LeaveReason = "slow_consumer"
)

// TileLockedPayload announces a granted lock. It never carries the lock
// token; that travels only in the acquirer's own result.
type TileLockedPayload struct {
	Key       lock.TileKey `json:"key"`
	Holder    string       `json:"holder"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// LockExtendedPayload announces a renewed lease.
type LockExtendedPayload struct {
	Key       lock.TileKey `json:"key"`
	Holder    string       `json:"holder"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// TileReleasedPayload announces a freed tile.
type TileReleasedPayload struct {
	Key    lock.TileKey  `json:"key"`
	Holder string        `json:"holder"`
	Reason ReleaseReason `json:"reason"`
}

// TileUpdatedPayload carries committed pixel data.
type TileUpdatedPayload struct {
	Key    lock.TileKey `json:"key"`
	Editor string       `json:"editor"`
	Pixels []byte       `json:"pixels"`
}

// UserJoinedPayload announces a new room member.
type UserJoinedPayload struct {
	User string `json:"user"`
}

// UserLeftPayload announces a departed room member.
type UserLeftPayload struct {
	User   string      `json:"user"`
	Reason LeaveReason `json:"reason"`
}
