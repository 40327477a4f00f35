package quota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Storage backend names.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

var (
	// ErrNoRecord is returned by Tx.Increment when the key has no record yet.
	ErrNoRecord = errors.New("quota: no record for key")

	// ErrClosed is returned by every operation on a closed store.
	ErrClosed = errors.New("quota: store closed")
)

// Key identifies one quota record.
type Key struct {
	UserID  int64  `json:"user_id"`
	Channel string `json:"channel"`
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%s", k.UserID, k.Channel)
}

// Record is the durable request counter for a key.
type Record struct {
	UserID       int64     `json:"user_id"`
	Channel      string    `json:"channel"`
	RequestCount int       `json:"request_count"`
	WindowStart  time.Time `json:"window_start"`
}

// Tx is the view of a single key handed to Store.Update.
// Mutations are applied only if the update function returns nil.
type Tx interface {
	// Get returns the record and whether it exists.
	Get() (Record, bool, error)
	// UpsertReset sets count=1 and window_start=now, creating the record if absent.
	UpsertReset(now time.Time) error
	// Increment adds one to the count, keeping the window.
	Increment() error
}

// Store persists quota records.
//
// Update runs fn as one atomic unit for key: concurrent updates of the same
// key never interleave, and a failing fn leaves the prior record intact.
// fn may be invoked more than once when a backend retries on conflict, so it
// must derive everything it returns from the Tx it is given.
type Store interface {
	Get(ctx context.Context, key Key) (Record, bool, error)
	Update(ctx context.Context, key Key, fn func(tx Tx) error) error
	Close() error
}
