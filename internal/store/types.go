package store

import (
	"context"
	"time"
)

// UserRecord is a registered user's delivery configuration.
type UserRecord struct {
	// Time is the local delivery time-of-day as "HH:MM" (24h),
	// interpreted in the scheduler's configured timezone.
	Time string `json:"time"`
}

// Store is the persistence API used by the delivery and command paths.
//
// Concurrent calls are safe, but callers performing a read-modify-write of a
// single user's state (reschedule, history commit) must hold that user's lock
// via LockUser for the whole sequence.
type Store interface {
	// Users returns all user records. Empty map on first run.
	Users(ctx context.Context) (map[string]UserRecord, error)
	User(ctx context.Context, id string) (UserRecord, bool, error)
	PutUser(ctx context.Context, id string, rec UserRecord) error

	// History returns the user's sent history in delivery order.
	// Nil slice when the user has no history yet.
	History(ctx context.Context, id string) ([]string, error)
	PutHistory(ctx context.Context, id string, images []string) error

	// LockUser takes the user's exclusive lock and returns the unlock func.
	LockUser(id string) (unlock func())

	Close() error
}

// Config configures the store.
//
// Driver values:
//   - "file" (default when empty): JSON documents under Path (a directory)
//   - "sqlite": SQLite database at Path (a file)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
