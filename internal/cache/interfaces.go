// Package cache is the local, read-optimized copy of remote user state.
// Rows are overwritten whenever a newer remote snapshot arrives and are never
// treated as authoritative.
package cache

import (
	"context"

	"trek-rest-api/internal/model"
)

// LocalCache defines the local cache operations.
// This abstraction allows swapping between the SQLite cache (default) and the
// memory cache (tests, ephemeral deployments) without changing the services.
type LocalCache interface {
	// GetUser returns the cached profile. Returns ErrCacheMiss if not found.
	GetUser(ctx context.Context, uid string) (*model.Profile, error)

	// PutUser creates or overwrites the profile row.
	PutUser(ctx context.Context, p *model.Profile) error

	// GetBalance returns the cached coin balance. Returns ErrCacheMiss if not found.
	GetBalance(ctx context.Context, uid string) (*model.Balance, error)

	// PutBalance creates or overwrites the balance row.
	PutBalance(ctx context.Context, b *model.Balance) error

	// PutItem records one item's state.
	PutItem(ctx context.Context, item model.OwnedItem) error

	// ReplaceItems makes ids the user's complete set for one state. Rows of
	// that state not in ids are removed. Items only ever move from locked to
	// unlocked, so a locked set never re-locks a row cached as unlocked.
	ReplaceItems(ctx context.Context, uid string, locked bool, ids []string) error

	// ListItems returns every cached item of the user, sorted by item id.
	ListItems(ctx context.Context, uid string) ([]model.OwnedItem, error)

	// GetTotals returns the cached cumulative aggregate. Returns ErrCacheMiss if not found.
	GetTotals(ctx context.Context, uid string) (*model.Totals, error)

	// PutTotals creates or overwrites the totals row.
	PutTotals(ctx context.Context, t *model.Totals) error

	// PutDaily creates or overwrites one day's row.
	PutDaily(ctx context.Context, d *model.DailyData) error

	// ListDaily returns the user's rows with from <= date <= to, newest first.
	// Empty bounds are open.
	ListDaily(ctx context.Context, uid, from, to string) ([]model.DailyData, error)

	// ReplaceSessions makes sessions the user's complete set of recorded
	// sessions.
	ReplaceSessions(ctx context.Context, uid string, sessions []model.Session) error

	// ListSessions returns the user's sessions, most recent first. A limit of
	// zero or less returns all of them.
	ListSessions(ctx context.Context, uid string, limit int) ([]model.Session, error)

	// DeleteDailyBefore removes daily rows dated before cutoff (yyyy-mm-dd).
	DeleteDailyBefore(ctx context.Context, cutoff string) (int64, error)

	// Stats returns row counts for the admin endpoint.
	Stats(ctx context.Context) (map[string]interface{}, error)

	// Subscribe streams changes for one user ("" for every user) until cancel.
	Subscribe(uid string) (<-chan Change, func())

	// Close releases the cache.
	Close() error
}

// Common cache errors
type CacheError string

func (e CacheError) Error() string { return string(e) }

const (
	// ErrCacheMiss indicates the key was not found in cache.
	ErrCacheMiss CacheError = "cache miss"
)
