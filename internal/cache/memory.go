package cache

import (
	"context"
	"sort"
	"sync"

	"trek-rest-api/internal/model"
)

type itemKey struct {
	uid    string
	itemID string
}

type dailyKey struct {
	uid  string
	date string
}

// MemoryCache is an in-memory implementation of LocalCache.
// Use this for development/testing or single-instance deployments.
type MemoryCache struct {
	mu       sync.RWMutex
	users    map[string]model.Profile
	balances map[string]model.Balance
	items    map[itemKey]bool // value is the locked flag
	daily    map[dailyKey]model.DailyData
	totals   map[string]model.Totals
	sessions map[string][]model.Session

	notifier *Notifier
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		users:    make(map[string]model.Profile),
		balances: make(map[string]model.Balance),
		items:    make(map[itemKey]bool),
		daily:    make(map[dailyKey]model.DailyData),
		totals:   make(map[string]model.Totals),
		sessions: make(map[string][]model.Session),
		notifier: NewNotifier(),
	}
}

// GetUser retrieves a cached profile.
func (c *MemoryCache) GetUser(ctx context.Context, uid string) (*model.Profile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.users[uid]
	if !ok {
		return nil, ErrCacheMiss
	}
	if p.SelectedItem != nil {
		sel := *p.SelectedItem
		p.SelectedItem = &sel
	}
	return &p, nil
}

// PutUser stores a profile.
func (c *MemoryCache) PutUser(ctx context.Context, p *model.Profile) error {
	cp := *p
	if p.SelectedItem != nil {
		sel := *p.SelectedItem
		cp.SelectedItem = &sel
	}

	c.mu.Lock()
	c.users[p.UserID] = cp
	c.mu.Unlock()

	c.notifier.Publish(Change{UserID: p.UserID, Entity: EntityUser})
	return nil
}

// GetBalance retrieves a cached balance.
func (c *MemoryCache) GetBalance(ctx context.Context, uid string) (*model.Balance, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.balances[uid]
	if !ok {
		return nil, ErrCacheMiss
	}
	return &b, nil
}

// PutBalance stores a balance.
func (c *MemoryCache) PutBalance(ctx context.Context, b *model.Balance) error {
	c.mu.Lock()
	c.balances[b.UserID] = *b
	c.mu.Unlock()

	c.notifier.Publish(Change{UserID: b.UserID, Entity: EntityBalance})
	return nil
}

// PutItem records one item's state.
func (c *MemoryCache) PutItem(ctx context.Context, item model.OwnedItem) error {
	c.mu.Lock()
	c.items[itemKey{item.UserID, item.ItemID}] = item.Locked
	c.mu.Unlock()

	c.notifier.Publish(Change{UserID: item.UserID, Entity: EntityItems, Key: item.ItemID})
	return nil
}

// ReplaceItems makes ids the user's complete set for one state.
func (c *MemoryCache) ReplaceItems(ctx context.Context, uid string, locked bool, ids []string) error {
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}

	c.mu.Lock()
	for k, l := range c.items {
		if k.uid != uid || l != locked {
			continue
		}
		if _, ok := keep[k.itemID]; !ok {
			delete(c.items, k)
		}
	}
	for id := range keep {
		k := itemKey{uid, id}
		if wasLocked, ok := c.items[k]; locked && ok && !wasLocked {
			continue
		}
		c.items[k] = locked
	}
	c.mu.Unlock()

	c.notifier.Publish(Change{UserID: uid, Entity: EntityItems})
	return nil
}

// ListItems returns the user's items sorted by id.
func (c *MemoryCache) ListItems(ctx context.Context, uid string) ([]model.OwnedItem, error) {
	c.mu.RLock()
	var out []model.OwnedItem
	for k, locked := range c.items {
		if k.uid == uid {
			out = append(out, model.OwnedItem{UserID: uid, ItemID: k.itemID, Locked: locked})
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

// GetTotals retrieves the cached totals.
func (c *MemoryCache) GetTotals(ctx context.Context, uid string) (*model.Totals, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.totals[uid]
	if !ok {
		return nil, ErrCacheMiss
	}
	return &t, nil
}

// PutTotals stores the totals.
func (c *MemoryCache) PutTotals(ctx context.Context, t *model.Totals) error {
	c.mu.Lock()
	c.totals[t.UserID] = *t
	c.mu.Unlock()

	c.notifier.Publish(Change{UserID: t.UserID, Entity: EntityTotals})
	return nil
}

// PutDaily stores one day's aggregate.
func (c *MemoryCache) PutDaily(ctx context.Context, d *model.DailyData) error {
	c.mu.Lock()
	c.daily[dailyKey{d.UserID, d.Date}] = *d
	c.mu.Unlock()

	c.notifier.Publish(Change{UserID: d.UserID, Entity: EntityDaily, Key: d.Date})
	return nil
}

// ListDaily returns the user's days within [from, to], newest first.
func (c *MemoryCache) ListDaily(ctx context.Context, uid, from, to string) ([]model.DailyData, error) {
	c.mu.RLock()
	var out []model.DailyData
	for k, d := range c.daily {
		if k.uid != uid {
			continue
		}
		if (from != "" && k.date < from) || (to != "" && k.date > to) {
			continue
		}
		out = append(out, d)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out, nil
}

// ReplaceSessions makes sessions the user's complete set.
func (c *MemoryCache) ReplaceSessions(ctx context.Context, uid string, sessions []model.Session) error {
	cp := append([]model.Session(nil), sessions...)
	sortSessions(cp)

	c.mu.Lock()
	if len(cp) == 0 {
		delete(c.sessions, uid)
	} else {
		c.sessions[uid] = cp
	}
	c.mu.Unlock()

	c.notifier.Publish(Change{UserID: uid, Entity: EntitySessions})
	return nil
}

// ListSessions returns up to limit sessions, most recent first.
func (c *MemoryCache) ListSessions(ctx context.Context, uid string, limit int) ([]model.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	all := c.sessions[uid]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return append([]model.Session(nil), all...), nil
}

// sortSessions orders sessions most recent first; ids break ties.
func sortSessions(s []model.Session) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].StartedAt.Equal(s[j].StartedAt) {
			return s[i].StartedAt.After(s[j].StartedAt)
		}
		return s[i].ID > s[j].ID
	})
}

// DeleteDailyBefore removes days older than cutoff.
func (c *MemoryCache) DeleteDailyBefore(ctx context.Context, cutoff string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var deleted int64
	for k := range c.daily {
		if k.date < cutoff {
			delete(c.daily, k)
			deleted++
		}
	}
	return deleted, nil
}

// Stats returns row counts.
func (c *MemoryCache) Stats(ctx context.Context) (map[string]interface{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sessionCount := 0
	for _, s := range c.sessions {
		sessionCount += len(s)
	}

	return map[string]interface{}{
		"type":        "memory",
		"users":       len(c.users),
		"balances":    len(c.balances),
		"items":       len(c.items),
		"daily_rows":  len(c.daily),
		"totals":      len(c.totals),
		"sessions":    sessionCount,
		"subscribers": c.notifier.Subscribers(),
	}, nil
}

// Subscribe streams changes for uid.
func (c *MemoryCache) Subscribe(uid string) (<-chan Change, func()) {
	return c.notifier.Subscribe(uid)
}

// Close is a no-op; the cache holds no resources.
func (c *MemoryCache) Close() error {
	return nil
}

// Ensure MemoryCache implements LocalCache
var _ LocalCache = (*MemoryCache)(nil)
