package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"trek-rest-api/internal/cache"
	"trek-rest-api/internal/model"
	"trek-rest-api/internal/store"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Subscription is the live mirror of one user's remote documents into the
// local cache. It is either listening or torn down; there is no in-between.
type Subscription struct {
	UserID string

	mu     sync.Mutex
	regs   []store.Registration
	active bool
}

// Active reports whether the subscription is still listening.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Listeners returns how many remote listeners the subscription holds.
func (s *Subscription) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.regs)
}

// teardown removes every registration exactly once. Failures are logged and
// not retried; the subscription ends inactive either way.
func (s *Subscription) teardown(logger *zap.Logger) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	regs := s.regs
	s.regs = nil
	s.active = false
	s.mu.Unlock()

	removeAll(regs, logger.With(zap.String("user_id", s.UserID)))
}

func removeAll(regs []store.Registration, logger *zap.Logger) {
	for _, r := range regs {
		if err := r.Remove(); err != nil {
			logger.Warn("removing listener failed", zap.Error(err))
		}
	}
}

// SyncManager keeps the local cache in step with the remote store for every
// subscribed user.
type SyncManager struct {
	store        store.DocumentStore
	cache        cache.LocalCache
	writeTimeout time.Duration
	logger       *zap.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewSyncManager creates a new sync manager.
func NewSyncManager(st store.DocumentStore, c cache.LocalCache, writeTimeout time.Duration, logger *zap.Logger) *SyncManager {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &SyncManager{
		store:        st,
		cache:        c,
		writeTimeout: writeTimeout,
		logger:       logger.Named("sync"),
		subs:         make(map[string]*Subscription),
	}
}

type listenerDef struct {
	name       string
	path       string
	collection bool
	apply      func(ctx context.Context, snap store.Snapshot) error
}

func (m *SyncManager) listenerDefs(uid string) []listenerDef {
	return []listenerDef{
		{
			name: "profile",
			path: model.UserPath(uid),
			apply: func(ctx context.Context, snap store.Snapshot) error {
				if !snap.Document.Exists() {
					return nil
				}
				return m.cache.PutUser(ctx, profileFromDoc(uid, snap.Document))
			},
		},
		{
			name: "balance",
			path: model.BalancePath(uid),
			apply: func(ctx context.Context, snap store.Snapshot) error {
				if !snap.Document.Exists() {
					return nil
				}
				return m.cache.PutBalance(ctx, balanceFromDoc(uid, snap.Document))
			},
		},
		{
			name:       "locked",
			path:       model.LockedCollection(uid),
			collection: true,
			apply: func(ctx context.Context, snap store.Snapshot) error {
				return m.cache.ReplaceItems(ctx, uid, true, itemIDs(snap.Documents))
			},
		},
		{
			name:       "unlocked",
			path:       model.UnlockedCollection(uid),
			collection: true,
			apply: func(ctx context.Context, snap store.Snapshot) error {
				return m.cache.ReplaceItems(ctx, uid, false, itemIDs(snap.Documents))
			},
		},
		{
			name: "totals",
			path: model.TotalsPath(uid),
			apply: func(ctx context.Context, snap store.Snapshot) error {
				if !snap.Document.Exists() {
					return nil
				}
				return m.cache.PutTotals(ctx, totalsFromDoc(uid, snap.Document))
			},
		},
		{
			name:       "daily",
			path:       model.DailyCollection(uid),
			collection: true,
			apply: func(ctx context.Context, snap store.Snapshot) error {
				for _, doc := range snap.Documents {
					if err := m.cache.PutDaily(ctx, dailyFromDoc(uid, doc)); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			name:       "sessions",
			path:       model.SessionsCollection(uid),
			collection: true,
			apply: func(ctx context.Context, snap store.Snapshot) error {
				return m.cache.ReplaceSessions(ctx, uid, sessionsFromDocs(uid, snap.Documents))
			},
		},
	}
}

// Subscribe starts mirroring uid. Subscribing a user that is already
// subscribed returns the existing subscription without adding listeners. If
// any listener cannot be registered, those already registered are removed
// and an error is returned.
func (m *SyncManager) Subscribe(ctx context.Context, uid string) (*Subscription, error) {
	if err := checkID("user_id", uid); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, ok := m.subs[uid]; ok {
		return sub, nil
	}

	// Listeners outlive the request that created them.
	lctx := context.WithoutCancel(ctx)
	log := m.logger.With(zap.String("user_id", uid))

	var regs []store.Registration
	for _, def := range m.listenerDefs(uid) {
		fn := m.listener(uid, def)
		var (
			reg store.Registration
			err error
		)
		if def.collection {
			reg, err = m.store.ListenCollection(lctx, def.path, fn)
		} else {
			reg, err = m.store.ListenDocument(lctx, def.path, fn)
		}
		if err != nil {
			log.Error("registering listener failed", zap.String("listener", def.name), zap.Error(err))
			removeAll(regs, log)
			return nil, classify("subscribe", err)
		}
		regs = append(regs, reg)
	}

	sub := &Subscription{UserID: uid, regs: regs, active: true}
	m.subs[uid] = sub
	log.Info("subscribed", zap.Int("listeners", len(regs)))
	return sub, nil
}

func (m *SyncManager) listener(uid string, def listenerDef) store.Listener {
	log := m.logger.With(zap.String("user_id", uid), zap.String("listener", def.name))
	return func(snap store.Snapshot, err error) {
		if err != nil {
			log.Warn("listener error", zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
		defer cancel()
		if err := def.apply(ctx, snap); err != nil {
			log.Warn("cache write failed", zap.Error(err))
		}
	}
}

// Unsubscribe tears down every listener of sub. Calling it again is a no-op.
func (m *SyncManager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	m.mu.Lock()
	if cur, ok := m.subs[sub.UserID]; ok && cur == sub {
		delete(m.subs, sub.UserID)
	}
	m.mu.Unlock()

	if sub.Active() {
		m.logger.Info("unsubscribed", zap.String("user_id", sub.UserID))
	}
	sub.teardown(m.logger)
}

// UnsubscribeUser tears down uid's subscription, reporting whether there was one.
func (m *SyncManager) UnsubscribeUser(uid string) bool {
	m.mu.Lock()
	sub, ok := m.subs[uid]
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.Unsubscribe(sub)
	return true
}

// Subscription returns uid's active subscription, if any.
func (m *SyncManager) Subscription(uid string) (*Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[uid]
	return sub, ok
}

// Active returns the subscribed user ids, sorted.
func (m *SyncManager) Active() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Close tears down every subscription.
func (m *SyncManager) Close() {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.teardown(m.logger)
	}
	if len(subs) > 0 {
		m.logger.Info("closed subscriptions", zap.Int("count", len(subs)))
	}
}

// Refresh reads uid's balance, profile, item sets, totals and sessions once
// and writes them to the cache. Read failures are returned; cache write failures are
// logged.
func (m *SyncManager) Refresh(ctx context.Context, uid string) error {
	if err := checkID("user_id", uid); err != nil {
		return err
	}

	var (
		profile, balance, totals *store.Document
		locked, unlocked         []*store.Document
		sessions                 []*store.Document
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		profile, err = m.store.Get(gctx, model.UserPath(uid))
		return err
	})
	g.Go(func() (err error) {
		balance, err = m.store.Get(gctx, model.BalancePath(uid))
		return err
	})
	g.Go(func() (err error) {
		totals, err = m.store.Get(gctx, model.TotalsPath(uid))
		return err
	})
	g.Go(func() (err error) {
		locked, err = m.store.List(gctx, model.LockedCollection(uid))
		return err
	})
	g.Go(func() (err error) {
		unlocked, err = m.store.List(gctx, model.UnlockedCollection(uid))
		return err
	})
	g.Go(func() (err error) {
		sessions, err = m.store.List(gctx, model.SessionsCollection(uid))
		return err
	})
	if err := g.Wait(); err != nil {
		return classify("refresh", err)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.writeTimeout)
	defer cancel()

	log := m.logger.With(zap.String("user_id", uid))
	writes := []struct {
		name string
		fn   func() error
	}{
		{"profile", func() error {
			if !profile.Exists() {
				return nil
			}
			return m.cache.PutUser(wctx, profileFromDoc(uid, profile))
		}},
		{"balance", func() error {
			if !balance.Exists() {
				return nil
			}
			return m.cache.PutBalance(wctx, balanceFromDoc(uid, balance))
		}},
		{"totals", func() error {
			if !totals.Exists() {
				return nil
			}
			return m.cache.PutTotals(wctx, totalsFromDoc(uid, totals))
		}},
		{"locked", func() error { return m.cache.ReplaceItems(wctx, uid, true, itemIDs(locked)) }},
		{"unlocked", func() error { return m.cache.ReplaceItems(wctx, uid, false, itemIDs(unlocked)) }},
		{"sessions", func() error { return m.cache.ReplaceSessions(wctx, uid, sessionsFromDocs(uid, sessions)) }},
	}
	for _, w := range writes {
		if err := w.fn(); err != nil {
			log.Warn("cache write failed", zap.String("entity", w.name), zap.Error(err))
		}
	}
	return nil
}
