package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trek-rest-api/internal/cache"
	"trek-rest-api/internal/catalog"
	"trek-rest-api/internal/model"
	"trek-rest-api/internal/service"
	"trek-rest-api/internal/store"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	store    store.DocumentStore
	cache    cache.LocalCache
	catalog  *catalog.Catalog
	sync     *service.SyncManager
	purchase *service.PurchaseService
	accounts *service.AccountService
	activity *service.ActivityService
}

func newFixture(t *testing.T, st store.DocumentStore, c cache.LocalCache) *fixture {
	t.Helper()
	if st == nil {
		st = store.NewMemoryStore(store.DefaultMaxAttempts)
	}
	if c == nil {
		c = cache.NewMemoryCache()
	}
	logger := zap.NewNop()
	cat := catalog.Default()
	sm := service.NewSyncManager(st, c, time.Second, logger)

	f := &fixture{
		store:    st,
		cache:    c,
		catalog:  cat,
		sync:     sm,
		purchase: service.NewPurchaseService(st, c, cat, time.Second, logger),
		accounts: service.NewAccountService(st, c, cat, sm, logger),
		activity: service.NewActivityService(st, service.DefaultStepsPerCoin, logger),
	}
	t.Cleanup(func() {
		sm.Close()
		st.Close()
		c.Close()
	})
	return f
}

// seedUser creates uid with every catalog item locked and the given balance.
func (f *fixture) seedUser(t *testing.T, uid string, coins int64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.accounts.Seed(ctx, uid, uid+"@trek.test")
	require.NoError(t, err)
	require.NoError(t, f.store.Merge(ctx, model.BalancePath(uid), map[string]interface{}{model.FieldCoins: coins}))
}

func (f *fixture) remoteBalance(t *testing.T, uid string) int64 {
	t.Helper()
	doc, err := f.store.Get(context.Background(), model.BalancePath(uid))
	require.NoError(t, err)
	return doc.Int64(model.FieldCoins)
}

func (f *fixture) remoteExists(t *testing.T, path string) bool {
	t.Helper()
	doc, err := f.store.Get(context.Background(), path)
	require.NoError(t, err)
	return doc.Exists()
}

// brokenStore fails every transaction as if the backend were unreachable.
type brokenStore struct {
	store.DocumentStore
	err error
}

func (b *brokenStore) RunTransaction(ctx context.Context, fn store.TxFunc) error {
	return b.err
}

// brokenCache fails every write.
type brokenCache struct {
	cache.LocalCache
}

var errCacheDown = errors.New("disk full")

func (brokenCache) PutBalance(context.Context, *model.Balance) error { return errCacheDown }
func (brokenCache) PutItem(context.Context, model.OwnedItem) error   { return errCacheDown }
func (brokenCache) PutUser(context.Context, *model.Profile) error    { return errCacheDown }

// countingStore counts listener registrations and removals, and can refuse
// the n-th registration.
type countingStore struct {
	store.DocumentStore

	mu        sync.Mutex
	listens   int
	removes   map[int]int
	refuseNth int
}

func newCountingStore(inner store.DocumentStore) *countingStore {
	return &countingStore{DocumentStore: inner, removes: make(map[int]int)}
}

type countingRegistration struct {
	inner store.Registration
	id    int
	owner *countingStore
}

func (r *countingRegistration) Remove() error {
	r.owner.mu.Lock()
	r.owner.removes[r.id]++
	r.owner.mu.Unlock()
	return r.inner.Remove()
}

func (c *countingStore) wrap(register func() (store.Registration, error)) (store.Registration, error) {
	c.mu.Lock()
	c.listens++
	id := c.listens
	refuse := c.refuseNth > 0 && id == c.refuseNth
	c.mu.Unlock()

	if refuse {
		return nil, errors.New("listen refused")
	}
	reg, err := register()
	if err != nil {
		return nil, err
	}
	return &countingRegistration{inner: reg, id: id, owner: c}, nil
}

func (c *countingStore) ListenDocument(ctx context.Context, path string, fn store.Listener) (store.Registration, error) {
	return c.wrap(func() (store.Registration, error) { return c.DocumentStore.ListenDocument(ctx, path, fn) })
}

func (c *countingStore) ListenCollection(ctx context.Context, collection string, fn store.Listener) (store.Registration, error) {
	return c.wrap(func() (store.Registration, error) { return c.DocumentStore.ListenCollection(ctx, collection, fn) })
}

func (c *countingStore) counts() (listens int, removes map[int]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]int, len(c.removes))
	for k, v := range c.removes {
		out[k] = v
	}
	return c.listens, out
}

func zapNop() *zap.Logger { return zap.NewNop() }
