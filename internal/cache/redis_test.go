package cache_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trek-rest-api/internal/cache"
	"trek-rest-api/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu    sync.Mutex
	items []model.BufferedActivity
	fail  error
}

func (r *recorder) flush(ctx context.Context, item *model.BufferedActivity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.items = append(r.items, *item)
	return nil
}

func (r *recorder) snapshot() []model.BufferedActivity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.BufferedActivity(nil), r.items...)
}

func newBuffer(t *testing.T, rec *recorder) (*cache.RedisActivityBuffer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := cache.NewRedisActivityBuffer(cache.RedisBufferConfig{
		Addr:          mr.Addr(),
		FlushInterval: time.Hour,
		KeyPrefix:     "test:activity",
	}, rec.flush, zap.NewNop())
	require.NoError(t, err)
	return b, mr
}

func TestRedisActivityBuffer_Accumulates(t *testing.T) {
	rec := &recorder{}
	b, _ := newBuffer(t, rec)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Add(ctx, "u1", "2026-03-01", model.Activity{Steps: 120, Miles: 0.25, Calories: 10}))
	require.NoError(t, b.Add(ctx, "u1", "2026-03-01", model.Activity{Steps: 80, Miles: 0.5, Calories: 5}))
	require.NoError(t, b.Add(ctx, "u2", "2026-03-01", model.Activity{Steps: 1}))

	got, err := b.Get(ctx, "u1", "2026-03-01")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(200), got.Activity.Steps)
	assert.InDelta(t, 0.75, got.Activity.Miles, 1e-9)
	assert.Equal(t, int64(15), got.Activity.Calories)

	count, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	missing, err := b.Get(ctx, "u3", "2026-03-01")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRedisActivityBuffer_Flush(t *testing.T) {
	rec := &recorder{}
	b, mr := newBuffer(t, rec)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Add(ctx, "u1", "2026-03-01", model.Activity{Steps: 250, Miles: 0.1, Calories: 12}))
	require.NoError(t, b.Flush(ctx))

	items := rec.snapshot()
	require.Len(t, items, 1)
	assert.Equal(t, "u1", items[0].UserID)
	assert.Equal(t, "2026-03-01", items[0].Date)
	assert.Equal(t, int64(250), items[0].Activity.Steps)

	count, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.False(t, mr.Exists("test:activity:buffer:u1|2026-03-01"))
}

func TestRedisActivityBuffer_FailedFlushStaysPending(t *testing.T) {
	rec := &recorder{fail: errors.New("store down")}
	b, _ := newBuffer(t, rec)
	ctx := context.Background()

	require.NoError(t, b.Add(ctx, "u1", "2026-03-01", model.Activity{Steps: 10}))
	_, err := b.FlushBatch(ctx)
	assert.Error(t, err)

	count, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	rec.mu.Lock()
	rec.fail = nil
	rec.mu.Unlock()

	// Close performs the final flush
	require.NoError(t, b.Close())
	require.Len(t, rec.snapshot(), 1)
}

// failCommand fails the next n calls of one command with a timeout while
// every other command goes through.
type failCommand struct {
	name      string
	remaining atomic.Int32
}

func failNext(b *cache.RedisActivityBuffer, name string, n int32) *failCommand {
	h := &failCommand{name: name}
	h.remaining.Store(n)
	cache.BufferClient(b).AddHook(h)
	return h
}

func (h *failCommand) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *failCommand) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if strings.EqualFold(cmd.Name(), h.name) && h.remaining.Add(-1) >= 0 {
			err := &net.OpError{Op: "read", Net: "tcp", Err: errors.New("i/o timeout")}
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (h *failCommand) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedisActivityBuffer_ReadTimeoutKeepsEntry(t *testing.T) {
	rec := &recorder{}
	b, _ := newBuffer(t, rec)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Add(ctx, "u1", "2026-03-01", model.Activity{Steps: 40, Calories: 3}))
	failNext(b, "hgetall", 1)

	settled, err := b.FlushBatch(ctx)
	require.Error(t, err)
	assert.Zero(t, settled)
	assert.Empty(t, rec.snapshot())

	count, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "entry still pending")

	require.NoError(t, b.Flush(ctx))
	items := rec.snapshot()
	require.Len(t, items, 1)
	assert.Equal(t, int64(40), items[0].Activity.Steps)
	assert.Equal(t, int64(3), items[0].Activity.Calories)
}

func TestRedisActivityBuffer_FailedClearStopsFlush(t *testing.T) {
	rec := &recorder{}
	b, _ := newBuffer(t, rec)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Add(ctx, "u1", "2026-03-01", model.Activity{Steps: 100}))
	failNext(b, "evalsha", 1)

	// applied once, but not cleared: Flush must not loop and apply it again
	require.Error(t, b.Flush(ctx))
	assert.Len(t, rec.snapshot(), 1)

	count, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRedisActivityBuffer_DropsMalformedEntries(t *testing.T) {
	rec := &recorder{}
	b, mr := newBuffer(t, rec)
	defer b.Close()
	ctx := context.Background()

	_, err := mr.SAdd("test:activity:pending", "no-separator")
	require.NoError(t, err)
	mr.HSet("test:activity:buffer:u2|2026-03-01", "steps", "lots")
	_, err = mr.SAdd("test:activity:pending", "u2|2026-03-01")
	require.NoError(t, err)
	require.NoError(t, b.Add(ctx, "u1", "2026-03-01", model.Activity{Steps: 5}))

	require.NoError(t, b.Flush(ctx))

	count, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.False(t, mr.Exists("test:activity:buffer:u2|2026-03-01"))
	items := rec.snapshot()
	require.Len(t, items, 1)
	assert.Equal(t, "u1", items[0].UserID)
}

func TestRedisActivityBuffer_DropsRejectedEntries(t *testing.T) {
	rec := &recorder{fail: fmt.Errorf("%w: total steps would overflow", cache.ErrRejected)}
	b, mr := newBuffer(t, rec)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Add(ctx, "u1", "2026-03-01", model.Activity{Steps: 5}))
	require.NoError(t, b.Flush(ctx))

	count, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.False(t, mr.Exists("test:activity:buffer:u1|2026-03-01"))
}
