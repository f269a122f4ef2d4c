package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"trek-rest-api/internal/model"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Buffer configuration
const (
	MaxBatchSize = 50
	FlushTimeout = 60 * time.Second
)

// FlushFunc applies one buffered entry to the remote store.
type FlushFunc func(ctx context.Context, item *model.BufferedActivity) error

// ErrRejected is returned by a FlushFunc for an entry that can never be
// applied. Rejected entries are removed instead of retried.
var ErrRejected = errors.New("buffered activity rejected")

var errMalformedEntry = errors.New("malformed buffer entry")

// subtractFlushedScript removes what was flushed while keeping anything added
// since the entry was read. The entry is dropped once it is back to zero.
var subtractFlushedScript = redis.NewScript(`
	local steps = redis.call("HINCRBY", KEYS[1], "steps", -tonumber(ARGV[1]))
	local miles = tonumber(redis.call("HINCRBYFLOAT", KEYS[1], "miles", -tonumber(ARGV[2])))
	local calories = redis.call("HINCRBY", KEYS[1], "calories", -tonumber(ARGV[3]))
	if steps == 0 and calories == 0 and math.abs(miles) < 1e-9 then
		redis.call("DEL", KEYS[1])
		redis.call("SREM", KEYS[2], ARGV[4])
		return 1
	end
	return 0
`)

// RedisActivityBuffer uses Redis for write-behind accrual of activity.
// Each (user, day) accumulates in its own hash; a background loop applies
// pending entries in batches.
type RedisActivityBuffer struct {
	client      *redis.Client
	flushFunc   FlushFunc
	flushTicker *time.Ticker
	stopFlush   chan struct{}
	flushDone   chan struct{}
	stopOnce    sync.Once
	keyPrefix   string
	logger      *zap.Logger
}

// RedisBufferConfig holds configuration for Redis buffer.
type RedisBufferConfig struct {
	Addr          string
	Password      string
	DB            int
	FlushInterval time.Duration
	KeyPrefix     string
}

// NewRedisActivityBuffer creates a Redis-backed activity buffer.
func NewRedisActivityBuffer(cfg RedisBufferConfig, flushFunc FlushFunc, logger *zap.Logger) (*RedisActivityBuffer, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     20,
		MinIdleConns: 2,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "trek:activity"
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	b := &RedisActivityBuffer{
		client:      client,
		flushFunc:   flushFunc,
		flushTicker: time.NewTicker(interval),
		stopFlush:   make(chan struct{}),
		flushDone:   make(chan struct{}),
		keyPrefix:   keyPrefix,
		logger:      logger.Named("activity-buffer"),
	}

	go b.backgroundFlush()

	b.logger.Info("started",
		zap.Int("db", cfg.DB),
		zap.String("prefix", keyPrefix),
		zap.Duration("flush_interval", interval),
		zap.Int("batch", MaxBatchSize))
	return b, nil
}

func (b *RedisActivityBuffer) entryKey(member string) string {
	return b.keyPrefix + ":buffer:" + member
}

func (b *RedisActivityBuffer) pendingKey() string {
	return b.keyPrefix + ":pending"
}

func pendingMember(uid, date string) string {
	return uid + "|" + date
}

func splitMember(member string) (uid, date string, ok bool) {
	i := strings.LastIndexByte(member, '|')
	if i <= 0 || i == len(member)-1 {
		return "", "", false
	}
	return member[:i], member[i+1:], true
}

// Add buffers activity for one user and day.
func (b *RedisActivityBuffer) Add(ctx context.Context, uid, date string, a model.Activity) error {
	member := pendingMember(uid, date)
	key := b.entryKey(member)

	pipe := b.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "steps", a.Steps)
	pipe.HIncrByFloat(ctx, key, "miles", a.Miles)
	pipe.HIncrBy(ctx, key, "calories", a.Calories)
	pipe.HSet(ctx, key, "updated_at", time.Now().UnixNano())
	pipe.SAdd(ctx, b.pendingKey(), member)
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns the pending activity of one user and day, or nil.
func (b *RedisActivityBuffer) Get(ctx context.Context, uid, date string) (*model.BufferedActivity, error) {
	return b.read(ctx, pendingMember(uid, date))
}

func (b *RedisActivityBuffer) read(ctx context.Context, member string) (*model.BufferedActivity, error) {
	uid, date, ok := splitMember(member)
	if !ok {
		return nil, fmt.Errorf("%w: member %q", errMalformedEntry, member)
	}

	fields, err := b.client.HGetAll(ctx, b.entryKey(member)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	item := &model.BufferedActivity{UserID: uid, Date: date}
	if item.Activity.Steps, err = parseCounter(fields["steps"]); err != nil {
		return nil, fmt.Errorf("%w: %s steps: %v", errMalformedEntry, member, err)
	}
	if item.Activity.Calories, err = parseCounter(fields["calories"]); err != nil {
		return nil, fmt.Errorf("%w: %s calories: %v", errMalformedEntry, member, err)
	}
	if v := fields["miles"]; v != "" {
		if item.Activity.Miles, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("%w: %s miles: %v", errMalformedEntry, member, err)
		}
	}
	if ns, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		item.UpdatedAt = time.Unix(0, ns).UTC()
	}
	return item, nil
}

func parseCounter(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

// Count returns the number of pending entries.
func (b *RedisActivityBuffer) Count(ctx context.Context) (int64, error) {
	return b.client.SCard(ctx, b.pendingKey()).Result()
}

// FlushBatch applies up to MaxBatchSize entries and returns how many left the
// buffer. Entries that fail stay pending for the next run. Malformed and
// rejected entries are removed without being applied.
func (b *RedisActivityBuffer) FlushBatch(ctx context.Context) (int, error) {
	members, err := b.client.SRandMemberN(ctx, b.pendingKey(), MaxBatchSize).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	settled, flushed := 0, 0
	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, member := range members {
		item, err := b.read(ctx, member)
		switch {
		case errors.Is(err, errMalformedEntry):
			b.logger.Warn("dropping malformed entry", zap.String("member", member), zap.Error(err))
		case err != nil:
			b.logger.Error("reading entry failed", zap.String("member", member), zap.Error(err))
			keep(err)
			continue
		}
		if item == nil || item.Activity.IsZero() {
			if err := b.drop(ctx, member); err != nil {
				keep(err)
				continue
			}
			settled++
			continue
		}

		if err := b.flushFunc(ctx, item); err != nil {
			if !errors.Is(err, ErrRejected) {
				b.logger.Error("flush failed", zap.String("user_id", item.UserID), zap.String("date", item.Date), zap.Error(err))
				keep(err)
				continue
			}
			b.logger.Warn("dropping rejected entry", zap.String("user_id", item.UserID), zap.String("date", item.Date), zap.Error(err))
			if err := b.clear(ctx, member, item); err != nil {
				b.logger.Error("failed to clear rejected entry", zap.String("member", member), zap.Error(err))
				keep(err)
				continue
			}
			settled++
			continue
		}

		if err := b.clear(ctx, member, item); err != nil {
			b.logger.Error("failed to clear flushed entry", zap.String("member", member), zap.Error(err))
			keep(err)
			continue
		}
		flushed++
		settled++
	}

	if flushed > 0 {
		b.logger.Debug("flushed entries", zap.Int("count", flushed))
	}
	return settled, firstErr
}

// drop removes an entry that has nothing to apply.
func (b *RedisActivityBuffer) drop(ctx context.Context, member string) error {
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.entryKey(member))
	pipe.SRem(ctx, b.pendingKey(), member)
	_, err := pipe.Exec(ctx)
	return err
}

// clear subtracts item from its entry, keeping anything added since it was read.
func (b *RedisActivityBuffer) clear(ctx context.Context, member string, item *model.BufferedActivity) error {
	return subtractFlushedScript.Run(ctx, b.client,
		[]string{b.entryKey(member), b.pendingKey()},
		item.Activity.Steps,
		strconv.FormatFloat(item.Activity.Miles, 'f', -1, 64),
		item.Activity.Calories,
		member,
	).Err()
}

// Flush applies every pending entry. It stops at the first batch that
// reports an error.
func (b *RedisActivityBuffer) Flush(ctx context.Context) error {
	for {
		settled, err := b.FlushBatch(ctx)
		if err != nil {
			return err
		}
		if settled == 0 {
			return nil
		}
	}
}

func (b *RedisActivityBuffer) backgroundFlush() {
	defer close(b.flushDone)
	for {
		select {
		case <-b.flushTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), FlushTimeout)
			if _, err := b.FlushBatch(ctx); err != nil {
				b.logger.Error("background flush error", zap.Error(err))
			}
			cancel()
		case <-b.stopFlush:
			b.logger.Info("shutdown: flushing remaining entries")
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			if err := b.Flush(ctx); err != nil {
				b.logger.Error("shutdown flush error", zap.Error(err))
			}
			cancel()
			b.logger.Info("shutdown flush complete")
			return
		}
	}
}

// Close stops the buffer and performs a final flush.
func (b *RedisActivityBuffer) Close() error {
	var err error
	b.stopOnce.Do(func() {
		b.flushTicker.Stop()
		close(b.stopFlush)
		<-b.flushDone
		err = b.client.Close()
	})
	return err
}
