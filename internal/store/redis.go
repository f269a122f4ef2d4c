package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStoreConfig holds configuration for the Redis document store.
type RedisStoreConfig struct {
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string
	MaxAttempts int
}

type redisRecord struct {
	Data    json.RawMessage `json:"data"`
	Version int64           `json:"version"`
	Updated int64           `json:"updated"`
}

// RedisStore implements DocumentStore on Redis. Documents are JSON strings,
// collections are sets of member paths. Transactions use WATCH/MULTI/EXEC and
// committed paths are published so every process can wake its listeners.
type RedisStore struct {
	client      *redis.Client
	keyPrefix   string
	maxAttempts int
	watches     *watchRegistry

	pubsub    *redis.PubSub
	done      chan struct{}
	closeOnce sync.Once
}

// NewRedisStore connects to Redis and subscribes to the change channel.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
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
		keyPrefix = "trek:store"
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	s := &RedisStore{
		client:      client,
		keyPrefix:   keyPrefix,
		maxAttempts: maxAttempts,
		watches:     newWatchRegistry(),
		done:        make(chan struct{}),
	}

	s.pubsub = client.Subscribe(ctx, s.changesChannel())
	if _, err := s.pubsub.Receive(ctx); err != nil {
		s.pubsub.Close()
		client.Close()
		return nil, fmt.Errorf("failed to subscribe to changes: %w", err)
	}
	go s.consumeChanges()

	return s, nil
}

func (s *RedisStore) docKey(path string) string {
	return s.keyPrefix + ":doc:" + path
}

func (s *RedisStore) collectionKey(collection string) string {
	return s.keyPrefix + ":col:" + collection
}

func (s *RedisStore) changesChannel() string {
	return s.keyPrefix + ":changes"
}

func (s *RedisStore) consumeChanges() {
	defer close(s.done)
	for msg := range s.pubsub.Channel() {
		s.watches.notify(strings.Split(msg.Payload, "\n")...)
	}
}

func decodeRecord(path string, raw []byte) (*Document, error) {
	var rec redisRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", path, err)
	}
	data, err := decodeData(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", path, err)
	}
	return &Document{Path: path, Data: data, Version: rec.Version, UpdateTime: time.Unix(0, rec.Updated).UTC()}, nil
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) getDoc(ctx context.Context, c stringGetter, path string) (*Document, error) {
	raw, err := c.Get(ctx, s.docKey(path)).Bytes()
	if err == redis.Nil {
		return missing(path), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", path, err)
	}
	return decodeRecord(path, raw)
}

// Get reads a document.
func (s *RedisStore) Get(ctx context.Context, path string) (*Document, error) {
	if err := ValidateDocumentPath(path); err != nil {
		return nil, err
	}
	return s.getDoc(ctx, s.client, path)
}

// List reads the direct children of a collection.
func (s *RedisStore) List(ctx context.Context, collection string) ([]*Document, error) {
	if err := ValidateCollectionPath(collection); err != nil {
		return nil, err
	}

	paths, err := s.client.SMembers(ctx, s.collectionKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	if len(paths) == 0 {
		return nil, nil
	}

	keys := make([]string, len(paths))
	for i, p := range paths {
		keys[i] = s.docKey(p)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}

	docs := make([]*Document, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // member outlived its document
		}
		doc, err := decodeRecord(paths[i], []byte(raw))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	sortDocuments(docs)
	return docs, nil
}

// Set replaces a document.
func (s *RedisStore) Set(ctx context.Context, path string, data map[string]interface{}) error {
	return s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Set(path, data)
	})
}

// Merge sets fields on a document, creating it if needed.
func (s *RedisStore) Merge(ctx context.Context, path string, fields map[string]interface{}) error {
	return s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Merge(path, fields)
	})
}

// Delete removes a document.
func (s *RedisStore) Delete(ctx context.Context, path string) error {
	return s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Delete(path)
	})
}

// RunTransaction runs fn under WATCH on every key it reads and commits with
// MULTI/EXEC, re-running fn when a watched key changed.
func (s *RedisStore) RunTransaction(ctx context.Context, fn TxFunc) error {
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		var changed []string
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &redisTxn{writeBuffer: newWriteBuffer(), store: s, rtx: rtx}
			if err := fn(ctx, tx); err != nil {
				return err
			}

			states, err := tx.stage(func(path string) (*Document, error) {
				if err := rtx.Watch(ctx, s.docKey(path)).Err(); err != nil {
					return nil, err
				}
				return s.getDoc(ctx, rtx, path)
			})
			if err != nil {
				return err
			}
			if len(states) == 0 {
				return nil
			}

			now := time.Now().UnixNano()
			changed = changed[:0]
			_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, st := range states {
					if st.exists {
						data, err := encodeData(st.data)
						if err != nil {
							return fmt.Errorf("failed to encode document %s: %w", st.path, err)
						}
						rec, err := json.Marshal(redisRecord{Data: data, Version: st.baseVersion + 1, Updated: now})
						if err != nil {
							return err
						}
						pipe.Set(ctx, s.docKey(st.path), rec, 0)
						pipe.SAdd(ctx, s.collectionKey(Parent(st.path)), st.path)
					} else {
						pipe.Del(ctx, s.docKey(st.path))
						pipe.SRem(ctx, s.collectionKey(Parent(st.path)), st.path)
					}
					changed = append(changed, st.path)
				}
				pipe.Publish(ctx, s.changesChannel(), strings.Join(changed, "\n"))
				return nil
			})
			return err
		})

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return err
		}
		s.watches.notify(changed...)
		return nil
	}
	return ErrAborted
}

// ListenDocument delivers the document now and after every change.
func (s *RedisStore) ListenDocument(ctx context.Context, path string, fn Listener) (Registration, error) {
	return s.watches.add(ctx, s, path, false, 0, fn)
}

// ListenCollection delivers the collection now and after every change.
func (s *RedisStore) ListenCollection(ctx context.Context, collection string, fn Listener) (Registration, error) {
	return s.watches.add(ctx, s, collection, true, 0, fn)
}

// Stats returns document and listener counts.
func (s *RedisStore) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{
		"backend":   "redis",
		"listeners": s.watches.count(),
	}

	var total int64
	iter := s.client.Scan(ctx, 0, s.keyPrefix+":doc:*", 100).Iterator()
	for iter.Next(ctx) {
		total++
	}
	if err := iter.Err(); err != nil {
		return stats, err
	}
	stats["total_documents"] = total
	return stats, nil
}

// Close stops listeners, the change subscription and the client.
func (s *RedisStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.watches.closeAll()
		s.pubsub.Close()
		<-s.done
		err = s.client.Close()
	})
	return err
}

type redisTxn struct {
	*writeBuffer
	store *RedisStore
	rtx   *redis.Tx
}

func (t *redisTxn) Get(ctx context.Context, path string) (*Document, error) {
	if err := t.beforeRead(path); err != nil {
		return nil, err
	}
	if doc, ok := t.reads[path]; ok {
		return cloneDocument(doc), nil
	}
	if err := t.rtx.Watch(ctx, t.store.docKey(path)).Err(); err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}
	doc, err := t.store.getDoc(ctx, t.rtx, path)
	if err != nil {
		return nil, err
	}
	t.recordRead(doc)
	return cloneDocument(doc), nil
}

// Ensure RedisStore implements DocumentStore
var _ DocumentStore = (*RedisStore)(nil)
