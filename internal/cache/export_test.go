package cache

import "github.com/redis/go-redis/v9"

// BufferClient exposes the buffer's client so tests can install hooks.
func BufferClient(b *RedisActivityBuffer) *redis.Client {
	return b.client
}
