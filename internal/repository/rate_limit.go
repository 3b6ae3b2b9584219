package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"realtime_chat/pkg/logger"
)

const RateLimitKeyPrefix = "chat:ratelimit:%s"

type RateLimitRepository interface {
	// Hit увеличивает счетчик окна и возвращает новое значение
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
	Count(ctx context.Context, key string) (int64, error)
}

type rateLimitRepository struct {
	redis *redis.Client
	log   logger.Logger
}

func NewRateLimitRepository(redis *redis.Client, log logger.Logger) RateLimitRepository {
	return &rateLimitRepository{redis: redis, log: log}
}

func (r *rateLimitRepository) key(key string) string {
	return fmt.Sprintf(RateLimitKeyPrefix, key)
}

func (r *rateLimitRepository) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := r.redis.Incr(ctx, r.key(key)).Result()
	if err != nil {
		r.log.Error("Failed to increment rate limit", "error", err, "key", key)
		return 0, err
	}

	// окно открывает первый запрос
	if count == 1 {
		if err := r.redis.Expire(ctx, r.key(key), window).Err(); err != nil {
			r.log.Warn("Failed to set rate limit window", "error", err, "key", key)
		}
	}
	return count, nil
}

func (r *rateLimitRepository) Count(ctx context.Context, key string) (int64, error) {
	count, err := r.redis.Get(ctx, r.key(key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		r.log.Error("Failed to check rate limit", "error", err, "key", key)
		return 0, err
	}
	return count, nil
}

// memoryRateLimitRepository - фиксированные окна в памяти процесса, когда Redis не нужен
type memoryRateLimitRepository struct {
	mu       sync.Mutex
	counters map[string]*memoryWindow
	now      func() time.Time
}

type memoryWindow struct {
	count   int64
	resetAt time.Time
}

func NewMemoryRateLimitRepository() RateLimitRepository {
	return &memoryRateLimitRepository{
		counters: make(map[string]*memoryWindow),
		now:      time.Now,
	}
}

func (r *memoryRateLimitRepository) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w, ok := r.counters[key]
	if !ok || !now.Before(w.resetAt) {
		w = &memoryWindow{resetAt: now.Add(window)}
		r.counters[key] = w
	}
	w.count++
	return w.count, nil
}

func (r *memoryRateLimitRepository) Count(ctx context.Context, key string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.counters[key]
	if !ok || !r.now().Before(w.resetAt) {
		return 0, nil
	}
	return w.count, nil
}
