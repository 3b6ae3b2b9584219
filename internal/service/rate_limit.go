package service

import (
	"context"
	"time"

	"realtime_chat/internal/repository"
	"realtime_chat/pkg/logger"
)

type RateLimitService interface {
	// CheckLimit учитывает попытку и сообщает, укладывается ли ключ в лимит окна
	CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

type rateLimitService struct {
	rateLimitRepo repository.RateLimitRepository
	log           logger.Logger
}

func NewRateLimitService(rateLimitRepo repository.RateLimitRepository, log logger.Logger) RateLimitService {
	return &rateLimitService{
		rateLimitRepo: rateLimitRepo,
		log:           log,
	}
}

func (s *rateLimitService) CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	count, err := s.rateLimitRepo.Hit(ctx, key, window)
	if err != nil {
		// хранилище счетчиков недоступно: пропускаем, а не блокируем чат
		s.log.Warn("Rate limit check failed, allowing", "error", err, "key", key)
		return true, err
	}
	return count <= int64(limit), nil
}

func (s *rateLimitService) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	return s.rateLimitRepo.Hit(ctx, key, window)
}
