package repository

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"realtime_chat/internal/config"
	"realtime_chat/pkg/logger"
)

type Repositories struct {
	Messages  MessageStore
	Groups    GroupDirectory
	RateLimit RateLimitRepository
	Audit     AuditRepository
}

// Backends - подключения, открытые в main. Неиспользуемые драйвером могут быть nil.
type Backends struct {
	Postgres *pgxpool.Pool
	Redis    *redis.Client
	Mongo    *mongo.Database
}

func NewRepositories(cfg *config.Config, b Backends, log logger.Logger) (*Repositories, error) {
	repos := &Repositories{}

	switch cfg.Storage.Driver {
	case config.StorageDriverPostgres:
		if b.Postgres == nil {
			return nil, fmt.Errorf("postgres storage requires a database pool")
		}
		repos.Messages = NewChatRepository(b.Postgres, log)
	case config.StorageDriverRedis:
		if b.Redis == nil {
			return nil, fmt.Errorf("redis storage requires a redis client")
		}
		repos.Messages = NewRedisChatRepository(b.Redis, cfg.Redis.MessageTTL, log)
	case config.StorageDriverMongo:
		if b.Mongo == nil {
			return nil, fmt.Errorf("mongo storage requires a database")
		}
		repos.Messages = NewMongoChatRepository(b.Mongo, log)
	case config.StorageDriverMemory:
		repos.Messages = NewMemoryChatRepository()
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	log.Info("Message store initialized", "driver", cfg.Storage.Driver)

	switch cfg.Storage.GroupDriver {
	case config.StorageDriverPostgres:
		if b.Postgres == nil {
			return nil, fmt.Errorf("postgres group directory requires a database pool")
		}
		repos.Groups = NewGroupRepository(b.Postgres, log)
	default:
		repos.Groups = NewMemoryGroupDirectory()
	}
	log.Info("Group directory initialized", "driver", cfg.Storage.GroupDriver)

	if b.Postgres != nil {
		repos.Audit = NewAuditRepository(b.Postgres, log)
	} else {
		repos.Audit = NewMemoryAuditRepository()
	}

	if b.Redis != nil {
		repos.RateLimit = NewRateLimitRepository(b.Redis, log)
	} else {
		repos.RateLimit = NewMemoryRateLimitRepository()
	}

	return repos, nil
}
