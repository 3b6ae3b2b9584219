package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"realtime_chat/internal/config"
	"realtime_chat/internal/dedup"
	"realtime_chat/internal/events"
	"realtime_chat/internal/handler"
	"realtime_chat/internal/hub"
	"realtime_chat/internal/metrics"
	"realtime_chat/internal/middleware"
	"realtime_chat/internal/repository"
	"realtime_chat/internal/service"
	"realtime_chat/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализация логгера
	appLogger := logger.New(cfg.Log.Level)
	defer appLogger.Sync()

	ctx := context.Background()
	checks := make(map[string]handler.Pinger)
	var backends repository.Backends

	// Подключение к PostgreSQL
	if cfg.NeedsPostgres() {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN)
		if err != nil {
			appLogger.Fatal("Invalid database DSN", "error", err)
		}
		poolCfg.MaxConns = int32(cfg.Database.MaxConnections)
		poolCfg.MaxConnIdleTime = cfg.Database.MaxIdleTime
		poolCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime

		dbPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			appLogger.Fatal("Failed to connect to database", "error", err)
		}
		defer dbPool.Close()

		if err := dbPool.Ping(ctx); err != nil {
			appLogger.Fatal("Failed to ping database", "error", err)
		}
		appLogger.Info("Database connection established")
		backends.Postgres = dbPool
		checks["postgres"] = dbPool.Ping
	}

	// Подключение к Redis
	if cfg.NeedsRedis() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			appLogger.Fatal("Failed to connect to Redis", "error", err)
		}
		appLogger.Info("Redis connection established")
		backends.Redis = rdb
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	// Подключение к MongoDB
	if cfg.Storage.Driver == config.StorageDriverMongo {
		mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			appLogger.Fatal("Failed to connect to MongoDB", "error", err)
		}
		defer func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mongoClient.Disconnect(disconnectCtx)
		}()

		if err := mongoClient.Ping(ctx, nil); err != nil {
			appLogger.Fatal("Failed to ping MongoDB", "error", err)
		}
		backends.Mongo = mongoClient.Database(cfg.Mongo.Database)
		if err := repository.EnsureMongoIndexes(ctx, backends.Mongo); err != nil {
			appLogger.Fatal("Failed to create MongoDB indexes", "error", err)
		}
		appLogger.Info("MongoDB connection established", "database", cfg.Mongo.Database)
		checks["mongo"] = func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) }
	}

	// Инициализация репозиториев
	repos, err := repository.NewRepositories(cfg, backends, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize repositories", "error", err)
	}

	// Метрики
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.New(registry)

	// Состояние шлюза живет весь процесс
	ledger, err := dedup.NewLedger(cfg.Gateway.DedupCapacity, dedup.WithContentWindow(cfg.Gateway.DedupContentWindow))
	if err != nil {
		appLogger.Fatal("Failed to create dedup ledger", "error", err)
	}
	presence := hub.NewPresence()
	rooms := hub.NewRegistry()
	metrics.TrackRooms(registry, rooms.RoomCount)
	rt := service.Runtime{
		Registry: rooms,
		Presence: presence,
		Ledger:   ledger,
		Metrics:  appMetrics,
	}

	// Инициализация сервисов
	services, err := service.NewServices(repos, rt, cfg, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize services", "error", err)
	}

	// События членства из брокера
	consumer := events.NewMembershipConsumer(services.Groups, appLogger)
	var subscriber events.Subscriber
	if cfg.AMQP.URL != "" {
		conn, err := events.DialWithRetry(ctx, events.ConnectionOptions{
			URL:           cfg.AMQP.URL,
			RetryAttempts: cfg.AMQP.RetryAttempts,
			Delay:         cfg.AMQP.RetryDelay,
			Logger:        appLogger,
		})
		if err != nil {
			appLogger.Fatal("Failed to connect to RabbitMQ", "error", err)
		}
		subscriber, err = events.NewSubscriber(conn, events.SubscriberOptions{
			Exchange: cfg.AMQP.Exchange,
			Buffer:   cfg.AMQP.Buffer,
			Workers:  cfg.AMQP.Workers,
		}, appLogger)
		if err != nil {
			appLogger.Fatal("Failed to create subscriber", "error", err)
		}
		consumer.Register(subscriber)
		if err := subscriber.Start(cfg.AMQP.Queue); err != nil {
			appLogger.Fatal("Failed to start subscriber", "error", err)
		}
		appLogger.Info("Membership subscriber started", "exchange", cfg.AMQP.Exchange, "queue", cfg.AMQP.Queue)
	}

	// Инициализация middleware
	authMiddleware := middleware.NewAuthMiddleware(services.Identity, appLogger)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(services.RateLimit, cfg.RateLimit.HTTPLimit, cfg.RateLimit.HTTPWindow, appLogger)

	// Инициализация handlers
	handlers := handler.NewHandlers(services, presence, consumer, checks, cfg, appLogger)

	// Настройка роутера
	router := handler.NewRouter(handlers, authMiddleware, rateLimitMiddleware,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), cfg, appLogger)

	// Запуск HTTP сервера. Апгрейд сокета снимает эти дедлайны с соединения.
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		appLogger.Info("Starting server", "addr", srv.Addr, "storage", cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Ожидание сигнала для graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown не ждет hijacked-соединения, сокеты закрываем сами
	presence.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", "error", err)
	}
	if subscriber != nil {
		if err := subscriber.Close(); err != nil {
			appLogger.Warn("Failed to close subscriber", "error", err)
		}
	}

	appLogger.Info("Server exited")
}
