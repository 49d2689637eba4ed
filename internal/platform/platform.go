// Package platform поднимает внешние подключения, общие для воркера, API и washctl.
package platform

import (
	"context"
	"fmt"
	"time"

	"novel-wash/internal/config"
	"novel-wash/internal/database"
	"novel-wash/shared/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	rabbitMaxRetries = 5
	rabbitRetryDelay = 5 * time.Second
)

// NewLogger собирает логгер процесса из конфига.
func NewLogger(cfg *config.Config, service string) (*zap.Logger, error) {
	return logger.New(logger.Config{
		Level:    cfg.LogLevel,
		Encoding: cfg.LogEncoding,
		Service:  service,
	})
}

// Infra - открытые подключения процесса. Поля, которые не запрашивали, остаются nil.
type Infra struct {
	DB     *pgxpool.Pool
	Redis  *redis.Client
	Rabbit *amqp.Connection

	logger *zap.Logger
}

// Needs - какие подключения открыть.
type Needs struct {
	DB     bool
	Redis  bool
	Rabbit bool
}

// Open открывает запрошенные подключения. При ошибке уже открытые закрываются.
func Open(ctx context.Context, cfg *config.Config, needs Needs, log *zap.Logger) (*Infra, error) {
	infra := &Infra{logger: log}
	if needs.DB {
		log.Info("Connecting to PostgreSQL...")
		pool, err := database.Connect(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		infra.DB = pool
	}
	if needs.Redis {
		log.Info("Connecting to Redis...", zap.String("addr", cfg.RedisAddr), zap.Int("db", cfg.RedisDB))
		client, err := ConnectRedis(ctx, cfg)
		if err != nil {
			infra.Close()
			return nil, err
		}
		infra.Redis = client
	}
	if needs.Rabbit {
		log.Info("Connecting to RabbitMQ...")
		conn, err := ConnectRabbitMQ(ctx, cfg.RabbitMQURL, log)
		if err != nil {
			infra.Close()
			return nil, err
		}
		infra.Rabbit = conn
	}
	return infra, nil
}

// Close закрывает подключения в обратном порядке.
func (i *Infra) Close() {
	if i.Rabbit != nil {
		if err := i.Rabbit.Close(); err != nil && err != amqp.ErrClosed {
			i.logger.Warn("Error closing RabbitMQ connection", zap.Error(err))
		}
	}
	if i.Redis != nil {
		if err := i.Redis.Close(); err != nil {
			i.logger.Warn("Error closing Redis client", zap.Error(err))
		}
	}
	if i.DB != nil {
		i.DB.Close()
	}
}

// ConnectRedis создаёт клиент и проверяет его ping.
func ConnectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("не удалось подключиться к Redis %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

// ConnectRabbitMQ подключается с несколькими попытками: брокер в compose стартует дольше воркера.
func ConnectRabbitMQ(ctx context.Context, url string, log *zap.Logger) (*amqp.Connection, error) {
	var err error
	for i := 0; i < rabbitMaxRetries; i++ {
		var conn *amqp.Connection
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		log.Warn("Failed to connect to RabbitMQ",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", rabbitMaxRetries),
			zap.Duration("retry_delay", rabbitRetryDelay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(rabbitRetryDelay):
		}
	}
	return nil, fmt.Errorf("не удалось подключиться к RabbitMQ: %w", err)
}
