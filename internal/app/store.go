package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"stockyard/internal/config"
	"stockyard/internal/credstore"
	"stockyard/internal/db"
)

// OpenStore builds the credential store selected by cfg.Driver.
func OpenStore(cfg config.StoreConfig) (credstore.Store, error) {
	switch cfg.Driver {
	case "memory":
		return credstore.NewMemoryStore(), nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return credstore.NewRedisStore(client, cfg.Namespace, cfg.Timeout), nil

	case "sqlite":
		database, err := db.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening credential database: %w", err)
		}
		return db.NewCredentialStore(database, cfg.Namespace), nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
