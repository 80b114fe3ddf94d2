package credstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"stockyard/internal/constants"
)

// RedisStore keeps credentials in Redis under "<namespace>:<key>", for
// deployments where several client processes share one installation. An
// empty namespace falls back to the default one so Clear never matches keys
// it does not own.
type RedisStore struct {
	client    *redis.Client
	namespace string
	timeout   time.Duration
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, namespace string, timeout time.Duration) *RedisStore {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if namespace == "" {
		namespace = constants.DefaultStoreNamespace
	}
	return &RedisStore{client: client, namespace: namespace, timeout: timeout}
}

func (s *RedisStore) key(k string) string {
	return s.namespace + ":" + k
}

func (s *RedisStore) Write(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Read(key string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	iter := s.client.Scan(ctx, 0, s.key("*"), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning credentials: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clearing credentials: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
