package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/org/lockr/pkg/models"
	"github.com/redis/go-redis/v9"
)

// ErrNoResult is returned when no cached result exists for an address.
var ErrNoResult = errors.New("no cached probe result")

// ResultStore caches the latest result per address.
type ResultStore interface {
	Save(ctx context.Context, r *models.HostCheckResult) error
	Latest(ctx context.Context, address string) (*models.HostCheckResult, error)
}

// RedisStore keeps results in Redis under
//
//	lockr:probe:{address}  - JSON encoded HostCheckResult, expires after TTL
type RedisStore struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisStoreFromClient(client, ttl), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{redis: client, ttl: ttl}
}

func resultKey(address string) string {
	return "lockr:probe:" + address
}

// Save implements ResultStore.
func (s *RedisStore) Save(ctx context.Context, r *models.HostCheckResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	if err := s.redis.Set(ctx, resultKey(r.Address), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("caching result for %s: %w", r.Address, err)
	}
	return nil
}

// Latest implements ResultStore.
func (s *RedisStore) Latest(ctx context.Context, address string) (*models.HostCheckResult, error) {
	data, err := s.redis.Get(ctx, resultKey(address)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoResult
	}
	if err != nil {
		return nil, fmt.Errorf("reading cached result for %s: %w", address, err)
	}
	var r models.HostCheckResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding cached result for %s: %w", address, err)
	}
	return &r, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.redis.Close()
}
