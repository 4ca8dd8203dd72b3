package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisKey = "job-comb:import-status"
	maxTxRetries    = 100
)

var ErrTooMuchContention = errors.New("status update aborted after repeated conflicts")

var _ Store = (*RedisStore)(nil)

// RedisStore keeps the status as one JSON value so several processes can
// share it. Update uses WATCH/MULTI optimistic transactions.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Connected to Redis", "addr", addr)

	return NewRedisStoreWithClient(client, DefaultRedisKey), nil
}

func NewRedisStoreWithClient(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (r *RedisStore) Get(ctx context.Context) (ImportStatus, error) {
	return r.read(ctx, r.client)
}

func (r *RedisStore) Set(ctx context.Context, s ImportStatus) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisStore) Update(ctx context.Context, fn func(*ImportStatus)) (ImportStatus, error) {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var next ImportStatus
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := r.read(ctx, tx)
			if err != nil {
				return err
			}
			fn(&current)

			data, err := json.Marshal(current)
			if err != nil {
				return fmt.Errorf("failed to marshal status: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, r.key, data, 0)
				return nil
			})
			next = current
			return err
		}, r.key)

		if err == nil {
			return next, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return ImportStatus{}, fmt.Errorf("failed to update key %s: %w", r.key, err)
		}
		slog.Debug("Status update conflict, retrying", "key", r.key, "attempt", attempt+1)
	}
	return ImportStatus{}, ErrTooMuchContention
}

// Ping reports whether Redis is reachable.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) read(ctx context.Context, c stringGetter) (ImportStatus, error) {
	data, err := c.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Idle(), nil
	}
	if err != nil {
		return ImportStatus{}, fmt.Errorf("failed to get key %s: %w", r.key, err)
	}

	var s ImportStatus
	if err := json.Unmarshal(data, &s); err != nil {
		return ImportStatus{}, fmt.Errorf("failed to decode status: %w", err)
	}
	if s.Log == nil {
		s.Log = []string{}
	}
	return s, nil
}
