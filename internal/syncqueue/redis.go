package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"digiqc/internal/domain"
)

const redisLockTTL = 10 * time.Second

// RedisPersister stores the queue as one JSON value. Apply reads, merges and
// writes it while holding a redislock, so devices sharing a key never drop
// each other's items.
type RedisPersister struct {
	client redis.UniversalClient
	locker *redislock.Client
	key    string
}

func NewRedisPersister(client redis.UniversalClient, key string) *RedisPersister {
	if key == "" {
		key = "digiqc:sync_queue"
	}
	return &RedisPersister{client: client, locker: redislock.New(client), key: key}
}

func (r *RedisPersister) Load(ctx context.Context) ([]domain.SyncItem, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	var items []domain.SyncItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse redis queue %s: %w", r.key, err)
	}
	return items, nil
}

func (r *RedisPersister) Apply(ctx context.Context, c Change) error {
	lock, err := r.locker.Obtain(ctx, "lock:"+r.key, redisLockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 40),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return fmt.Errorf("queue key %s is locked by another writer", r.key)
	}
	if err != nil {
		return fmt.Errorf("obtain redis lock: %w", err)
	}
	defer func() { _ = lock.Release(ctx) }()

	items, err := r.Load(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(merge(items, c))
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}
