package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "idempotency:"

// RedisStore keeps each record as a JSON value under idempotency:<key>. Terminal records get
// a TTL matching ExpiresAt so Redis evicts them itself.
type RedisStore struct {
	client  *redis.Client
	retries int
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, retries: 10}
}

// NewRedisStoreFromAddr dials addr and pings it.
func NewRedisStoreFromAddr(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis addr is empty")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client), nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Create(ctx context.Context, rec Record) (Record, bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, false, err
	}
	ok, err := r.client.SetNX(ctx, redisKeyPrefix+rec.Key, data, 0).Result()
	if err != nil {
		return Record{}, false, err
	}
	if ok {
		return rec, true, nil
	}
	existing, err := r.Get(ctx, rec.Key)
	if err != nil {
		return Record{}, false, err
	}
	if existing == nil {
		return Record{}, false, ErrNotFound
	}
	return *existing, false, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode idempotency record %s: %w", key, err)
	}
	return &rec, nil
}

// Finalize uses optimistic locking so two finalizers cannot both win.
func (r *RedisStore) Finalize(ctx context.Context, key string, f Final) (Record, error) {
	rkey := redisKeyPrefix + key
	var out Record
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, rkey).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode idempotency record %s: %w", key, err)
		}
		if !applyFinal(&rec, f) {
			out = rec
			return nil
		}
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		ttl := time.Until(rec.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Second
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rkey, encoded, ttl)
			return nil
		})
		if err == nil {
			out = rec
		}
		return err
	}

	for i := 0; i < r.retries; i++ {
		err := r.client.Watch(ctx, txf, rkey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Record{}, err
		}
		return out, nil
	}
	return Record{}, fmt.Errorf("finalize %s: too much contention", key)
}

// Purge is a no-op: expired terminal records are evicted by their TTL.
func (r *RedisStore) Purge(context.Context, time.Time) (int, error) {
	return 0, nil
}
