package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	redisGamePrefix = "chopsticks:game:"
	redisIndexKey   = "chopsticks:games"
)

// Redis keeps each game under its own key and a sorted set of ids scored by
// update time.
type Redis struct {
	rdb *redis.Client
}

// OpenRedis connects to the server at url, e.g. redis://localhost:6379/0.
func OpenRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Redis{rdb: rdb}, nil
}

func (r *Redis) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal game %s: %w", rec.ID, err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisGamePrefix+rec.ID, data, 0)
		pipe.ZAdd(ctx, redisIndexKey, redis.Z{Score: float64(rec.UpdatedAt.UnixNano()), Member: rec.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save game %s: %w", rec.ID, err)
	}
	return nil
}

func (r *Redis) Load(ctx context.Context, id string) (Record, error) {
	data, err := r.rdb.Get(ctx, redisGamePrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load game %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode game %s: %w", id, err)
	}
	return rec, nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, redisGamePrefix+id)
		pipe.ZRem(ctx, redisIndexKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete game %s: %w", id, err)
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) List(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.ZRevRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	return ids, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
