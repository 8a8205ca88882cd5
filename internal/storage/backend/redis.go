package backend

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/LettoKarvat/RCAFORM/internal/storage/entity"
)

// Redis stores the collection document under Key and a decimal counter
// under Key+":version". Commits run in a WATCH/MULTI transaction so the
// precondition is atomic, create included.
type Redis struct {
	client *redis.Client
	key    string
	codec  Codec
}

// NewRedis returns a Redis backend. The client lifecycle is managed by the
// caller.
func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = "rcaform:collection"
	}
	return &Redis{client: client, key: key, codec: JSONCodec{}}
}

// OpenRedis parses a redis:// URL and checks the connection.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Name implements Backend.
func (r *Redis) Name() string {
	return "redis"
}

func (r *Redis) versionKey() string {
	return r.key + ":version"
}

// Fetch implements Backend.
func (r *Redis) Fetch(ctx context.Context) (*Snapshot, error) {
	vals, err := r.client.MGet(ctx, r.key, r.versionKey()).Result()
	if err != nil {
		return nil, Unavailable("fetch", err)
	}
	doc, ok := vals[0].(string)
	if !ok {
		return nil, ErrNotFound
	}
	version, _ := vals[1].(string)
	items, err := r.codec.Decode([]byte(doc))
	if err != nil {
		return nil, err
	}
	return &Snapshot{Items: items, Version: Version(version)}, nil
}

// Commit implements Backend.
func (r *Redis) Commit(ctx context.Context, items []entity.Record, expected Version) (Version, error) {
	data, err := r.codec.Encode(items)
	if err != nil {
		return "", fmt.Errorf("failed to encode collection: %w", err)
	}
	var next int64
	txf := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, r.key).Result()
		if err != nil {
			return Unavailable("commit", err)
		}
		current, err := tx.Get(ctx, r.versionKey()).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return Unavailable("commit", err)
		}
		if err := checkPrecondition(expected, Version(current), exists == 1); err != nil {
			return err
		}
		var incr *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.key, data, 0)
			incr = pipe.Incr(ctx, r.versionKey())
			return nil
		})
		if err != nil {
			return err
		}
		next = incr.Val()
		return nil
	}
	err = r.client.Watch(ctx, txf, r.key, r.versionKey())
	switch {
	case err == nil:
		return Version(strconv.FormatInt(next, 10)), nil
	case errors.Is(err, redis.TxFailedErr):
		return "", &ConflictError{Expected: expected}
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrUnavailable):
		return "", err
	default:
		return "", Unavailable("commit", err)
	}
}
