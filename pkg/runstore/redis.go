package runstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scottdavis/agentgraph/pkg/errors"
)

const (
	// redisKeyPrefix prefixes the key of every record
	redisKeyPrefix = "agentgraph:run:"
	// redisIndexKey is a sorted set of run IDs scored by start time
	redisIndexKey = "agentgraph:runs"
)

// RedisStore implements Store using Redis as the backend. Records are JSON
// strings; expiry uses Redis key TTLs, and CleanExpired drops index entries
// whose record has expired.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a new Redis-backed run store.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	return NewRedisStoreWithOptions(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedisStoreWithOptions creates a Redis-backed run store from client
// options.
func NewRedisStoreWithOptions(opts *redis.Options) (*RedisStore, error) {
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.WithFields(
			errors.Wrap(err, errors.Unknown, "failed to connect to Redis"),
			errors.Fields{"addr": opts.Addr},
		)
	}
	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Save(ctx context.Context, rec Record, opts ...SaveOption) error {
	o := saveOptions(opts)
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.InvalidInput, "failed to marshal run record"),
			errors.Fields{"run_id": rec.ID},
		)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisKeyPrefix+rec.ID, data, o.TTL)
		pipe.ZAdd(ctx, redisIndexKey, redis.Z{Score: float64(rec.StartedAt.UnixNano()), Member: rec.ID})
		return nil
	})
	if err != nil {
		return errors.WithFields(
			errors.Wrap(err, errors.Unknown, "failed to store run in Redis"),
			errors.Fields{"run_id": rec.ID, "ttl": o.TTL},
		)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (Record, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return Record{}, notFound(id)
	}
	if err != nil {
		return Record{}, errors.WithFields(
			errors.Wrap(err, errors.Unknown, "failed to retrieve run from Redis"),
			errors.Fields{"run_id": id},
		)
	}
	return decodeRecord(id, data)
}

func decodeRecord(id string, data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, errors.WithFields(
			errors.Wrap(err, errors.InvalidResponse, "failed to unmarshal run record"),
			errors.Fields{"run_id": id},
		)
	}
	return rec, nil
}

func (r *RedisStore) List(ctx context.Context, limit int) ([]Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := r.client.ZRevRange(ctx, redisIndexKey, 0, stop).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to list runs from Redis")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisKeyPrefix + id
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.Unknown, "failed to load runs from Redis")
	}

	out := make([]Record, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Expired; CleanExpired drops the index entry.
			continue
		}
		rec, err := decodeRecord(ids[i], []byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// CleanExpired removes index entries whose record has expired. Redis
// expires the records themselves.
func (r *RedisStore) CleanExpired(ctx context.Context) (int64, error) {
	ids, err := r.client.ZRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return 0, errors.Wrap(err, errors.Unknown, "failed to read run index")
	}

	var stale []any
	for _, id := range ids {
		n, err := r.client.Exists(ctx, redisKeyPrefix+id).Result()
		if err != nil {
			return 0, errors.Wrap(err, errors.Unknown, "failed to check run")
		}
		if n == 0 {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	removed, err := r.client.ZRem(ctx, redisIndexKey, stale...).Result()
	if err != nil {
		return 0, errors.Wrap(err, errors.Unknown, "failed to clean run index")
	}
	return removed, nil
}

// Clear removes every record. It is meant for tests.
func (r *RedisStore) Clear(ctx context.Context) error {
	ids, err := r.client.ZRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to read run index")
	}
	keys := []string{redisIndexKey}
	for _, id := range ids {
		keys = append(keys, redisKeyPrefix+id)
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(err, errors.Unknown, "failed to clear Redis store")
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
