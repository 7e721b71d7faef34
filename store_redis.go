package d3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ============================================================================
// RedisStore
// ============================================================================

// RedisStore keeps the local store in Redis: one hash per partition, and the
// queue as an id counter, a sorted set of ids scored by createdAt and a hash
// of encoded records. Use it when the sync daemon runs beside a persistent
// Redis instead of on the device.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to redisURL and checks the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, storageError("connect to redis", err)
	}
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "d3:"}
}

func (s *RedisStore) partitionKey(p Partition) string { return s.prefix + "kv:" + string(p) }
func (s *RedisStore) seqKey() string                  { return s.prefix + "queue:seq" }
func (s *RedisStore) idsKey() string                  { return s.prefix + "queue:ids" }
func (s *RedisStore) itemsKey() string                { return s.prefix + "queue:items" }

func (s *RedisStore) Put(ctx context.Context, p Partition, key string, value []byte) error {
	if err := s.client.HSet(ctx, s.partitionKey(p), key, value).Err(); err != nil {
		return storageError("put", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, p Partition, key string) ([]byte, bool, error) {
	v, err := s.client.HGet(ctx, s.partitionKey(p), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageError("get", err)
	}
	return v, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, p Partition, key string) error {
	if err := s.client.HDel(ctx, s.partitionKey(p), key).Err(); err != nil {
		return storageError("delete", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, p Partition) ([]Entry, error) {
	all, err := s.client.HGetAll(ctx, s.partitionKey(p)).Result()
	if err != nil {
		return nil, storageError("list", err)
	}
	out := make([]Entry, 0, len(all))
	for k, v := range all {
		out = append(out, Entry{Key: k, Value: []byte(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *RedisStore) AppendQueue(ctx context.Context, rec QueueRecord) (int64, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("encode queue record: %w", err)
	}
	id, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return 0, storageError("append queue id", err)
	}
	member := strconv.FormatInt(id, 10)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.itemsKey(), member, data)
		pipe.ZAdd(ctx, s.idsKey(), redis.Z{Score: float64(rec.CreatedAt), Member: member})
		return nil
	})
	if err != nil {
		return 0, storageError("append queue", err)
	}
	return id, nil
}

func (s *RedisStore) ListQueue(ctx context.Context) ([]QueueRecord, error) {
	ids, err := s.client.ZRange(ctx, s.idsKey(), 0, -1).Result()
	if err != nil {
		return nil, storageError("list queue", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	items, err := s.client.HMGet(ctx, s.itemsKey(), ids...).Result()
	if err != nil {
		return nil, storageError("list queue items", err)
	}

	out := make([]QueueRecord, 0, len(ids))
	for i, member := range ids {
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		raw, ok := items[i].(string)
		if !ok {
			continue
		}
		var rec QueueRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			// Hand the raw bytes back so the reconciler can set them aside.
			rec = QueueRecord{Payload: json.RawMessage(raw)}
		}
		rec.ID = id
		out = append(out, rec)
	}
	sortQueue(out)
	return out, nil
}

func (s *RedisStore) RemoveQueue(ctx context.Context, id int64) error {
	member := strconv.FormatInt(id, 10)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.idsKey(), member)
		pipe.HDel(ctx, s.itemsKey(), member)
		return nil
	})
	if err != nil {
		return storageError("remove queue", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
