package searchsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// CheckpointStore holds per-entity-type watermarks. Set is a
// compare-and-swap: it fails with ErrCheckpointConflict when the stored
// value does not match the expected previous one, so two concurrent
// runners can never regress or double-advance a watermark.
type CheckpointStore interface {
	Get(ctx context.Context, entityType string) (Watermark, bool, error)
	Set(ctx context.Context, entityType string, next Watermark, expected Watermark) error
	Ready(ctx context.Context) error
}

// casScript swaps the stored watermark only when the current value
// matches the expected one. A missing key compares equal to the empty
// string, which is the encoding of the zero watermark.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false then
	cur = ''
end
if cur == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

type RedisCheckpointStore struct {
	rdb       *redis.Client
	keyPrefix string
}

func NewRedisCheckpointStore(rdb *redis.Client) *RedisCheckpointStore {
	return &RedisCheckpointStore{
		rdb:       rdb,
		keyPrefix: "catalog:sync:watermark:",
	}
}

func (s *RedisCheckpointStore) key(entityType string) string {
	return s.keyPrefix + entityType
}

// Get returns the stored watermark. Absence is not an error: it means a
// full resync from the beginning of time.
func (s *RedisCheckpointStore) Get(ctx context.Context, entityType string) (Watermark, bool, error) {
	val, err := s.rdb.Get(ctx, s.key(entityType)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Watermark{}, false, nil
		}
		return Watermark{}, false, fmt.Errorf("checkpoint get %s: %w", entityType, err)
	}
	wm, err := DecodeWatermark(val)
	if err != nil {
		return Watermark{}, false, fmt.Errorf("checkpoint get %s: %w", entityType, err)
	}
	return wm, true, nil
}

func (s *RedisCheckpointStore) Set(ctx context.Context, entityType string, next Watermark, expected Watermark) error {
	ok, err := casScript.Run(ctx, s.rdb, []string{s.key(entityType)}, expected.Encode(), next.Encode()).Int()
	if err != nil {
		return fmt.Errorf("checkpoint set %s: %w", entityType, err)
	}
	if ok != 1 {
		return ErrCheckpointConflict
	}
	return nil
}

func (s *RedisCheckpointStore) Ready(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
