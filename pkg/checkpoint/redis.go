package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/valuescan/fundcollect/pkg/logging"
)

// DefaultRedisKey is the hash key used when none is configured.
const DefaultRedisKey = "fundcollect:checkpoints"

// RedisStore persists checkpoint records as fields of a single Redis hash,
// one field per unit index. Each HSET is atomic on its own, which gives the
// mark-done write the same crash semantics as the file backend. Durability
// beyond that is whatever the Redis instance's persistence configuration
// provides.
type RedisStore struct {
	rdb    *redis.Client
	key    string
	logger zerolog.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a checkpoint store backed by the given Redis client.
func NewRedisStore(rdb *redis.Client, key string) *RedisStore {
	if rdb == nil {
		panic("redis client cannot be nil")
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{
		rdb:    rdb,
		key:    key,
		logger: logging.NewLogger("checkpoint"),
	}
}

// IsDone reports whether the unit has been marked done.
func (s *RedisStore) IsDone(ctx context.Context, unit int) (bool, error) {
	rec, err := s.Get(ctx, unit)
	if err == ErrNoRecord {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Status == StatusDone, nil
}

// MarkDone records the unit as done with a reference to its persisted
// payload.
func (s *RedisStore) MarkDone(ctx context.Context, unit int, payloadRef string) error {
	if unit < 0 {
		return fmt.Errorf("invalid unit index %d", unit)
	}

	rec := Record{
		Status:     StatusDone,
		PayloadRef: payloadRef,
		UpdatedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal checkpoint record: %w", err)
	}

	if err := s.rdb.HSet(ctx, s.key, strconv.Itoa(unit), data).Err(); err != nil {
		Errors.WithLabelValues("mark", "redis").Inc()
		return fmt.Errorf("redis hset: %w", err)
	}

	MarksTotal.WithLabelValues("redis").Inc()
	s.logger.Debug().
		Int("unit", unit).
		Str("payload_ref", payloadRef).
		Msg("Unit marked done")
	return nil
}

// Get returns the record for the unit, or ErrNoRecord.
func (s *RedisStore) Get(ctx context.Context, unit int) (Record, error) {
	data, err := s.rdb.HGet(ctx, s.key, strconv.Itoa(unit)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Record{}, ErrNoRecord
		}
		Errors.WithLabelValues("get", "redis").Inc()
		return Record{}, fmt.Errorf("redis hget: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		Errors.WithLabelValues("get", "redis").Inc()
		return Record{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return rec, nil
}

// ListPending returns the indices in [0, totalUnits) not marked done, in
// ascending order.
func (s *RedisStore) ListPending(ctx context.Context, totalUnits int) ([]int, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		Errors.WithLabelValues("list", "redis").Inc()
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}

	done := make(map[int]bool, len(fields))
	for field, value := range fields {
		unit, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("%w: non-numeric unit field %q", ErrCorrupt, field)
		}
		var rec Record
		if err := json.Unmarshal([]byte(value), &rec); err != nil {
			return nil, fmt.Errorf("%w: unit %d: %v", ErrCorrupt, unit, err)
		}
		if rec.Status == StatusDone {
			done[unit] = true
		}
	}

	pending := make([]int, 0, totalUnits)
	for i := 0; i < totalUnits; i++ {
		if !done[i] {
			pending = append(pending, i)
		}
	}
	return pending, nil
}

// Reset discards all checkpoint state. Only called on an explicit fresh-run
// request.
func (s *RedisStore) Reset(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		Errors.WithLabelValues("reset", "redis").Inc()
		return fmt.Errorf("redis del: %w", err)
	}

	ResetsTotal.WithLabelValues("redis").Inc()
	s.logger.Info().Str("key", s.key).Msg("Checkpoint state reset")
	return nil
}
