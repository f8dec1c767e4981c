package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/toricodesthings/vn-ocr-service/internal/logging"
)

const maxUpdateAttempts = 5

// RedisStore keeps each checkpoint as a JSON string under prefix+sessionID.
// A single SET replaces the value atomically. A positive ttl lets Redis
// expire abandoned sessions on its own in addition to the sweep.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = "vnocr:checkpoint:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logging.OrDefault(logger, "checkpoint"),
		now:    time.Now,
	}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

func (s *RedisStore) stamp(cp Checkpoint) ([]byte, error) {
	cp.UpdatedAt = s.now().UTC()
	if cp.StartedAt.IsZero() {
		cp.StartedAt = cp.UpdatedAt
	}
	return encode(cp)
}

func (s *RedisStore) Save(ctx context.Context, cp Checkpoint) error {
	if !ValidSessionID(cp.SessionID) {
		return ErrInvalidSessionID
	}
	data, err := s.stamp(cp)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(cp.SessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.SessionID, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (Checkpoint, bool, error) {
	if !ValidSessionID(sessionID) {
		return Checkpoint{}, false, ErrInvalidSessionID
	}
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("load checkpoint %s: %w", sessionID, err)
	}
	cp, err := decode(data, sessionID)
	if err != nil {
		s.logger.Warn("ignoring unreadable checkpoint", "sessionId", sessionID, "error", err)
		return Checkpoint{}, false, nil
	}
	return cp, true, nil
}

// Update merges patch into the stored record inside WATCH/MULTI so a
// concurrent writer forces a retry instead of a lost update.
func (s *RedisStore) Update(ctx context.Context, sessionID string, patch Patch) (bool, error) {
	if !ValidSessionID(sessionID) {
		return false, ErrInvalidSessionID
	}
	key := s.key(sessionID)

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		found := false
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil {
				return err
			}
			cp, err := decode(data, sessionID)
			if err != nil {
				return nil
			}
			merged, err := s.stamp(patch.apply(cp))
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, merged, s.ttl)
				return nil
			})
			if err == nil {
				found = true
			}
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("update checkpoint %s: %w", sessionID, err)
		}
		return found, nil
	}
	return false, fmt.Errorf("update checkpoint %s: too much contention", sessionID)
}

func (s *RedisStore) Remove(ctx context.Context, sessionID string) (bool, error) {
	if !ValidSessionID(sessionID) {
		return false, ErrInvalidSessionID
	}
	n, err := s.client.Del(ctx, s.key(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("remove checkpoint %s: %w", sessionID, err)
	}
	return n > 0, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Checkpoint, error) {
	var out []Checkpoint
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), s.prefix)
		if !ValidSessionID(id) {
			continue
		}
		cp, ok, err := s.Load(ctx, id)
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, cp)
		}
	}
	if err := iter.Err(); err != nil {
		return out, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}
