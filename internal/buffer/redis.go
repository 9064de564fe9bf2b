// SPDX-License-Identifier: MIT

package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/draftwire/draftwire/internal/event"
)

const opTimeout = 2 * time.Second

// RedisStore is the durable Store backend. Each session is a Redis list of
// JSON-encoded events, so a resume can succeed after a process restart as
// long as the list has not expired.
type RedisStore struct {
	client *redis.Client
	opts   Options
	logger zerolog.Logger
}

// NewRedisStore wraps an existing client. The caller owns connectivity
// probing; see Detector.
func NewRedisStore(client *redis.Client, opts Options, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

func sessionKey(correlationID string) string {
	return "draftwire:session:" + correlationID
}

// Append pushes the event and enforces the retention cap. RPUSH, LLEN and
// EXPIRE travel in one pipeline; the trim, when needed, is a second round
// trip. The single-writer-per-session invariant makes that safe.
func (s *RedisStore) Append(ctx context.Context, correlationID string, ev event.Event) (int64, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := sessionKey(correlationID)
	pipe := s.client.TxPipeline()
	lenCmd := pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, s.opts.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: append: %v", ErrUnavailable, err)
	}

	length := lenCmd.Val()
	if length <= int64(s.opts.MaxEvents) {
		return 0, nil
	}

	trimmed := length - int64(s.opts.MaxEvents)
	if err := s.client.LTrim(ctx, key, trimmed, -1).Err(); err != nil {
		// The cap is advisory; a failed trim only delays reclamation.
		s.logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("buffer trim failed")
		return 0, nil
	}
	return trimmed, nil
}

// ReadFrom loads the whole list and filters by seq. Unknown keys read as
// an empty list, which is exactly the "resume unavailable" signal.
func (s *RedisStore) ReadFrom(ctx context.Context, correlationID string, seq int64) ([]event.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := s.client.LRange(ctx, sessionKey(correlationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrUnavailable, err)
	}

	events := make([]event.Event, 0, len(raw))
	for _, item := range raw {
		var ev event.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("decode buffered event: %w", err)
		}
		if ev.Seq >= seq {
			events = append(events, ev)
		}
	}
	return events, nil
}

// MarkTerminal shortens the session TTL.
func (s *RedisStore) MarkTerminal(ctx context.Context, correlationID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Expire(ctx, sessionKey(correlationID), s.opts.TerminalTTL).Err(); err != nil {
		return fmt.Errorf("%w: mark terminal: %v", ErrUnavailable, err)
	}
	return nil
}

// Close is a no-op; the Redis client is shared and closed by its owner.
func (s *RedisStore) Close() error {
	return nil
}
