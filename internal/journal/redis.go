package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/danmuck/apmctl/internal/apm"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const defaultPrefix = "apmctl"

// RedisJournal appends outcomes to a Redis list and indexes the latest
// status per command in a hash.
//
//	<prefix>:outcomes  list of JSON entries
//	<prefix>:status    hash command_id -> status
type RedisJournal struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisJournal wraps an existing client. A zero ttl keeps keys forever.
func NewRedisJournal(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisJournal {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisJournal{client: client, prefix: prefix, ttl: ttl}
}

// DialRedisJournal parses url, connects, and pings before returning. The
// ping is retried per DefaultDialBackoff.
func DialRedisJournal(ctx context.Context, url, prefix string, ttl time.Duration) (*RedisJournal, error) {
	return DialRedisJournalWithBackoff(ctx, url, prefix, ttl, DefaultDialBackoff())
}

func DialRedisJournalWithBackoff(ctx context.Context, url, prefix string, ttl time.Duration, b DialBackoff) (*RedisJournal, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("journal: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := ping(ctx, client, b); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("journal: connect redis: %w", err)
	}
	log.Info().Str("addr", opts.Addr).Str("prefix", prefix).Msg("journal.DialRedisJournal connected")
	return NewRedisJournal(client, prefix, ttl), nil
}

func ping(ctx context.Context, client redis.UniversalClient, b DialBackoff) error {
	attempts := max(b.Attempts, 1)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var err error
	for attempt := 1; ; attempt++ {
		if err = client.Ping(ctx).Err(); err == nil {
			return nil
		}
		if attempt >= attempts {
			return err
		}
		wait := b.delay(attempt, rng)
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("journal.DialRedisJournal ping failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (j *RedisJournal) OutcomesKey() string { return j.prefix + ":outcomes" }
func (j *RedisJournal) StatusKey() string   { return j.prefix + ":status" }

func (j *RedisJournal) Report(ctx context.Context, out apm.Outcome) error {
	e := FromOutcome(out)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal entry: %w", err)
	}
	_, err = j.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, j.OutcomesKey(), data)
		p.HSet(ctx, j.StatusKey(), e.CommandID, e.Status)
		if j.ttl > 0 {
			p.Expire(ctx, j.OutcomesKey(), j.ttl)
			p.Expire(ctx, j.StatusKey(), j.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("journal: write %s: %w", e.CommandID, err)
	}
	log.Debug().Str("command", e.CommandID).Str("status", e.Status).Msg("journal.RedisJournal.Report")
	return nil
}

func (j *RedisJournal) Entries(ctx context.Context) ([]Entry, error) {
	raw, err := j.client.LRange(ctx, j.OutcomesKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("journal: read outcomes: %w", err)
	}
	out := make([]Entry, 0, len(raw))
	for _, s := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("journal: decode entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (j *RedisJournal) Status(ctx context.Context, commandID apm.CommandID) (string, error) {
	st, err := j.client.HGet(ctx, j.StatusKey(), string(commandID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, commandID)
	}
	if err != nil {
		return "", fmt.Errorf("journal: read status: %w", err)
	}
	return st, nil
}

func (j *RedisJournal) Close() error {
	return j.client.Close()
}
