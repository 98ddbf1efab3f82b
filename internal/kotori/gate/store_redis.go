package gate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bdobrica/Kotori/common/ids"
)

// redisScoreScript sums the weights recorded inside the window.
// KEYS[1] = threat set key
// ARGV[1] = window start (unix ms, exclusive)
// Members are "<ulid>|<weight>|<category>". The total is returned as a
// string because Redis truncates Lua numbers to integers.
var redisScoreScript = redis.NewScript(`
local members = redis.call("ZRANGEBYSCORE", KEYS[1], "(" .. ARGV[1], "+inf")
local total = 0
for _, m in ipairs(members) do
    local first = string.find(m, "|", 1, true)
    if first then
        local second = string.find(m, "|", first + 1, true)
        local w = tonumber(string.sub(m, first + 1, (second or 0) - 1))
        if w then
            total = total + w
        end
    end
end
return tostring(total)
`)

// redisBlockScript sets a block unless a later one already exists.
// KEYS[1] = block hash key
// ARGV[1] = blocked_until (unix ms)
// ARGV[2] = reason
// ARGV[3] = ttl (ms)
var redisBlockScript = redis.NewScript(`
local current = tonumber(redis.call("HGET", KEYS[1], "until"))
local wanted = tonumber(ARGV[1])
if current and current >= wanted then
    redis.call("HSET", KEYS[1], "reason", ARGV[2])
    return 0
end
redis.call("HSET", KEYS[1], "until", ARGV[1], "reason", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

// RedisThreatStore keeps the rolling window in a sorted set per source and
// each block in a hash that expires with the block. Several Kotori
// instances pointed at the same Redis share one view of every source.
type RedisThreatStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

var _ ThreatStore = (*RedisThreatStore)(nil)

// NewRedisThreatStore returns a store using client. Keys are created under
// prefix ("kotori:" when empty). Threat sets expire after retention of
// inactivity.
func NewRedisThreatStore(client redis.UniversalClient, prefix string, retention time.Duration) *RedisThreatStore {
	if prefix == "" {
		prefix = "kotori:"
	}
	if retention <= 0 {
		retention = DefaultConfig().Retention
	}
	return &RedisThreatStore{client: client, prefix: prefix, retention: retention}
}

func (s *RedisThreatStore) threatsKey(ip string) string { return s.prefix + "threats:" + ip }
func (s *RedisThreatStore) blockKey(ip string) string   { return s.prefix + "block:" + ip }

func (s *RedisThreatStore) Record(ctx context.Context, rec ThreatRecord) error {
	key := s.threatsKey(rec.SourceIP)
	member := fmt.Sprintf("%s|%s|%s", ids.New(), strconv.FormatFloat(rec.Level.Weight(), 'f', -1, 64), rec.Category)

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(rec.CreatedAt.UnixMilli()), Member: member})
	pipe.PExpire(ctx, key, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("gate: record threat: %w", err)
	}
	return nil
}

func (s *RedisThreatStore) Score(ctx context.Context, ip string, since time.Time) (float64, error) {
	res, err := redisScoreScript.Run(ctx, s.client, []string{s.threatsKey(ip)}, since.UnixMilli()).Text()
	if err != nil {
		return 0, fmt.Errorf("gate: score: %w", err)
	}
	score, err := strconv.ParseFloat(res, 64)
	if err != nil {
		return 0, fmt.Errorf("gate: score: invalid script result %q", res)
	}
	return score, nil
}

func (s *RedisThreatStore) IsBlocked(ctx context.Context, ip string, now time.Time) (bool, time.Time, error) {
	val, err := s.client.HGet(ctx, s.blockKey(ip), "until").Result()
	if err == redis.Nil {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, fmt.Errorf("gate: check block: %w", err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("gate: check block: invalid deadline %q", val)
	}
	until := time.UnixMilli(ms).UTC()
	if !until.After(now) {
		return false, time.Time{}, nil
	}
	return true, until, nil
}

func (s *RedisThreatStore) Block(ctx context.Context, ip string, until time.Time, reason string) error {
	ttl := time.Until(until)
	if ttl < time.Second {
		ttl = time.Second
	}
	err := redisBlockScript.Run(ctx, s.client, []string{s.blockKey(ip)},
		until.UnixMilli(), reason, ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("gate: block: %w", err)
	}
	return nil
}

func (s *RedisThreatStore) Unblock(ctx context.Context, ip string) error {
	if err := s.client.Del(ctx, s.blockKey(ip)).Err(); err != nil {
		return fmt.Errorf("gate: unblock: %w", err)
	}
	return nil
}

// Cleanup trims threat sets. Blocks expire on their own through their TTL.
func (s *RedisThreatStore) Cleanup(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	cutoff := strconv.FormatInt(now.Add(-retention).UnixMilli(), 10)
	var removed int64
	iter := s.client.Scan(ctx, 0, s.prefix+"threats:*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := s.client.ZRemRangeByScore(ctx, iter.Val(), "-inf", "("+cutoff).Result()
		if err != nil {
			return removed, fmt.Errorf("gate: cleanup: %w", err)
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("gate: cleanup: %w", err)
	}
	return removed, nil
}

// ListBlocks returns blocks still active at now.
func (s *RedisThreatStore) ListBlocks(ctx context.Context, now time.Time) ([]Block, error) {
	var out []Block
	iter := s.client.Scan(ctx, 0, s.prefix+"block:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("gate: list blocks: %w", err)
		}
		ms, err := strconv.ParseInt(fields["until"], 10, 64)
		if err != nil {
			continue
		}
		until := time.UnixMilli(ms).UTC()
		if !until.After(now) {
			continue
		}
		out = append(out, Block{
			IP:           strings.TrimPrefix(key, s.prefix+"block:"),
			BlockedUntil: until,
			Reason:       fields["reason"],
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("gate: list blocks: %w", err)
	}
	return out, nil
}
