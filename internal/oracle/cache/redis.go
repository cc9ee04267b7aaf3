// internal/oracle/cache/redis.go
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"experiment-oracle/internal/models"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "oracle:cache:"

// hitScript returns the entry and bumps hit_count only if it has not expired.
var hitScript = redis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'expires_at')
if not exp then
	return false
end
if tonumber(exp) <= tonumber(ARGV[1]) then
	return false
end
redis.call('HINCRBY', KEYS[1], 'hit_count', 1)
return redis.call('HGETALL', KEYS[1])
`)

// RedisStore keeps each entry in a hash that also expires at expires_at.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// redisKey hashes the normalized text so keys stay bounded.
func redisKey(key models.NormalizedQuestion) string {
	sum := sha256.Sum256([]byte(key))
	return keyPrefix + hex.EncodeToString(sum[:])
}

func (s *RedisStore) Hit(ctx context.Context, key models.NormalizedQuestion, now time.Time) (*models.CacheEntry, error) {
	raw, err := hitScript.Run(ctx, s.client, []string{redisKey(key)}, now.UnixMilli()).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	fields := make(map[string]string, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		fields[fmt.Sprint(raw[i])] = fmt.Sprint(raw[i+1])
	}
	return decodeEntry(key, fields)
}

func (s *RedisStore) Put(ctx context.Context, entry models.CacheEntry) error {
	k := redisKey(entry.Key)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.HSet(ctx, k, map[string]interface{}{
			"answer":           entry.Answer,
			"created_at":       entry.CreatedAt.UnixMilli(),
			"expires_at":       entry.ExpiresAt.UnixMilli(),
			"hit_count":        0,
			"response_time_ms": entry.ResponseTimeMs,
			"tokens_used":      entry.TokensUsed,
		})
		pipe.PExpireAt(ctx, k, entry.ExpiresAt)
		return nil
	})
	return err
}

func decodeEntry(key models.NormalizedQuestion, fields map[string]string) (*models.CacheEntry, error) {
	ints := make(map[string]int64, 5)
	for _, name := range []string{"created_at", "expires_at", "hit_count", "response_time_ms", "tokens_used"} {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cache entry field %s: %w", name, err)
		}
		ints[name] = v
	}

	return &models.CacheEntry{
		Key:            key,
		Answer:         fields["answer"],
		CreatedAt:      time.UnixMilli(ints["created_at"]).UTC(),
		ExpiresAt:      time.UnixMilli(ints["expires_at"]).UTC(),
		HitCount:       int(ints["hit_count"]),
		ResponseTimeMs: int(ints["response_time_ms"]),
		TokensUsed:     int(ints["tokens_used"]),
	}, nil
}
