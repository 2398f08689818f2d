package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/iptv-proxy/streamgate/internal/util"
)

const (
	keyPrefix = "streamgate:"

	keyBlacklist     = keyPrefix + "blacklist"
	keyWhitelist     = keyPrefix + "whitelist"
	keySnapshot      = keyPrefix + "connections:snapshot"
	keySessionsAll   = keyPrefix + "sessions:all"
	keySessionsAddr  = keyPrefix + "sessions:provider:%s"
)

// RedisClient wraps the Redis operations streamgate needs: IP/address
// blacklist and whitelist sets (consulted by internal/policy) and the
// periodic connection/session snapshots written by internal/session.
type RedisClient struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisClient dials Redis and verifies connectivity with a Ping.
func NewRedisClient(url, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	util.Info("Connected to Redis at ", url)
	return &RedisClient{client: client, ctx: ctx}, nil
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// IsBlacklisted checks if a client address is blacklisted.
func (r *RedisClient) IsBlacklisted(address string) (bool, error) {
	return r.client.SIsMember(r.ctx, keyBlacklist, address).Result()
}

// IsWhitelisted checks if a client IP is whitelisted.
func (r *RedisClient) IsWhitelisted(address string) (bool, error) {
	return r.client.SIsMember(r.ctx, keyWhitelist, address).Result()
}

// AddToBlacklist adds an address to the blacklist.
func (r *RedisClient) AddToBlacklist(address string) error {
	return r.client.SAdd(r.ctx, keyBlacklist, address).Err()
}

// RemoveFromBlacklist removes an address from the blacklist.
func (r *RedisClient) RemoveFromBlacklist(address string) error {
	return r.client.SRem(r.ctx, keyBlacklist, address).Err()
}

// GetBlacklist returns all blacklisted addresses.
func (r *RedisClient) GetBlacklist() ([]string, error) {
	return r.client.SMembers(r.ctx, keyBlacklist).Result()
}

// GetWhitelist returns all whitelisted IPs.
func (r *RedisClient) GetWhitelist() ([]string, error) {
	return r.client.SMembers(r.ctx, keyWhitelist).Result()
}

// AddToWhitelist adds an IP to the whitelist.
func (r *RedisClient) AddToWhitelist(ip string) error {
	return r.client.SAdd(r.ctx, keyWhitelist, ip).Err()
}

// RemoveFromWhitelist removes an IP from the whitelist.
func (r *RedisClient) RemoveFromWhitelist(ip string) error {
	return r.client.SRem(r.ctx, keyWhitelist, ip).Err()
}

// SaveConnectionSnapshot persists the latest per-provider connection
// counts, overwriting whatever was stored before. Purely advisory: the
// manager itself never reads this back.
func (r *RedisClient) SaveConnectionSnapshot(snap ConnectionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return r.client.Set(r.ctx, keySnapshot, data, 0).Err()
}

// GetConnectionSnapshot returns the most recently saved snapshot, or nil
// if none has been saved yet.
func (r *RedisClient) GetConnectionSnapshot() (*ConnectionSnapshot, error) {
	data, err := r.client.Get(r.ctx, keySnapshot).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap ConnectionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// RecordSessionEnd archives a completed session record under its
// provider's list, trimmed to the most recent 500 entries.
func (r *RedisClient) RecordSessionEnd(rec SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	pipe.LPush(r.ctx, keySessionsAll, data)
	pipe.LTrim(r.ctx, keySessionsAll, 0, 999)

	addrKey := fmt.Sprintf(keySessionsAddr, rec.ProviderName)
	pipe.LPush(r.ctx, addrKey, data)
	pipe.LTrim(r.ctx, addrKey, 0, 499)

	_, err = pipe.Exec(r.ctx)
	return err
}

// GetRecentSessions returns the most recent completed sessions for a
// provider, newest first.
func (r *RedisClient) GetRecentSessions(providerName string, limit int64) ([]SessionRecord, error) {
	addrKey := fmt.Sprintf(keySessionsAddr, providerName)
	results, err := r.client.LRange(r.ctx, addrKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	sessions := make([]SessionRecord, 0, len(results))
	for _, raw := range results {
		var rec SessionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err == nil {
			sessions = append(sessions, rec)
		}
	}
	return sessions, nil
}

// PurgeOlderThan removes sessions that ended before cutoff from the global
// session log and from each provider's list. Since LTRIM only bounds by
// count, this scans the global log and prunes in place; meant to run
// occasionally from a maintenance loop, not a hot path.
func (r *RedisClient) PurgeOlderThan(cutoff time.Time) error {
	results, err := r.client.LRange(r.ctx, keySessionsAll, 0, -1).Result()
	if err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	for _, raw := range results {
		var rec SessionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if rec.EndedAt.Before(cutoff) {
			pipe.LRem(r.ctx, keySessionsAll, 1, raw)
			pipe.LRem(r.ctx, fmt.Sprintf(keySessionsAddr, rec.ProviderName), 1, raw)
		}
	}
	_, err = pipe.Exec(r.ctx)
	return err
}
