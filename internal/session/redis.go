package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRegistryTTL = 10 * time.Minute
	activeSessionsKey  = "active_sessions"
)

// RedisMirror keeps a session:<id> hash per live session plus an
// active_sessions set. Hashes expire after ttl unless refreshed.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisMirror(client *redis.Client, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = DefaultRegistryTTL
	}
	return &RedisMirror{client: client, ttl: ttl}
}

func sessionKey(id string) string { return "session:" + id }

func (r *RedisMirror) Put(ctx context.Context, info Info) error {
	fields := map[string]any{
		"state":          string(info.State),
		"remote_id":      info.RemoteID,
		"model":          info.Model,
		"voice":          string(info.Voice),
		"has_descriptor": info.HasDescriptor,
		"connected_at":   info.ConnectedAt.Format(time.RFC3339),
	}
	key := sessionKey(info.ID)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, fields)
		p.Expire(ctx, key, r.ttl)
		p.SAdd(ctx, activeSessionsKey, info.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror session %s: %w", info.ID, err)
	}
	return nil
}

func (r *RedisMirror) Delete(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, sessionKey(id))
		p.SRem(ctx, activeSessionsKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("unmirror session %s: %w", id, err)
	}
	return nil
}

// Active lists the ids currently in the mirrored set.
func (r *RedisMirror) Active(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, activeSessionsKey).Result()
}

func (r *RedisMirror) Close() error {
	return r.client.Close()
}
