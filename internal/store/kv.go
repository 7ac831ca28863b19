package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// KVStore fans presence out through Redis so a multi-node deployment shares
// one view of who is in which house. Keys:
//
//	user:{user_id}        hash  {active_signing_pubkey}, TTL refreshed on hello/active
//	house:{signing_pubkey} set  member user identifiers
//
// The TTL bounds ghost presence after a silent crash.
type KVStore struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// KVMember is one present user read back from a house set.
type KVMember struct {
	UserID              string
	ActiveSigningPubkey string
}

// ConnectKV opens and pings the Redis client.
func ConnectKV(ctx context.Context, url string, ttl time.Duration, logger zerolog.Logger) (*KVStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse kv url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping kv: %w", err)
	}
	return &KVStore{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "kv_store").Logger(),
	}, nil
}

// Close releases the client.
func (s *KVStore) Close() error {
	return s.client.Close()
}

func userKey(userID string) string { return "user:" + userID }

func houseKey(signingPubkey string) string { return "house:" + signingPubkey }

// TouchUser upserts the per-user hash, refreshes its TTL, and adds the user
// to every supplied house set. Called on hello and active.
func (s *KVStore) TouchUser(ctx context.Context, userID, activeSigningPubkey string, signingPubkeys []string) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, userKey(userID), "active_signing_pubkey", activeSigningPubkey)
	pipe.Expire(ctx, userKey(userID), s.ttl)
	for _, key := range signingPubkeys {
		pipe.SAdd(ctx, houseKey(key), userID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	return nil
}

// RemoveUser drops the user hash and its house memberships when the last
// connection goes away.
func (s *KVStore) RemoveUser(ctx context.Context, userID string, signingPubkeys []string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, userKey(userID))
	for _, key := range signingPubkeys {
		pipe.SRem(ctx, houseKey(key), userID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove user: %w", err)
	}
	return nil
}

// HouseSnapshot reads the house set, then pipelines the per-user hash
// fetches. Members whose user hash has expired are pruned from the set
// opportunistically and excluded from the snapshot.
func (s *KVStore) HouseSnapshot(ctx context.Context, signingPubkey string) ([]KVMember, error) {
	members, err := s.client.SMembers(ctx, houseKey(signingPubkey)).Result()
	if err != nil {
		return nil, fmt.Errorf("house members: %w", err)
	}
	if len(members) == 0 {
		return []KVMember{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, userID := range members {
		cmds[i] = pipe.HGetAll(ctx, userKey(userID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("user hashes: %w", err)
	}

	out := make([]KVMember, 0, len(members))
	var stale []interface{}
	for i, userID := range members {
		fields, err := cmds[i].Result()
		if err != nil || len(fields) == 0 {
			stale = append(stale, userID)
			continue
		}
		out = append(out, KVMember{
			UserID:              userID,
			ActiveSigningPubkey: fields["active_signing_pubkey"],
		})
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, houseKey(signingPubkey), stale...).Err(); err != nil {
			s.logger.Debug().Err(err).Str("signing_pubkey", signingPubkey).
				Int("stale", len(stale)).Msg("Stale member prune failed")
		}
	}
	return out, nil
}
