// Package state is the fast lookup index and cache shared between the API
// process and the reaper. The two sorted sets (expiration, boot_time) mirror
// the authoritative namespace annotations on the cluster; the remaining keys
// are read-through caches with bounded staleness.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acmcyber/instancer/internal/challenge"
)

// ChallengeCacheTTL bounds staleness of challenge definition and tag caches.
// Admins are told to expect up to one TTL of lag after out-of-band edits.
const ChallengeCacheTTL = 3600 * time.Second

// Index names one of the two namespace-scored sorted sets.
type Index string

const (
	// IndexExpiration scores namespaces by their lease expiry (UNIX seconds).
	IndexExpiration Index = "expiration"
	// IndexBootTime scores namespaces by their first boot (UNIX seconds).
	IndexBootTime Index = "boot_time"
)

const (
	keyAllChallenges = "all_challs"
	keyLastResync    = "last_resync"
)

func challengeKey(id string) string  { return "chall:" + id }
func tagsKey(id string) string       { return "chall_tags:" + id }
func portsKey(ns string) string      { return "ports:" + ns }
func sessionKey(token string) string { return "session:" + token }

// Store wraps the shared Redis client with the instancer's key schema.
type Store struct {
	client *redis.Client
}

// New returns a Store over the given client. The client is shared,
// process-wide state owned by the caller.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// SetScore inserts or updates one member in an index.
func (s *Store) SetScore(ctx context.Context, idx Index, member string, score int64) error {
	if err := s.client.ZAdd(ctx, string(idx), redis.Z{Score: float64(score), Member: member}).Err(); err != nil {
		return fmt.Errorf("zadd %s %s: %w", idx, member, err)
	}
	return nil
}

// Upsert bulk-inserts or updates members in an index. A nil or empty map is a
// no-op.
func (s *Store) Upsert(ctx context.Context, idx Index, scores map[string]int64) error {
	if len(scores) == 0 {
		return nil
	}
	members := make([]redis.Z, 0, len(scores))
	for member, score := range scores {
		members = append(members, redis.Z{Score: float64(score), Member: member})
	}
	if err := s.client.ZAdd(ctx, string(idx), members...).Err(); err != nil {
		return fmt.Errorf("bulk zadd %s: %w", idx, err)
	}
	return nil
}

// Score returns a member's score and whether it is present.
func (s *Store) Score(ctx context.Context, idx Index, member string) (int64, bool, error) {
	score, err := s.client.ZScore(ctx, string(idx), member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("zscore %s %s: %w", idx, member, err)
	}
	return int64(score), true, nil
}

// Remove drops members from an index. Missing members are ignored.
func (s *Store) Remove(ctx context.Context, idx Index, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.ZRem(ctx, string(idx), args...).Err(); err != nil {
		return fmt.Errorf("zrem %s: %w", idx, err)
	}
	return nil
}

// Members returns every member of an index.
func (s *Store) Members(ctx context.Context, idx Index) ([]string, error) {
	members, err := s.client.ZRange(ctx, string(idx), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange %s: %w", idx, err)
	}
	return members, nil
}

// ExpiredBefore returns every namespace whose expiration score is at most now.
func (s *Store) ExpiredBefore(ctx context.Context, now int64) ([]string, error) {
	members, err := s.client.ZRangeByScore(ctx, string(IndexExpiration), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", IndexExpiration, err)
	}
	return members, nil
}

// RemoveNamespace unconditionally drops a namespace from both indexes and
// deletes its port-mapping cache. Used on stop and on rollback; removal of
// absent entries is a no-op, keeping the operation idempotent.
func (s *Store) RemoveNamespace(ctx context.Context, ns string) error {
	if err := s.Remove(ctx, IndexExpiration, ns); err != nil {
		return err
	}
	if err := s.Remove(ctx, IndexBootTime, ns); err != nil {
		return err
	}
	if err := s.client.Del(ctx, portsKey(ns)).Err(); err != nil {
		return fmt.Errorf("del %s: %w", portsKey(ns), err)
	}
	return nil
}

// ChallengeInfo returns the cached definition for id, or nil on a miss.
func (s *Store) ChallengeInfo(ctx context.Context, id string) (*challenge.Info, error) {
	raw, err := s.client.Get(ctx, challengeKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", challengeKey(id), err)
	}
	var info challenge.Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decode cached challenge %s: %w", id, err)
	}
	return &info, nil
}

// CacheChallengeInfo writes the definition cache for id.
func (s *Store) CacheChallengeInfo(ctx context.Context, id string, info *challenge.Info) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode challenge %s: %w", id, err)
	}
	if err := s.client.Set(ctx, challengeKey(id), raw, ChallengeCacheTTL).Err(); err != nil {
		return fmt.Errorf("set %s: %w", challengeKey(id), err)
	}
	return nil
}

// ChallengeTags returns the cached tag list for id. The second return value
// distinguishes a cached empty list from a miss.
func (s *Store) ChallengeTags(ctx context.Context, id string) ([]challenge.Tag, bool, error) {
	raw, err := s.client.Get(ctx, tagsKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", tagsKey(id), err)
	}
	var tags []challenge.Tag
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil, false, fmt.Errorf("decode cached tags for %s: %w", id, err)
	}
	return tags, true, nil
}

// CacheChallengeTags writes the tag cache for id.
func (s *Store) CacheChallengeTags(ctx context.Context, id string, tags []challenge.Tag) error {
	if tags == nil {
		tags = []challenge.Tag{}
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encode tags for %s: %w", id, err)
	}
	if err := s.client.Set(ctx, tagsKey(id), raw, ChallengeCacheTTL).Err(); err != nil {
		return fmt.Errorf("set %s: %w", tagsKey(id), err)
	}
	return nil
}

// AllChallengeIDs returns the cached challenge ID list, with a hit flag.
func (s *Store) AllChallengeIDs(ctx context.Context) ([]string, bool, error) {
	raw, err := s.client.Get(ctx, keyAllChallenges).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", keyAllChallenges, err)
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", keyAllChallenges, err)
	}
	return ids, true, nil
}

// CacheAllChallengeIDs writes the challenge ID list cache.
func (s *Store) CacheAllChallengeIDs(ctx context.Context, ids []string) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode %s: %w", keyAllChallenges, err)
	}
	if err := s.client.Set(ctx, keyAllChallenges, raw, ChallengeCacheTTL).Err(); err != nil {
		return fmt.Errorf("set %s: %w", keyAllChallenges, err)
	}
	return nil
}

// FlushChallenge invalidates every cache entry derived from challenge id:
// the ID list, the definition, the tags, and the port mappings of any of its
// instances (shared or per-team, hence the prefix match).
func (s *Store) FlushChallenge(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, keyAllChallenges, challengeKey(id), tagsKey(id)).Err(); err != nil {
		return fmt.Errorf("flush challenge %s: %w", id, err)
	}
	pattern := portsKey("ci-"+id) + "*"
	keys, err := s.client.Keys(ctx, pattern).Result()
	if err != nil {
		return fmt.Errorf("scan %s: %w", pattern, err)
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("flush ports for %s: %w", id, err)
		}
	}
	return nil
}

// PortMappings returns the cached port-mapping snapshot for a namespace.
func (s *Store) PortMappings(ctx context.Context, ns string) (challenge.PortMap, bool, error) {
	raw, err := s.client.Get(ctx, portsKey(ns)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", portsKey(ns), err)
	}
	var ports challenge.PortMap
	if err := json.Unmarshal(raw, &ports); err != nil {
		return nil, false, fmt.Errorf("decode cached ports for %s: %w", ns, err)
	}
	return ports, true, nil
}

// CachePortMappings writes the port-mapping snapshot with the given TTL.
// Callers only write while the instance still has lifetime left, so the entry
// can never outlive the namespace it describes.
func (s *Store) CachePortMappings(ctx context.Context, ns string, ports challenge.PortMap, ttl time.Duration) error {
	raw, err := json.Marshal(ports)
	if err != nil {
		return fmt.Errorf("encode ports for %s: %w", ns, err)
	}
	if err := s.client.Set(ctx, portsKey(ns), raw, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", portsKey(ns), err)
	}
	return nil
}

// LastResync returns the UNIX time of the most recent reaper resync, or 0 if
// none has happened yet.
func (s *Store) LastResync(ctx context.Context) (int64, error) {
	raw, err := s.client.Get(ctx, keyLastResync).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", keyLastResync, err)
	}
	t, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", keyLastResync, err)
	}
	return t, nil
}

// SetLastResync records the resync timestamp.
func (s *Store) SetLastResync(ctx context.Context, t int64) error {
	if err := s.client.Set(ctx, keyLastResync, strconv.FormatInt(t, 10), 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", keyLastResync, err)
	}
	return nil
}

// SessionTeam resolves a session token to its team ID. Sessions are written
// by the auth collaborator; this is read-only bridging. Returns ok=false for
// unknown or expired tokens.
func (s *Store) SessionTeam(ctx context.Context, token string) (string, bool, error) {
	raw, err := s.client.Get(ctx, sessionKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get session: %w", err)
	}
	var session struct {
		TeamID string `json:"team_id"`
	}
	if err := json.Unmarshal(raw, &session); err != nil {
		return "", false, fmt.Errorf("decode session: %w", err)
	}
	return session.TeamID, session.TeamID != "", nil
}
