// Package lock provides per-key mutual exclusion backed by the shared Redis
// instance. Locks carry a TTL so a crashed holder cannot wedge a namespace
// forever, and release is owner-verified so a slow holder cannot delete a
// lock that has already expired and been reacquired by another worker.
//
// This is not a fenced lock. The instance engine tolerates lost locks through
// cluster-level preconditions (namespace already-exists errors) and rollback.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is the lock expiry used when no TTL is supplied. It is the upper
// bound on engine operation duration as seen by other workers.
const DefaultTTL = 60 * time.Second

// ErrAlreadyLocked is returned by Acquire when the key is held by another owner.
var ErrAlreadyLocked = errors.New("lock already held")

// releaseScript deletes the lock key only if it still holds the owner token.
// GET and DEL run atomically inside Redis, so an expired-and-reacquired lock
// is never released by a stale owner.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lock is a held distributed lock. The zero value is not usable; obtain one
// via Acquire and release it on every exit path.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire takes the lock named name for at most ttl. A non-positive ttl uses
// DefaultTTL. Returns ErrAlreadyLocked if another owner currently holds it.
func Acquire(ctx context.Context, client *redis.Client, name string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("generate lock token: %w", err)
	}

	key := "lock:" + name
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("acquire lock %s: %w", name, ErrAlreadyLocked)
	}

	return &Lock{client: client, key: key, token: token}, nil
}

// Release drops the lock if this owner still holds it. A lock that has
// already expired or been taken over by another owner is a silent no-op,
// so deferred Release after a long operation is always safe.
func (l *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}

// newToken returns a 16-hex-character owner token from 8 random bytes.
func newToken() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
