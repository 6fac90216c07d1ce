package lock_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/acmcyber/instancer/internal/lock"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

// TestAcquireStoresOwnerToken verifies that Acquire writes a 16-hex-character
// token under lock:<name> with the requested TTL.
func TestAcquireStoresOwnerToken(t *testing.T) {
	t.Parallel()

	mr, client := newTestRedis(t)
	ctx := context.Background()

	l, err := lock.Acquire(ctx, client, "ci-web", 30*time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer l.Release(ctx)

	val, err := mr.Get("lock:ci-web")
	if err != nil {
		t.Fatalf("lock key missing: %v", err)
	}
	if !regexp.MustCompile(`^[0-9a-f]{16}$`).MatchString(val) {
		t.Errorf("lock token = %q, want 16 hex characters", val)
	}
	if ttl := mr.TTL("lock:ci-web"); ttl != 30*time.Second {
		t.Errorf("lock TTL = %v, want 30s", ttl)
	}
}

// TestAcquireCollision verifies that a second Acquire on a held key fails
// with ErrAlreadyLocked and does not disturb the holder's token.
func TestAcquireCollision(t *testing.T) {
	t.Parallel()

	mr, client := newTestRedis(t)
	ctx := context.Background()

	l, err := lock.Acquire(ctx, client, "ci-web", 0)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer l.Release(ctx)

	before, _ := mr.Get("lock:ci-web")

	if _, err := lock.Acquire(ctx, client, "ci-web", 0); !errors.Is(err, lock.ErrAlreadyLocked) {
		t.Fatalf("second Acquire() error = %v, want ErrAlreadyLocked", err)
	}

	after, _ := mr.Get("lock:ci-web")
	if before != after {
		t.Errorf("holder token changed from %q to %q on failed acquire", before, after)
	}
}

// TestReleaseRemovesOwnLock verifies that Release deletes the key so the lock
// can be reacquired immediately.
func TestReleaseRemovesOwnLock(t *testing.T) {
	t.Parallel()

	mr, client := newTestRedis(t)
	ctx := context.Background()

	l, err := lock.Acquire(ctx, client, "ci-web", 0)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if mr.Exists("lock:ci-web") {
		t.Fatal("lock key still exists after Release")
	}

	if _, err := lock.Acquire(ctx, client, "ci-web", 0); err != nil {
		t.Fatalf("reacquire after Release error = %v", err)
	}
}

// TestReleaseIgnoresForeignLock verifies the owner check: releasing after the
// lock expired and was reacquired by another owner must not delete the new
// owner's lock.
func TestReleaseIgnoresForeignLock(t *testing.T) {
	t.Parallel()

	mr, client := newTestRedis(t)
	ctx := context.Background()

	stale, err := lock.Acquire(ctx, client, "ci-web", time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// Expire the first lock and let a second owner take it.
	mr.FastForward(2 * time.Second)
	fresh, err := lock.Acquire(ctx, client, "ci-web", time.Minute)
	if err != nil {
		t.Fatalf("reacquire after expiry error = %v", err)
	}
	defer fresh.Release(ctx)

	if err := stale.Release(ctx); err != nil {
		t.Fatalf("stale Release() error = %v", err)
	}
	if !mr.Exists("lock:ci-web") {
		t.Fatal("stale Release deleted the new owner's lock")
	}
}

// TestAcquireExpiryRecovers verifies that the TTL frees the lock without any
// release, covering crash recovery of a lock holder.
func TestAcquireExpiryRecovers(t *testing.T) {
	t.Parallel()

	mr, client := newTestRedis(t)
	ctx := context.Background()

	if _, err := lock.Acquire(ctx, client, "ci-pwn", time.Second); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	mr.FastForward(2 * time.Second)

	if _, err := lock.Acquire(ctx, client, "ci-pwn", time.Second); err != nil {
		t.Fatalf("Acquire() after TTL expiry error = %v", err)
	}
}
