package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"
)

// guardRetryInterval is the interval between consecutive attempts to acquire
// the per-host guard lock while waiting for another worker to exit.
const guardRetryInterval = 50 * time.Millisecond

// AcquireGuard takes an exclusive file lock so at most one worker process per
// host runs the reap loop; a second accidental invocation blocks instead of
// doubling the cluster churn. It respects context cancellation while waiting.
func AcquireGuard(ctx context.Context, path string) (*flock.Flock, error) {
	fl := flock.New(path)

	locked, err := fl.TryLockContext(ctx, guardRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("acquiring worker guard %s: %w", path, err)
	}
	if !locked {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("acquiring worker guard %s: %w", path, ctx.Err())
		}
		return nil, fmt.Errorf("acquiring worker guard %s: lock not acquired", path)
	}

	return fl, nil
}

// ReleaseGuard releases the guard lock. The lock file is intentionally left on
// disk; removing it could invalidate a lock concurrently acquired by another
// process. Best-effort cleanup, errors are logged rather than returned.
func ReleaseGuard(logger *slog.Logger, fl *flock.Flock) {
	if fl == nil {
		return
	}
	if err := fl.Close(); err != nil {
		logger.Debug("failed to release worker guard", "path", fl.Path(), "err", err)
	}
}
