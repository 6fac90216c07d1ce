// Package reaper is the background loop that terminates expired instances and
// periodically rebuilds the state index from the cluster, the source of truth.
// Any number of reaper processes may run concurrently: expiry goes through the
// engine's idempotent stop, and resync converges on namespace annotations.
package reaper

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/acmcyber/instancer/internal/challenge"
	"github.com/acmcyber/instancer/internal/engine"
	"github.com/acmcyber/instancer/internal/state"
)

const (
	// DefaultTick is the pause between reaper passes.
	DefaultTick = 5 * time.Second
	// DefaultResyncInterval throttles full index rebuilds across all reaper
	// processes, via the shared last_resync timestamp.
	DefaultResyncInterval = 60 * time.Second
	// defaultConcurrency bounds parallel namespace teardowns per pass.
	defaultConcurrency = 8
)

// Config wires the reaper's dependencies. Kube, State and Engine are required.
type Config struct {
	Kube   kubernetes.Interface
	State  *state.Store
	Engine *engine.Engine
	Log    *slog.Logger

	Tick           time.Duration
	ResyncInterval time.Duration
	Concurrency    int

	// Clock is the time source, overridable in tests. Nil means time.Now.
	Clock func() time.Time
}

// Reaper expires instances and resyncs the index.
type Reaper struct {
	kube        kubernetes.Interface
	state       *state.Store
	engine      *engine.Engine
	log         *slog.Logger
	tick        time.Duration
	resyncEvery time.Duration
	concurrency int
	clock       func() time.Time
}

// New returns a Reaper over the given dependencies.
func New(cfg Config) *Reaper {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = DefaultResyncInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Reaper{
		kube:        cfg.Kube,
		state:       cfg.State,
		engine:      cfg.Engine,
		log:         cfg.Log,
		tick:        cfg.Tick,
		resyncEvery: cfg.ResyncInterval,
		concurrency: cfg.Concurrency,
		clock:       cfg.Clock,
	}
}

// Run loops until the context is canceled. Errors inside a pass are logged and
// the loop keeps going; a broken pass must never take the reaper down.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		if err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("reaper pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass: an index resync if one is due, then a sweep
// of expired namespaces.
func (r *Reaper) RunOnce(ctx context.Context) error {
	if err := r.maybeResync(ctx); err != nil {
		return err
	}
	return r.sweepExpired(ctx)
}

// sweepExpired stops every namespace whose lease has run out.
func (r *Reaper) sweepExpired(ctx context.Context) error {
	now := r.clock().Unix()
	expired, err := r.state.ExpiredBefore(ctx, now)
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	r.log.Info("reaping expired namespaces", "count", len(expired))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, ns := range expired {
		g.Go(func() error {
			return r.engine.StopNamespace(ctx, ns)
		})
	}
	return g.Wait()
}

// maybeResync rebuilds the index from the cluster if the shared resync
// timestamp is older than the resync interval. The throttle is cooperative
// rather than locked; two processes resyncing at once merely do the same
// convergent work twice.
func (r *Reaper) maybeResync(ctx context.Context) error {
	now := r.clock().Unix()
	last, err := r.state.LastResync(ctx)
	if err != nil {
		return err
	}
	if last+int64(r.resyncEvery/time.Second) > now {
		return nil
	}
	if err := r.resync(ctx); err != nil {
		return err
	}
	return r.state.SetLastResync(ctx, now)
}

// resync walks every namespace on the cluster and makes the index agree with
// the lease annotations: annotated namespaces are upserted with their
// annotation values, and index members without a backing annotated namespace
// are dropped. Lost cache entries or a flushed store heal within one interval.
func (r *Reaper) resync(ctx context.Context) error {
	namespaces, err := r.kube.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return err
	}

	expirations := map[string]int64{}
	boots := map[string]int64{}
	for _, ns := range namespaces.Items {
		annotations := ns.Annotations
		if raw, ok := annotations[challenge.AnnotationExpires]; ok {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				r.log.Warn("namespace has an unparseable expiry annotation",
					"namespace", ns.Name, "value", raw)
				continue
			}
			expirations[ns.Name] = v
		}
		if raw, ok := annotations[challenge.AnnotationStartTime]; ok {
			if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
				boots[ns.Name] = v
			}
		}
	}

	r.log.Debug("resyncing index", "tracked", len(expirations))
	if err := r.state.Upsert(ctx, state.IndexExpiration, expirations); err != nil {
		return err
	}
	if err := r.state.Upsert(ctx, state.IndexBootTime, boots); err != nil {
		return err
	}
	if err := r.prune(ctx, state.IndexExpiration, expirations); err != nil {
		return err
	}
	return r.prune(ctx, state.IndexBootTime, boots)
}

// prune removes index members that no longer correspond to an annotated
// namespace on the cluster.
func (r *Reaper) prune(ctx context.Context, idx state.Index, seen map[string]int64) error {
	members, err := r.state.Members(ctx, idx)
	if err != nil {
		return err
	}
	var stale []string
	for _, m := range members {
		if _, ok := seen[m]; !ok {
			stale = append(stale, m)
		}
	}
	if len(stale) > 0 {
		r.log.Info("pruning stale index members", "index", idx, "count", len(stale))
	}
	return r.state.Remove(ctx, idx, stale...)
}
