// Package engine drives the instance lifecycle on the cluster: namespace
// create-or-renew under the distributed lock, workload/service/ingress/policy
// creation, rollback on partial failure, and teardown. The state index is
// updated on every transition; the reaper repairs any drift from the
// authoritative namespace annotations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/acmcyber/instancer/internal/challenge"
	"github.com/acmcyber/instancer/internal/lock"
	"github.com/acmcyber/instancer/internal/state"
)

// ErrResourceUnavailable is returned when an instance cannot be started right
// now but a retry after a short delay should succeed: its namespace is locked
// by another worker or still terminating.
var ErrResourceUnavailable = errors.New("resource temporarily unavailable")

// Config wires the engine's process-wide dependencies. All fields except
// Clock and Log are required.
type Config struct {
	Kube    kubernetes.Interface
	Dynamic dynamic.Interface
	Redis   *redis.Client
	State   *state.Store
	Log     *slog.Logger

	// LockTTL bounds how long a crashed worker can hold a namespace lock.
	// Zero means lock.DefaultTTL.
	LockTTL time.Duration

	// Clock is the time source, overridable in tests. Nil means time.Now.
	Clock func() time.Time
}

// Engine performs start/renew/stop of challenge instances.
type Engine struct {
	kube    kubernetes.Interface
	dyn     dynamic.Interface
	redis   *redis.Client
	state   *state.Store
	log     *slog.Logger
	lockTTL time.Duration
	clock   func() time.Time
}

// New returns an Engine over the given dependencies.
func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = lock.DefaultTTL
	}
	return &Engine{
		kube:    cfg.Kube,
		dyn:     cfg.Dynamic,
		redis:   cfg.Redis,
		state:   cfg.State,
		log:     cfg.Log,
		lockTTL: cfg.LockTTL,
		clock:   cfg.Clock,
	}
}

// Start starts the challenge's instance, or renews its lease if it is
// already running. The whole operation holds the per-namespace lock, so
// concurrent starts on the same instance serialize: exactly one takes the
// create path and the rest fail with ErrResourceUnavailable.
func (e *Engine) Start(ctx context.Context, ch *challenge.Challenge) error {
	now := e.clock().Unix()
	expiration := now + ch.Lifetime

	l, err := lock.Acquire(ctx, e.redis, ch.Namespace, e.lockTTL)
	if errors.Is(err, lock.ErrAlreadyLocked) {
		return fmt.Errorf("namespace %s is locked: %w", ch.Namespace, ErrResourceUnavailable)
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(ctx); err != nil {
			e.log.Warn("failed to release namespace lock", "namespace", ch.Namespace, "error", err)
		}
	}()

	ns, err := e.kube.CoreV1().Namespaces().Get(ctx, ch.Namespace, metav1.GetOptions{})
	if err == nil {
		return e.renew(ctx, ns, now, expiration)
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("read namespace %s: %w", ch.Namespace, err)
	}

	return e.create(ctx, ch, now, expiration)
}

// renew updates the lease annotations of a live namespace in place. Renewal
// never touches child objects and never writes the boot_time index.
func (e *Engine) renew(ctx context.Context, ns *corev1.Namespace, now, expiration int64) error {
	if ns.Status.Phase == corev1.NamespaceTerminating {
		return fmt.Errorf("namespace %s is still terminating: %w", ns.Name, ErrResourceUnavailable)
	}

	e.log.Info("renewing namespace", "namespace", ns.Name, "expiration", expiration)
	if ns.Annotations == nil {
		ns.Annotations = map[string]string{}
	}
	ns.Annotations[challenge.AnnotationExpires] = strconv.FormatInt(expiration, 10)
	ns.Annotations[challenge.AnnotationStartTime] = strconv.FormatInt(now, 10)

	if _, err := e.kube.CoreV1().Namespaces().Update(ctx, ns, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("renew namespace %s: %w", ns.Name, err)
	}
	return e.state.SetScore(ctx, state.IndexExpiration, ns.Name, expiration)
}

// create provisions a fresh namespace with every child object. From the
// moment the namespace exists, any failure tears it down again before
// returning: the caller either gets a complete instance or none at all.
func (e *Engine) create(ctx context.Context, ch *challenge.Challenge, now, expiration int64) error {
	e.log.Info("creating namespace", "namespace", ch.Namespace, "challenge", ch.ID)
	_, err := e.kube.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   ch.Namespace,
			Labels: ch.CommonLabels(),
			Annotations: map[string]string{
				challenge.AnnotationExpires:   strconv.FormatInt(expiration, 10),
				challenge.AnnotationStartTime: strconv.FormatInt(now, 10),
			},
		},
	}, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("create namespace %s: %w", ch.Namespace, err)
	}

	// The namespace exists now; every error below must roll it back.
	if err := e.populate(ctx, ch, now, expiration); err != nil {
		e.rollback(ctx, ch.Namespace)
		return err
	}
	return nil
}

// populate creates the child objects and index entries of a new namespace.
func (e *Engine) populate(ctx context.Context, ch *challenge.Challenge, now, expiration int64) error {
	for _, name := range ch.ContainerNames() {
		dep, err := ch.BuildDeployment(name, now)
		if err != nil {
			return err
		}
		e.log.Debug("creating deployment", "namespace", ch.Namespace, "container", name)
		if _, err := e.kube.AppsV1().Deployments(ch.Namespace).Create(ctx, dep, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("create deployment %s/%s: %w", ch.Namespace, name, err)
		}
	}

	for _, name := range ch.ContainerNames() {
		for _, svc := range ch.BuildServices(name) {
			e.log.Debug("creating service", "namespace", ch.Namespace, "service", svc.Name)
			if _, err := e.kube.CoreV1().Services(ch.Namespace).Create(ctx, svc, metav1.CreateOptions{}); err != nil {
				return fmt.Errorf("create service %s/%s: %w", ch.Namespace, svc.Name, err)
			}
		}
	}

	for _, name := range ch.ContainerNames() {
		route, err := ch.BuildIngressRoute(name)
		if err != nil {
			return err
		}
		if route == nil {
			continue
		}
		e.log.Debug("creating ingress route", "namespace", ch.Namespace, "container", name)
		if _, err := e.dyn.Resource(challenge.IngressRouteGVR).Namespace(ch.Namespace).
			Create(ctx, route, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("create ingress route %s/%s: %w", ch.Namespace, name, err)
		}
	}

	e.log.Debug("creating network policies", "namespace", ch.Namespace)
	for _, pol := range ch.BuildNetworkPolicies() {
		if _, err := e.kube.NetworkingV1().NetworkPolicies(ch.Namespace).Create(ctx, pol, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("create network policy %s/%s: %w", ch.Namespace, pol.Name, err)
		}
	}

	if err := e.state.SetScore(ctx, state.IndexExpiration, ch.Namespace, expiration); err != nil {
		return err
	}
	return e.state.SetScore(ctx, state.IndexBootTime, ch.Namespace, now)
}

// rollback tears down a half-built namespace. Failures here are logged, not
// raised; the reaper reconciles anything left behind within one resync
// interval.
func (e *Engine) rollback(ctx context.Context, ns string) {
	e.log.Warn("rolling back namespace after failed start", "namespace", ns)
	zero := int64(0)
	err := e.kube.CoreV1().Namespaces().Delete(ctx, ns, metav1.DeleteOptions{GracePeriodSeconds: &zero})
	if err != nil && !apierrors.IsNotFound(err) {
		e.log.Warn("rollback could not delete namespace", "namespace", ns, "error", err)
	}
	if err := e.state.RemoveNamespace(ctx, ns); err != nil {
		e.log.Warn("rollback could not clean index", "namespace", ns, "error", err)
	}
}

// Stop terminates the challenge's instance if it is running.
func (e *Engine) Stop(ctx context.Context, ch *challenge.Challenge) error {
	return e.StopNamespace(ctx, ch.Namespace)
}

// StopNamespace deletes an instance namespace and removes it from the index.
// The cluster delete is best-effort: a missing namespace is not an error, and
// other delete failures are logged and left to the reaper. Index removal is
// unconditional and idempotent.
func (e *Engine) StopNamespace(ctx context.Context, ns string) error {
	e.log.Info("deleting namespace", "namespace", ns)
	if err := e.state.RemoveNamespace(ctx, ns); err != nil {
		return err
	}

	zero := int64(0)
	err := e.kube.CoreV1().Namespaces().Delete(ctx, ns, metav1.DeleteOptions{GracePeriodSeconds: &zero})
	switch {
	case apierrors.IsNotFound(err):
		e.log.Debug("namespace already gone", "namespace", ns)
	case err != nil:
		e.log.Warn("could not delete namespace", "namespace", ns, "error", err)
	}
	return nil
}
