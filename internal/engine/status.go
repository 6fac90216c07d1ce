package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/acmcyber/instancer/internal/challenge"
	"github.com/acmcyber/instancer/internal/state"
)

// Deployment is a snapshot of a running instance.
type Deployment struct {
	// Expiration is the UNIX time the lease runs out.
	Expiration int64
	// StartTimestamp is the UNIX time the instance is expected to be ready:
	// first boot plus the challenge's boot time.
	StartTimestamp int64
	// PortMappings maps "<container>:<port>" to the NodePort or public
	// hostname it is reachable on.
	PortMappings challenge.PortMap
}

// DeploymentStatus returns the running instance of the challenge, or nil if
// none is running. Port mappings come from the cache when possible and are
// otherwise recovered from the cluster: NodePorts from the external services,
// hostnames from the raw-routes annotations on the ingress routes.
func (e *Engine) DeploymentStatus(ctx context.Context, ch *challenge.Challenge) (*Deployment, error) {
	expiration, ok, err := e.state.Score(ctx, state.IndexExpiration, ch.Namespace)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	// A missing boot score means the index was rebuilt from a namespace that
	// lost its start-time annotation; treat the instance as long since booted.
	start := int64(1)
	if boot, ok, err := e.state.Score(ctx, state.IndexBootTime, ch.Namespace); err != nil {
		return nil, err
	} else if ok {
		start = boot + ch.BootTime
	}

	ports, hit, err := e.state.PortMappings(ctx, ch.Namespace)
	if err != nil {
		return nil, err
	}
	if !hit {
		ports, err = e.recoverPortMappings(ctx, ch.Namespace)
		if err != nil {
			return nil, err
		}
		if ttl := expiration - e.clock().Unix(); len(ports) > 0 && ttl > 0 {
			if err := e.state.CachePortMappings(ctx, ch.Namespace, ports, time.Duration(ttl)*time.Second); err != nil {
				e.log.Warn("could not cache port mappings", "namespace", ch.Namespace, "error", err)
			}
		}
	}

	return &Deployment{
		Expiration:     expiration,
		StartTimestamp: start,
		PortMappings:   ports,
	}, nil
}

// recoverPortMappings rebuilds the port map by inspecting the namespace's
// services and ingress routes.
func (e *Engine) recoverPortMappings(ctx context.Context, ns string) (challenge.PortMap, error) {
	ports := challenge.PortMap{}

	services, err := e.kube.CoreV1().Services(ns).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list services in %s: %w", ns, err)
	}
	for _, svc := range services.Items {
		if svc.Spec.Type != corev1.ServiceTypeNodePort {
			continue
		}
		for _, port := range svc.Spec.Ports {
			if port.NodePort == 0 {
				continue
			}
			ports[challenge.PortKey(svc.Name, port.Port)] = challenge.PortValue{NodePort: port.NodePort}
		}
	}

	routes, err := e.dyn.Resource(challenge.IngressRouteGVR).Namespace(ns).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list ingress routes in %s: %w", ns, err)
	}
	for _, route := range routes.Items {
		raw := route.GetAnnotations()[challenge.AnnotationRawRoutes]
		if raw == "" {
			e.log.Warn("ingress route is missing its raw-routes annotation",
				"namespace", ns, "name", route.GetName())
			continue
		}
		var declared []challenge.HTTPRoute
		if err := json.Unmarshal([]byte(raw), &declared); err != nil {
			return nil, fmt.Errorf("decode raw routes on %s/%s: %w", ns, route.GetName(), err)
		}
		for _, r := range declared {
			ports[challenge.PortKey(route.GetName(), r.Port)] = challenge.PortValue{Host: r.Host}
		}
	}

	return ports, nil
}
