package challenge

import "k8s.io/apimachinery/pkg/runtime/schema"

// Cluster label and annotation keys. These are wire-compatible with already
// deployed instances, so they must not change between rollouts.
const (
	labelDomain = "instancer.acmcyber.com"

	// LabelInstanceID marks every object belonging to an instance with its
	// challenge ID.
	LabelInstanceID = labelDomain + "/instance-id"

	// LabelContainerName marks objects owned by a single container's workload.
	LabelContainerName = labelDomain + "/container-name"

	// LabelHasIngress and LabelHasEgress select pods in the ingress and
	// egress network policies.
	LabelHasIngress = labelDomain + "/has-ingress"
	LabelHasEgress  = labelDomain + "/has-egress"

	// LabelTeamID is set on per-team instances only.
	LabelTeamID = labelDomain + "/team-id"

	// AnnotationExpires and AnnotationStartTime on the namespace are the
	// authoritative lifecycle record; the state index only mirrors them.
	AnnotationExpires   = labelDomain + "/chall-expires"
	AnnotationStartTime = labelDomain + "/chall-start-time"

	// AnnotationStarted is stamped on pod templates at creation time.
	AnnotationStarted = labelDomain + "/chall-started"

	// AnnotationRawRoutes on an IngressRoute holds the JSON [(port, host), ...]
	// list and is the source of truth for port-mapping recovery.
	AnnotationRawRoutes = labelDomain + "/raw-routes"
)

// Traefik CRD coordinates. Older cluster revisions mixed traefik.containo.us
// and traefik.io; everything now goes through traefik.io/v1alpha1 and this is
// the only place that names it.
const (
	TraefikGroup     = "traefik.io"
	TraefikVersion   = "v1alpha1"
	IngressRouteKind = "IngressRoute"
)

// IngressRouteGVR is the dynamic-client resource for Traefik ingress routes.
var IngressRouteGVR = schema.GroupVersionResource{
	Group:    TraefikGroup,
	Version:  TraefikVersion,
	Resource: "ingressroutes",
}

// ExternalServiceSuffix is appended to a container's NodePort service name
// when a ClusterIP service with the bare name also exists (the multiService
// case). Container IDs ending in this suffix are rejected at upload.
const ExternalServiceSuffix = "-instancer-external"
