package challenge

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// ErrNotSupported is returned when a container config uses a field the
// translator refuses to pass through to the cluster.
var ErrNotSupported = errors.New("container config not supported")

// metadataEnvName is the env var injected into every container with the
// instance's deployment metadata, unless the config already sets it.
const metadataEnvName = "INSTANCER_METADATA"

// unsupportedFields abort translation when present: they reach into cluster
// storage or lifecycle machinery that challenge pods must not touch.
var unsupportedFields = []string{
	"envFrom",
	"lifecycle",
	"livenessProbe",
	"readinessProbe",
	"startupProbe",
	"volumeDevices",
	"volumeMounts",
}

// scalarStringFields are copied through from config to the container spec
// unchanged.
var scalarStringFields = []string{
	"imagePullPolicy",
	"terminationMessagePath",
	"terminationMessagePolicy",
	"workingDir",
}

// defaultResources applies when a container declares none.
func defaultResources() corev1.ResourceRequirements {
	return corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse("500m"),
			corev1.ResourceMemory: resource.MustParse("512Mi"),
		},
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse("50m"),
			corev1.ResourceMemory: resource.MustParse("64Mi"),
		},
	}
}

// ContainerNames returns the challenge's container names in sorted order.
// All translation iterates in this order so identical configs produce
// identical payload sequences.
func (c *Challenge) ContainerNames() []string {
	names := make([]string, 0, len(c.Containers))
	for name := range c.Containers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CommonLabels returns the labels stamped on every object of the instance.
func (c *Challenge) CommonLabels() map[string]string {
	labels := map[string]string{LabelInstanceID: c.ID}
	for k, v := range c.extraLabels {
		labels[k] = v
	}
	return labels
}

// selectorLabels identify one container's pods for services and deployments.
func (c *Challenge) selectorLabels(name string) map[string]string {
	labels := c.CommonLabels()
	labels[LabelContainerName] = name
	return labels
}

// podLabels adds the network-policy selectors to the container selector.
// has-ingress is true iff the container has any exposed TCP port or HTTP
// route; has-egress defaults to true and can be disabled per container.
func (c *Challenge) podLabels(name string, spec Container) map[string]string {
	labels := c.selectorLabels(name)

	hasEgress := true
	if v, ok := spec["hasEgress"].(bool); ok {
		hasEgress = v
	}
	labels[LabelHasEgress] = strconv.FormatBool(hasEgress)
	labels[LabelHasIngress] = strconv.FormatBool(
		len(c.ExposedPorts[name]) > 0 || len(c.HTTPRoutes[name]) > 0)
	return labels
}

// envMetadata builds the INSTANCER_METADATA payload for one container. The
// http section always lists every container so a challenge can discover its
// sibling hostnames.
func (c *Challenge) envMetadata(containerName string) map[string]any {
	http := make(map[string]map[string]string, len(c.Containers))
	for name := range c.Containers {
		hosts := make(map[string]string, len(c.HTTPRoutes[name]))
		for _, r := range c.HTTPRoutes[name] {
			hosts[strconv.Itoa(int(r.Port))] = r.Host
		}
		http[name] = hosts
	}

	meta := map[string]any{
		"namespace":      c.Namespace,
		"instance_id":    c.ID,
		"container_name": containerName,
		"http":           http,
	}
	for k, v := range c.extraEnvMetadata {
		meta[k] = v
	}
	return meta
}

// BuildDeployment translates one container config into its workload object.
// now stamps the pod template's chall-started annotation.
func (c *Challenge) BuildDeployment(name string, now int64) (*appsv1.Deployment, error) {
	spec, ok := c.Containers[name]
	if !ok {
		return nil, fmt.Errorf("no container %q in challenge %s", name, c.ID)
	}

	container, err := c.buildContainer(name, spec)
	if err != nil {
		return nil, err
	}

	podLabels := c.podLabels(name, spec)
	replicas := int32(1)
	autoMount := false
	serviceLinks := false
	gracePeriod := int64(0)

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: c.selectorLabels(name),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: podLabels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: podLabels,
					Annotations: map[string]string{
						AnnotationStarted: strconv.FormatInt(now, 10),
					},
				},
				Spec: corev1.PodSpec{
					EnableServiceLinks:            &serviceLinks,
					AutomountServiceAccountToken:  &autoMount,
					TerminationGracePeriodSeconds: &gracePeriod,
					Containers:                    []corev1.Container{container},
				},
			},
		},
	}, nil
}

// buildContainer maps the schemaless container config onto a typed container.
func (c *Challenge) buildContainer(name string, spec Container) (corev1.Container, error) {
	for _, field := range unsupportedFields {
		if _, present := spec[field]; present {
			return corev1.Container{}, fmt.Errorf("%w: %s", ErrNotSupported, field)
		}
	}

	image, ok := spec["image"].(string)
	if !ok || image == "" {
		return corev1.Container{}, fmt.Errorf("container %s: image is required", name)
	}

	container := corev1.Container{Name: name, Image: image}

	container.Args = stringSlice(spec["args"])
	container.Command = stringSlice(spec["command"])
	if v, ok := spec["imagePullPolicy"].(string); ok {
		container.ImagePullPolicy = corev1.PullPolicy(v)
	}
	if v, ok := spec["stdin"].(bool); ok {
		container.Stdin = v
	}
	if v, ok := spec["stdinOnce"].(bool); ok {
		container.StdinOnce = v
	}
	if v, ok := spec["terminationMessagePath"].(string); ok {
		container.TerminationMessagePath = v
	}
	if v, ok := spec["terminationMessagePolicy"].(string); ok {
		container.TerminationMessagePolicy = corev1.TerminationMessagePolicy(v)
	}
	if v, ok := spec["tty"].(bool); ok {
		container.TTY = v
	}
	if v, ok := spec["workingDir"].(string); ok {
		container.WorkingDir = v
	}

	env, err := c.buildEnv(name, spec)
	if err != nil {
		return corev1.Container{}, err
	}
	container.Env = env

	ports, err := buildPorts(name, spec)
	if err != nil {
		return corev1.Container{}, err
	}
	container.Ports = ports

	if raw, present := spec["securityContext"]; present {
		sc := &corev1.SecurityContext{}
		if err := reshape(raw, sc); err != nil {
			return corev1.Container{}, fmt.Errorf("container %s securityContext: %w", name, err)
		}
		container.SecurityContext = sc
	}

	if raw, present := spec["resources"]; present {
		var res corev1.ResourceRequirements
		if err := reshape(raw, &res); err != nil {
			return corev1.Container{}, fmt.Errorf("container %s resources: %w", name, err)
		}
		container.Resources = res
	} else {
		container.Resources = defaultResources()
	}

	return container, nil
}

// buildEnv unions the env list and environment map, then injects
// INSTANCER_METADATA iff the config did not set it already. The environment
// map is emitted in sorted key order for deterministic output.
func (c *Challenge) buildEnv(name string, spec Container) ([]corev1.EnvVar, error) {
	var env []corev1.EnvVar

	if raw, present := spec["env"]; present {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("container %s: env must be a list", name)
		}
		for _, item := range list {
			entry, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("container %s: env entries must be objects", name)
			}
			n, _ := entry["name"].(string)
			v, _ := entry["value"].(string)
			env = append(env, corev1.EnvVar{Name: n, Value: v})
		}
	}

	if raw, present := spec["environment"]; present {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("container %s: environment must be a map", name)
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			v, _ := m[k].(string)
			env = append(env, corev1.EnvVar{Name: k, Value: v})
		}
	}

	for _, e := range env {
		if e.Name == metadataEnvName {
			return env, nil
		}
	}
	meta, err := json.Marshal(c.envMetadata(name))
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", metadataEnvName, err)
	}
	return append(env, corev1.EnvVar{Name: metadataEnvName, Value: string(meta)}), nil
}

// buildPorts unions kubePorts (full descriptors) and ports (bare integers).
func buildPorts(name string, spec Container) ([]corev1.ContainerPort, error) {
	var ports []corev1.ContainerPort

	if raw, present := spec["kubePorts"]; present {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("container %s: kubePorts must be a list", name)
		}
		for _, item := range list {
			var port corev1.ContainerPort
			if err := reshape(item, &port); err != nil {
				return nil, fmt.Errorf("container %s kubePorts: %w", name, err)
			}
			ports = append(ports, port)
		}
	}

	if raw, present := spec["ports"]; present {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("container %s: ports must be a list", name)
		}
		for _, item := range list {
			p, ok := asInt32(item)
			if !ok {
				return nil, fmt.Errorf("container %s: ports entries must be integers", name)
			}
			ports = append(ports, corev1.ContainerPort{ContainerPort: p})
		}
	}

	return ports, nil
}

// BuildServices emits zero, one, or two services for a container: a NodePort
// service for exposed TCP ports and a ClusterIP service for the remaining
// declared ports. When both exist, the NodePort service takes the
// -instancer-external suffix so the bare name keeps routing in-cluster
// traffic.
func (c *Challenge) BuildServices(name string) []*corev1.Service {
	spec := c.Containers[name]
	exposed := c.ExposedPorts[name]

	private := declaredPorts(spec)
	private = slices.DeleteFunc(private, func(p int32) bool {
		return slices.Contains(exposed, p)
	})

	multiService := len(exposed) > 0 && len(private) > 0
	selector := c.selectorLabels(name)

	var services []*corev1.Service
	if len(exposed) > 0 {
		svcName := name
		if multiService {
			svcName = name + ExternalServiceSuffix
		}
		services = append(services, &corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: svcName, Labels: selector},
			Spec: corev1.ServiceSpec{
				Type:     corev1.ServiceTypeNodePort,
				Selector: selector,
				Ports:    servicePorts(exposed),
			},
		})
	}
	if len(private) > 0 {
		services = append(services, &corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: name, Labels: selector},
			Spec: corev1.ServiceSpec{
				Type:     corev1.ServiceTypeClusterIP,
				Selector: selector,
				Ports:    servicePorts(private),
			},
		})
	}
	return services
}

// declaredPorts collects the container's ports and kubePorts container ports.
func declaredPorts(spec Container) []int32 {
	var ports []int32
	if list, ok := spec["ports"].([]any); ok {
		for _, item := range list {
			if p, ok := asInt32(item); ok {
				ports = append(ports, p)
			}
		}
	}
	if list, ok := spec["kubePorts"].([]any); ok {
		for _, item := range list {
			if entry, ok := item.(map[string]any); ok {
				if p, ok := asInt32(entry["containerPort"]); ok {
					ports = append(ports, p)
				}
			}
		}
	}
	return ports
}

func servicePorts(ports []int32) []corev1.ServicePort {
	out := make([]corev1.ServicePort, len(ports))
	for i, p := range ports {
		out[i] = corev1.ServicePort{Port: p, TargetPort: intstr.FromInt32(p)}
	}
	return out
}

// BuildIngressRoute emits the Traefik IngressRoute for a container's HTTP
// routes, or nil if it has none. The raw-routes annotation carries the
// (port, host) list verbatim so port mappings survive a cache loss.
func (c *Challenge) BuildIngressRoute(name string) (*unstructured.Unstructured, error) {
	routes := c.HTTPRoutes[name]
	if len(routes) == 0 {
		return nil, nil
	}

	rawRoutes, err := json.Marshal(routes)
	if err != nil {
		return nil, fmt.Errorf("encode raw routes for %s: %w", name, err)
	}

	ruleList := make([]any, len(routes))
	for i, r := range routes {
		ruleList[i] = map[string]any{
			"match": fmt.Sprintf("Host(`%s`)", r.Host),
			"kind":  "Rule",
			"services": []any{
				map[string]any{"name": name, "port": int64(r.Port)},
			},
		}
	}

	labels := c.selectorLabels(name)
	labelObj := make(map[string]any, len(labels))
	for k, v := range labels {
		labelObj[k] = v
	}

	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": TraefikGroup + "/" + TraefikVersion,
		"kind":       IngressRouteKind,
		"metadata": map[string]any{
			"name":        name,
			"labels":      labelObj,
			"annotations": map[string]any{AnnotationRawRoutes: string(rawRoutes)},
		},
		"spec": map[string]any{
			"entryPoints": []any{"web", "websecure"},
			"routes":      ruleList,
		},
	}}, nil
}

// BuildNetworkPolicies emits the three per-namespace policies:
//
//   - intrans: confine all pods to same-namespace traffic plus DNS and the
//     ingress controller
//   - ingress: open ingress for pods that expose a port or route
//   - egress: open egress for pods allowed out, minus private ranges
func (c *Challenge) BuildNetworkPolicies() []*networkingv1.NetworkPolicy {
	common := c.CommonLabels()
	protoUDP := corev1.ProtocolUDP
	dnsPort := intstr.FromInt32(53)

	intrans := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: "intrans", Labels: common},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{},
			PolicyTypes: []networkingv1.PolicyType{
				networkingv1.PolicyTypeIngress,
				networkingv1.PolicyTypeEgress,
			},
			Ingress: []networkingv1.NetworkPolicyIngressRule{{
				From: []networkingv1.NetworkPolicyPeer{{
					NamespaceSelector: &metav1.LabelSelector{MatchLabels: common},
				}},
			}},
			Egress: []networkingv1.NetworkPolicyEgressRule{
				{
					To: []networkingv1.NetworkPolicyPeer{{
						NamespaceSelector: &metav1.LabelSelector{MatchLabels: common},
					}},
				},
				{
					To: []networkingv1.NetworkPolicyPeer{{
						NamespaceSelector: &metav1.LabelSelector{
							MatchLabels: map[string]string{"kubernetes.io/metadata.name": "kube-system"},
						},
					}},
					Ports: []networkingv1.NetworkPolicyPort{{
						Protocol: &protoUDP,
						Port:     &dnsPort,
					}},
				},
				{
					To: []networkingv1.NetworkPolicyPeer{{
						NamespaceSelector: &metav1.LabelSelector{
							MatchExpressions: []metav1.LabelSelectorRequirement{{
								Key:      "kubernetes.io/metadata.name",
								Operator: metav1.LabelSelectorOpIn,
								Values:   []string{"default", "traefik"},
							}},
						},
						PodSelector: &metav1.LabelSelector{
							MatchLabels: map[string]string{"app.kubernetes.io/name": "traefik"},
						},
					}},
				},
			},
		},
	}

	ingress := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: "ingress", Labels: common},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: map[string]string{LabelHasIngress: "true"},
			},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress},
			Ingress: []networkingv1.NetworkPolicyIngressRule{{
				From: []networkingv1.NetworkPolicyPeer{
					{IPBlock: &networkingv1.IPBlock{CIDR: "0.0.0.0/0"}},
					// Some CNIs present the ingress controller's traffic as a
					// namespace peer rather than a pod IP, so the IP block
					// alone is not enough.
					{NamespaceSelector: &metav1.LabelSelector{}},
				},
			}},
		},
	}

	egress := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: "egress", Labels: common},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: map[string]string{LabelHasEgress: "true"},
			},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
			Egress: []networkingv1.NetworkPolicyEgressRule{{
				To: []networkingv1.NetworkPolicyPeer{{
					IPBlock: &networkingv1.IPBlock{
						CIDR: "0.0.0.0/0",
						Except: []string{
							"10.0.0.0/8",
							"172.16.0.0/12",
							"192.168.0.0/16",
							"169.254.0.0/16",
						},
					},
				}},
			}},
		},
	}

	return []*networkingv1.NetworkPolicy{intrans, ingress, egress}
}

// reshape converts a decoded JSON value into a typed Kubernetes struct by
// round-tripping through JSON. The cluster types carry camelCase JSON tags
// matching the config's field names, so the structure passes through as-is.
func reshape(raw any, into any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, into)
}

func stringSlice(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asInt32(v any) (int32, bool) {
	switch n := v.(type) {
	case float64:
		return int32(n), true
	case int:
		return int32(n), true
	case int32:
		return n, true
	case int64:
		return int32(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int32(i), true
	default:
		return 0, false
	}
}
