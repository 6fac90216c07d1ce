package challenge

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	corev1 "k8s.io/api/core/v1"
)

// testChallenge returns a two-container challenge exercising NodePort
// exposure, HTTP routing, and a fully private container.
func testChallenge() *Challenge {
	info := &Info{
		Cfg: Config{
			Containers: map[string]Container{
				"app": {
					"image": "nginx",
					"ports": []any{float64(80)},
				},
				"db": {
					"image": "postgres",
					"ports": []any{float64(5432)},
					"environment": map[string]any{
						"POSTGRES_PASSWORD": "hunter2",
					},
					"hasEgress": false,
				},
			},
			HTTP: map[string][]HTTPRoute{
				"app": {{Port: 80, Host: "web.chall.example.com"}},
			},
		},
		Lifetime: 600,
	}
	return New("web-thing", info, "team-1")
}

func TestContainerNames_Sorted(t *testing.T) {
	t.Parallel()

	ch := testChallenge()
	want := []string{"app", "db"}
	if diff := cmp.Diff(want, ch.ContainerNames()); diff != "" {
		t.Fatalf("container names mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildDeployment_Defaults(t *testing.T) {
	t.Parallel()

	ch := testChallenge()
	dep, err := ch.BuildDeployment("app", 1700000000)
	if err != nil {
		t.Fatalf("build deployment: %v", err)
	}

	if *dep.Spec.Replicas != 1 {
		t.Fatalf("replicas = %d, want 1", *dep.Spec.Replicas)
	}
	pod := dep.Spec.Template.Spec
	if *pod.TerminationGracePeriodSeconds != 0 {
		t.Fatalf("grace period = %d, want 0", *pod.TerminationGracePeriodSeconds)
	}
	if *pod.EnableServiceLinks || *pod.AutomountServiceAccountToken {
		t.Fatal("service links and token automount must be disabled")
	}
	if got := dep.Spec.Template.Annotations[AnnotationStarted]; got != "1700000000" {
		t.Fatalf("started annotation = %q", got)
	}

	container := pod.Containers[0]
	if got := container.Resources.Limits.Cpu().String(); got != "500m" {
		t.Fatalf("default cpu limit = %s", got)
	}
	if got := container.Resources.Requests.Memory().String(); got != "64Mi" {
		t.Fatalf("default memory request = %s", got)
	}

	labels := dep.Spec.Template.Labels
	if labels[LabelInstanceID] != "web-thing" || labels[LabelContainerName] != "app" {
		t.Fatalf("pod labels = %v", labels)
	}
	if labels[LabelHasIngress] != "true" {
		t.Fatal("app exposes a route, has-ingress must be true")
	}
	if labels[LabelHasEgress] != "true" {
		t.Fatal("has-egress must default to true")
	}
}

func TestBuildDeployment_EgressOptOut(t *testing.T) {
	t.Parallel()

	ch := testChallenge()
	dep, err := ch.BuildDeployment("db", 0)
	if err != nil {
		t.Fatalf("build deployment: %v", err)
	}
	labels := dep.Spec.Template.Labels
	if labels[LabelHasEgress] != "false" {
		t.Fatal("hasEgress: false must disable the egress label")
	}
	if labels[LabelHasIngress] != "false" {
		t.Fatal("db has no exposure, has-ingress must be false")
	}
}

func TestBuildDeployment_UnsupportedField(t *testing.T) {
	t.Parallel()

	ch := testChallenge()
	ch.Containers["app"]["volumeMounts"] = []any{}

	if _, err := ch.BuildDeployment("app", 0); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("err = %v, want ErrNotSupported", err)
	}
}

func TestBuildDeployment_Deterministic(t *testing.T) {
	t.Parallel()

	ch := testChallenge()
	first, err := ch.BuildDeployment("db", 42)
	if err != nil {
		t.Fatalf("build deployment: %v", err)
	}
	for range 10 {
		again, err := ch.BuildDeployment("db", 42)
		if err != nil {
			t.Fatalf("build deployment: %v", err)
		}
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("repeated translation differs (-first +again):\n%s", diff)
		}
	}
}

func TestBuildEnv_MetadataInjection(t *testing.T) {
	t.Parallel()

	ch := testChallenge()
	dep, err := ch.BuildDeployment("db", 0)
	if err != nil {
		t.Fatalf("build deployment: %v", err)
	}

	var metaVar *corev1.EnvVar
	for i, e := range dep.Spec.Template.Spec.Containers[0].Env {
		if e.Name == metadataEnvName {
			metaVar = &dep.Spec.Template.Spec.Containers[0].Env[i]
		}
	}
	if metaVar == nil {
		t.Fatal("INSTANCER_METADATA was not injected")
	}

	var meta struct {
		Namespace     string                       `json:"namespace"`
		InstanceID    string                       `json:"instance_id"`
		ContainerName string                       `json:"container_name"`
		HTTP          map[string]map[string]string `json:"http"`
	}
	if err := json.Unmarshal([]byte(metaVar.Value), &meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta.Namespace != "ci-web-thing" || meta.InstanceID != "web-thing" || meta.ContainerName != "db" {
		t.Fatalf("metadata = %+v", meta)
	}
	// Every container must see its siblings' hostnames.
	if meta.HTTP["app"]["80"] != "web.chall.example.com" {
		t.Fatalf("metadata http section = %v", meta.HTTP)
	}
}

func TestBuildEnv_MetadataNotOverridden(t *testing.T) {
	t.Parallel()

	ch := testChallenge()
	ch.Containers["app"]["environment"] = map[string]any{metadataEnvName: "custom"}

	dep, err := ch.BuildDeployment("app", 0)
	if err != nil {
		t.Fatalf("build deployment: %v", err)
	}

	var values []string
	for _, e := range dep.Spec.Template.Spec.Containers[0].Env {
		if e.Name == metadataEnvName {
			values = append(values, e.Value)
		}
	}
	if len(values) != 1 || values[0] != "custom" {
		t.Fatalf("metadata env values = %v, want the config's own", values)
	}
}

func TestBuildServices(t *testing.T) {
	t.Parallel()

	t.Run("private only", func(t *testing.T) {
		t.Parallel()
		ch := testChallenge()
		services := ch.BuildServices("db")
		if len(services) != 1 {
			t.Fatalf("got %d services, want 1", len(services))
		}
		if services[0].Spec.Type != corev1.ServiceTypeClusterIP || services[0].Name != "db" {
			t.Fatalf("service = %s/%s", services[0].Name, services[0].Spec.Type)
		}
	})

	t.Run("exposed only", func(t *testing.T) {
		t.Parallel()
		ch := testChallenge()
		ch.ExposedPorts = map[string][]int32{"app": {80}}
		services := ch.BuildServices("app")
		if len(services) != 1 {
			t.Fatalf("got %d services, want 1", len(services))
		}
		if services[0].Spec.Type != corev1.ServiceTypeNodePort || services[0].Name != "app" {
			t.Fatalf("service = %s/%s", services[0].Name, services[0].Spec.Type)
		}
	})

	t.Run("mixed gets the external suffix", func(t *testing.T) {
		t.Parallel()
		ch := testChallenge()
		ch.Containers["multi"] = Container{
			"image": "socat",
			"ports": []any{float64(1337), float64(9000)},
		}
		ch.ExposedPorts = map[string][]int32{"multi": {1337}}

		services := ch.BuildServices("multi")
		if len(services) != 2 {
			t.Fatalf("got %d services, want 2", len(services))
		}
		external, internal := services[0], services[1]
		if external.Name != "multi"+ExternalServiceSuffix || external.Spec.Type != corev1.ServiceTypeNodePort {
			t.Fatalf("external service = %s/%s", external.Name, external.Spec.Type)
		}
		if external.Spec.Ports[0].Port != 1337 {
			t.Fatalf("external port = %d", external.Spec.Ports[0].Port)
		}
		if internal.Name != "multi" || internal.Spec.Type != corev1.ServiceTypeClusterIP {
			t.Fatalf("internal service = %s/%s", internal.Name, internal.Spec.Type)
		}
		if internal.Spec.Ports[0].Port != 9000 {
			t.Fatalf("internal port = %d", internal.Spec.Ports[0].Port)
		}
	})
}

func TestBuildIngressRoute(t *testing.T) {
	t.Parallel()

	ch := testChallenge()

	route, err := ch.BuildIngressRoute("db")
	if err != nil {
		t.Fatalf("build ingress route: %v", err)
	}
	if route != nil {
		t.Fatal("container without routes must produce no ingress route")
	}

	route, err = ch.BuildIngressRoute("app")
	if err != nil {
		t.Fatalf("build ingress route: %v", err)
	}
	if route.GetKind() != IngressRouteKind || route.GetAPIVersion() != "traefik.io/v1alpha1" {
		t.Fatalf("route GVK = %s %s", route.GetAPIVersion(), route.GetKind())
	}

	var declared []HTTPRoute
	raw := route.GetAnnotations()[AnnotationRawRoutes]
	if err := json.Unmarshal([]byte(raw), &declared); err != nil {
		t.Fatalf("decode raw-routes annotation %q: %v", raw, err)
	}
	if len(declared) != 1 || declared[0].Host != "web.chall.example.com" || declared[0].Port != 80 {
		t.Fatalf("raw routes = %+v", declared)
	}

	rules, _, err := unstructuredSlice(route.Object, "spec", "routes")
	if err != nil {
		t.Fatalf("read spec.routes: %v", err)
	}
	rule := rules[0].(map[string]any)
	if rule["match"] != "Host(`web.chall.example.com`)" {
		t.Fatalf("match rule = %v", rule["match"])
	}

	entry, _, err := unstructuredSlice(route.Object, "spec", "entryPoints")
	if err != nil {
		t.Fatalf("read spec.entryPoints: %v", err)
	}
	if diff := cmp.Diff([]any{"web", "websecure"}, entry); diff != "" {
		t.Fatalf("entry points mismatch (-want +got):\n%s", diff)
	}
}

// unstructuredSlice digs a []any out of a nested unstructured object.
func unstructuredSlice(obj map[string]any, fields ...string) ([]any, bool, error) {
	cur := obj
	for i, f := range fields {
		if i == len(fields)-1 {
			v, ok := cur[f].([]any)
			return v, ok, nil
		}
		next, ok := cur[f].(map[string]any)
		if !ok {
			return nil, false, errors.New("missing field " + f)
		}
		cur = next
	}
	return nil, false, nil
}

func TestBuildNetworkPolicies(t *testing.T) {
	t.Parallel()

	ch := testChallenge()
	policies := ch.BuildNetworkPolicies()
	if len(policies) != 3 {
		t.Fatalf("got %d policies, want 3", len(policies))
	}

	byName := map[string]int{}
	for i, p := range policies {
		byName[p.Name] = i
	}
	for _, name := range []string{"intrans", "ingress", "egress"} {
		if _, ok := byName[name]; !ok {
			t.Fatalf("missing policy %q", name)
		}
	}

	ingress := policies[byName["ingress"]]
	if ingress.Spec.PodSelector.MatchLabels[LabelHasIngress] != "true" {
		t.Fatal("ingress policy must select has-ingress pods")
	}

	egress := policies[byName["egress"]]
	except := egress.Spec.Egress[0].To[0].IPBlock.Except
	want := []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "169.254.0.0/16"}
	if diff := cmp.Diff(want, except); diff != "" {
		t.Fatalf("egress exceptions mismatch (-want +got):\n%s", diff)
	}

	intrans := policies[byName["intrans"]]
	if len(intrans.Spec.Egress) != 3 {
		t.Fatalf("intrans egress rules = %d, want 3", len(intrans.Spec.Egress))
	}
	dns := intrans.Spec.Egress[1]
	if got := dns.To[0].NamespaceSelector.MatchLabels["kubernetes.io/metadata.name"]; got != "kube-system" {
		t.Fatalf("dns egress namespace = %q", got)
	}
	if dns.Ports[0].Port.IntValue() != 53 {
		t.Fatalf("dns egress port = %v", dns.Ports[0].Port)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Containers: map[string]Container{
				"app": {"image": "nginx", "ports": []any{float64(80)}},
			},
			TCP: map[string][]int32{"app": {80}},
		}
	}

	t.Run("valid config passes", func(t *testing.T) {
		t.Parallel()
		cfg := valid()
		if err := cfg.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	tests := map[string]func(c *Config){
		"no containers": func(c *Config) { c.Containers = nil },
		"bad container id": func(c *Config) {
			c.Containers["Bad_Name"] = Container{"image": "nginx"}
		},
		"reserved suffix": func(c *Config) {
			c.Containers["x"+ExternalServiceSuffix] = Container{"image": "nginx"}
		},
		"unknown field": func(c *Config) {
			c.Containers["app"]["hostNetwork"] = true
		},
		"missing image": func(c *Config) {
			c.Containers["app"] = Container{"ports": []any{float64(80)}}
		},
		"tcp references unknown container": func(c *Config) {
			c.TCP["ghost"] = []int32{80}
		},
		"http references unknown container": func(c *Config) {
			c.HTTP = map[string][]HTTPRoute{"ghost": {{Port: 80, Host: "x"}}}
		},
		"port out of range": func(c *Config) {
			c.TCP["app"] = []int32{70000}
		},
		"mixed ports without multiService": func(c *Config) {
			c.Containers["app"]["ports"] = []any{float64(80), float64(8081)}
		},
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}

	t.Run("mixed ports with multiService pass", func(t *testing.T) {
		t.Parallel()
		cfg := valid()
		cfg.Containers["app"]["ports"] = []any{float64(80), float64(8081)}
		cfg.Containers["app"]["multiService"] = true
		if err := cfg.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestValidateTimes(t *testing.T) {
	t.Parallel()

	if err := ValidateTimes(600, 30); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for name, tc := range map[string]struct{ lifetime, boot int64 }{
		"zero lifetime":          {0, 0},
		"negative boot":          {600, -1},
		"boot exceeds lifetime":  {600, 600},
		"boot exceeds lifetime2": {600, 700},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if err := ValidateTimes(tc.lifetime, tc.boot); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}
