// Package challenge holds the challenge model: the persisted definition, the
// shared and per-team deployment variants, namespace naming, and the pure
// translation from declarative container config to cluster API payloads.
package challenge

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

// maxNamespaceLength is the Kubernetes DNS-label limit on namespace names.
const maxNamespaceLength = 63

// hostSuffixCharset and hostSuffixLength define the random suffix appended to
// the leftmost host label of per-team HTTP routes.
const (
	hostSuffixCharset = "abcdefghijklmnopqrstuvwxyz0123456789"
	hostSuffixLength  = 5
)

// Tag is a challenge tag. Category tags sort before plain tags when listed.
type Tag struct {
	Name       string `json:"name"`
	IsCategory bool   `json:"is_category"`
}

// Metadata is the free-form display metadata of a challenge.
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Author      string `json:"author"`
}

// Info is the persisted challenge definition, as stored in the database and
// in the chall:<id> cache.
type Info struct {
	Cfg         Config `json:"cfg"`
	PerTeam     bool   `json:"per_team"`
	Lifetime    int64  `json:"lifetime"`
	BootTime    int64  `json:"boot_time"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Author      string `json:"author"`
}

// Metadata returns the display metadata portion of the definition.
func (i *Info) Metadata() Metadata {
	return Metadata{Name: i.Name, Description: i.Description, Author: i.Author}
}

// Config is the declarative container configuration of a challenge.
type Config struct {
	Containers map[string]Container `json:"containers"`
	// TCP maps container name to ports exposed through NodePort services.
	TCP map[string][]int32 `json:"tcp,omitempty"`
	// HTTP maps container name to (port, public hostname) routes served
	// through the ingress controller.
	HTTP map[string][]HTTPRoute `json:"http,omitempty"`
}

// Container is a single container's config. It mirrors the cluster's
// container shape restricted to a validated subset; it stays schemaless so
// that a stored cfg translates byte-for-byte regardless of which revision
// wrote it.
type Container map[string]any

// HTTPRoute is one (port, hostname) pair, serialized as the two-element JSON
// array used in stored configs and the raw-routes annotation.
type HTTPRoute struct {
	Port int32
	Host string
}

// MarshalJSON encodes the route as [port, "host"].
func (r HTTPRoute) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{r.Port, r.Host})
}

// UnmarshalJSON decodes the [port, "host"] form.
func (r *HTTPRoute) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("http route must be a [port, host] pair: %w", err)
	}
	var port int32
	if err := json.Unmarshal(raw[0], &port); err != nil {
		return fmt.Errorf("http route port: %w", err)
	}
	var host string
	if err := json.Unmarshal(raw[1], &host); err != nil {
		return fmt.Errorf("http route host: %w", err)
	}
	r.Port = port
	r.Host = host
	return nil
}

// PortValue is one resolved port mapping: either a NodePort assigned by the
// cluster or a public hostname routed by the ingress controller.
type PortValue struct {
	NodePort int32
	Host     string
}

// MarshalJSON encodes a hostname as a JSON string and a NodePort as a number.
func (v PortValue) MarshalJSON() ([]byte, error) {
	if v.Host != "" {
		return json.Marshal(v.Host)
	}
	return json.Marshal(v.NodePort)
}

// UnmarshalJSON accepts either form. Numeric values may arrive as floats from
// older cache entries and are truncated to the integer port.
func (v *PortValue) UnmarshalJSON(data []byte) error {
	var host string
	if err := json.Unmarshal(data, &host); err == nil {
		*v = PortValue{Host: host}
		return nil
	}
	var port float64
	if err := json.Unmarshal(data, &port); err != nil {
		return fmt.Errorf("port mapping must be a number or string: %w", err)
	}
	*v = PortValue{NodePort: int32(port)}
	return nil
}

// PortMap maps "<container>:<port>" to the externally reachable port or host.
type PortMap map[string]PortValue

// PortKey builds the "<container>:<port>" key used in port maps.
func PortKey(container string, port int32) string {
	return container + ":" + strconv.Itoa(int(port))
}

// SplitPortKey is the inverse of PortKey. The container name may itself
// contain colons-free DNS labels only, so splitting on the last colon is safe.
func SplitPortKey(key string) (container string, port int32, err error) {
	idx := strings.LastIndex(key, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("port key %q has no port", key)
	}
	p, err := strconv.Atoi(key[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("port key %q: %w", key, err)
	}
	return key[:idx], int32(p), nil
}

// Challenge is a challenge definition bound to a requesting team, ready to be
// deployed. The shared and per-team variants differ only in namespace naming
// and HTTP-host rewriting; everything else flows through the same engine.
type Challenge struct {
	ID       string
	TeamID   string
	PerTeam  bool
	Lifetime int64
	BootTime int64
	Metadata Metadata

	// Containers maps container name to its config.
	Containers map[string]Container
	// ExposedPorts maps container name to the TCP ports exposed via NodePort.
	ExposedPorts map[string][]int32
	// HTTPRoutes maps container name to its ingress routes. For per-team
	// challenges the leftmost host label carries a random suffix chosen once
	// at construction time.
	HTTPRoutes map[string][]HTTPRoute

	// Namespace is the derived cluster namespace, the unit of mutual
	// exclusion and teardown.
	Namespace string

	extraLabels      map[string]string
	extraEnvMetadata map[string]any
}

// New binds a challenge definition to a team, deriving the namespace and,
// for per-team challenges, randomizing HTTP hostnames.
func New(id string, info *Info, teamID string) *Challenge {
	c := &Challenge{
		ID:           id,
		TeamID:       teamID,
		PerTeam:      info.PerTeam,
		Lifetime:     info.Lifetime,
		BootTime:     info.BootTime,
		Metadata:     info.Metadata(),
		Containers:   info.Cfg.Containers,
		ExposedPorts: info.Cfg.TCP,
		HTTPRoutes:   info.Cfg.HTTP,
		Namespace:    DeriveNamespace(id, teamID, info.PerTeam),
	}
	if info.PerTeam {
		c.HTTPRoutes = randomizeRoutes(info.Cfg.HTTP)
		c.extraLabels = map[string]string{LabelTeamID: teamID}
		c.extraEnvMetadata = map[string]any{"team_id": teamID}
	}
	return c
}

// IsShared reports whether one instance serves all teams. Shared instances
// must not be terminated by teams.
func (c *Challenge) IsShared() bool {
	return !c.PerTeam
}

// DeriveNamespace returns the namespace name for a (challenge, team) pair.
// Shared challenges use ci-<id>; per-team challenges append the team ID with
// dashes stripped. Names over 63 characters are replaced with ci- plus the
// first 60 hex digits of the SHA-256 of the naive name, keeping the result a
// valid DNS label while staying deterministic per pair.
func DeriveNamespace(id, teamID string, perTeam bool) string {
	ns := "ci-" + id
	if perTeam {
		ns += "-t-" + strings.ReplaceAll(teamID, "-", "")
	}
	if len(ns) > maxNamespaceLength {
		sum := sha256.Sum256([]byte(ns))
		ns = "ci-" + hex.EncodeToString(sum[:])[:60]
	}
	return ns
}

// randomizeRoutes rewrites each route host from a.b.c to a-<suffix>.b.c with
// a fresh 5-character suffix per route. Renewals never call this: the engine's
// renew path reuses the objects already on the cluster.
func randomizeRoutes(routes map[string][]HTTPRoute) map[string][]HTTPRoute {
	if routes == nil {
		return nil
	}
	out := make(map[string][]HTTPRoute, len(routes))
	for name, rs := range routes {
		rewritten := make([]HTTPRoute, len(rs))
		for i, r := range rs {
			labels := strings.Split(r.Host, ".")
			labels[0] += "-" + randomSuffix()
			rewritten[i] = HTTPRoute{Port: r.Port, Host: strings.Join(labels, ".")}
		}
		out[name] = rewritten
	}
	return out
}

func randomSuffix() string {
	b := make([]byte, hostSuffixLength)
	for i := range b {
		b[i] = hostSuffixCharset[rand.IntN(len(hostSuffixCharset))]
	}
	return string(b)
}
