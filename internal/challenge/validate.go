package challenge

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidConfig is returned when an uploaded challenge fails validation.
// The wrapped message names the first failing rule.
var ErrInvalidConfig = errors.New("invalid challenge config")

// idPattern is the DNS-label shape required of challenge and container IDs.
var idPattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]{0,62}[a-z0-9])?$`)

// allowedContainerFields is the recognized container config subset; anything
// else is rejected at upload.
var allowedContainerFields = map[string]struct{}{
	"image":                    {},
	"args":                     {},
	"command":                  {},
	"imagePullPolicy":          {},
	"stdin":                    {},
	"stdinOnce":                {},
	"terminationMessagePath":   {},
	"terminationMessagePolicy": {},
	"tty":                      {},
	"workingDir":               {},
	"env":                      {},
	"environment":              {},
	"kubePorts":                {},
	"ports":                    {},
	"securityContext":          {},
	"resources":                {},
	"hasEgress":                {},
	"multiService":             {},
}

// ValidID reports whether id is a valid challenge or container identifier.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ValidateTimes checks the lifetime and boot-time bounds for a challenge.
func ValidateTimes(lifetime, bootTime int64) error {
	if lifetime <= 0 {
		return fmt.Errorf("%w: lifetime must be positive", ErrInvalidConfig)
	}
	if bootTime < 0 || bootTime >= lifetime {
		return fmt.Errorf("%w: boot_time must be non-negative and less than lifetime", ErrInvalidConfig)
	}
	return nil
}

// Validate applies the upload-time rules to a challenge config: container IDs
// are DNS labels and never end in the reserved external-service suffix, every
// tcp/http key names a declared container, the container fields stay inside
// the recognized subset, ports are in range, and a container mixing exposed
// and private ports opts in with multiService.
//
// Translation assumes a config that passed this check, so admin uploads that
// once succeeded keep succeeding.
func (cfg *Config) Validate() error {
	if len(cfg.Containers) == 0 {
		return fmt.Errorf("%w: at least one container is required", ErrInvalidConfig)
	}

	for name, spec := range cfg.Containers {
		if !ValidID(name) {
			return fmt.Errorf("%w: container id %q must match %s", ErrInvalidConfig, name, idPattern)
		}
		if strings.HasSuffix(name, ExternalServiceSuffix) {
			return fmt.Errorf("%w: container id suffix %s is reserved", ErrInvalidConfig, ExternalServiceSuffix)
		}
		if err := validateContainer(name, spec); err != nil {
			return err
		}
	}

	for name, ports := range cfg.TCP {
		if _, ok := cfg.Containers[name]; !ok {
			return fmt.Errorf("%w: exposed port for non-existent container %q", ErrInvalidConfig, name)
		}
		for _, p := range ports {
			if p < 1 || p > 65535 {
				return fmt.Errorf("%w: container %q exposes invalid port %d", ErrInvalidConfig, name, p)
			}
		}
	}
	for name, routes := range cfg.HTTP {
		if _, ok := cfg.Containers[name]; !ok {
			return fmt.Errorf("%w: exposed subdomain for non-existent container %q", ErrInvalidConfig, name)
		}
		for _, r := range routes {
			if r.Port < 1 || r.Port > 65535 {
				return fmt.Errorf("%w: container %q routes invalid port %d", ErrInvalidConfig, name, r.Port)
			}
			if r.Host == "" {
				return fmt.Errorf("%w: container %q has a route with an empty host", ErrInvalidConfig, name)
			}
		}
	}

	for name, spec := range cfg.Containers {
		exposed := cfg.TCP[name]
		private := 0
		for _, p := range declaredPorts(spec) {
			found := false
			for _, e := range exposed {
				if e == p {
					found = true
					break
				}
			}
			if !found {
				private++
			}
		}
		multiService, _ := spec["multiService"].(bool)
		if len(exposed) > 0 && private > 0 && !multiService {
			return fmt.Errorf(
				"%w: container %q has both exposed and private ports but multiService is not true",
				ErrInvalidConfig, name)
		}
	}

	return nil
}

// validateContainer checks one container config against the recognized field
// subset and basic field shapes.
func validateContainer(name string, spec Container) error {
	for field := range spec {
		if _, ok := allowedContainerFields[field]; !ok {
			return fmt.Errorf("%w: container %q has unrecognized field %q", ErrInvalidConfig, name, field)
		}
	}

	image, ok := spec["image"].(string)
	if !ok || image == "" {
		return fmt.Errorf("%w: container %q must declare an image", ErrInvalidConfig, name)
	}

	if raw, present := spec["ports"]; present {
		list, ok := raw.([]any)
		if !ok {
			return fmt.Errorf("%w: container %q ports must be a list", ErrInvalidConfig, name)
		}
		for _, item := range list {
			p, ok := asInt32(item)
			if !ok || p < 1 || p > 65535 {
				return fmt.Errorf("%w: container %q has an invalid port", ErrInvalidConfig, name)
			}
		}
	}

	if raw, present := spec["kubePorts"]; present {
		list, ok := raw.([]any)
		if !ok {
			return fmt.Errorf("%w: container %q kubePorts must be a list", ErrInvalidConfig, name)
		}
		for _, item := range list {
			entry, ok := item.(map[string]any)
			if !ok {
				return fmt.Errorf("%w: container %q kubePorts entries must be objects", ErrInvalidConfig, name)
			}
			p, ok := asInt32(entry["containerPort"])
			if !ok || p < 1 || p > 65535 {
				return fmt.Errorf("%w: container %q kubePorts entry lacks a valid containerPort", ErrInvalidConfig, name)
			}
		}
	}

	return nil
}
