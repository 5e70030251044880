package types

import (
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"time"
)

// Template names become the prefix of instance IDs, so the charset is kept
// narrow enough to keep IDs parseable.
var templateNameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]*[a-z0-9])?$`)

// Normalize fills in defaults on a template in place. It is deterministic so
// that saving the same body twice produces an identical stored template.
func (t *ServiceTemplate) Normalize() {
	if t.ProtocolVersion == "" {
		t.ProtocolVersion = DefaultProtocolVersion
	}
	if t.Timeout <= 0 {
		t.Timeout = DefaultTimeoutMs
	}
	if t.Retries < 0 {
		t.Retries = 0
	}
	if t.HealthCheck != nil {
		if t.HealthCheck.Method == "" {
			t.HealthCheck.Method = DefaultProbeMethod
		}
		if t.HealthCheck.Interval <= 0 {
			t.HealthCheck.Interval = DefaultProbeIntervalMs
		}
		if t.HealthCheck.Timeout <= 0 {
			t.HealthCheck.Timeout = DefaultProbeTimeoutMs
		}
		if t.HealthCheck.FailureThreshold <= 0 {
			t.HealthCheck.FailureThreshold = DefaultFailureThreshold
		}
	}
	if t.Security != nil && t.Security.TrustLevel == "" {
		t.Security.TrustLevel = TrustTrusted
	}
}

// Validate checks structural correctness of a template. It does not apply
// sandbox policy; that happens at registration and instance creation.
func (t *ServiceTemplate) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if !templateNameRe.MatchString(t.Name) {
		return fmt.Errorf("template name %q must match %s", t.Name, templateNameRe.String())
	}

	switch t.Transport {
	case TransportStdio:
		if t.Command == "" {
			return fmt.Errorf("stdio template requires a command")
		}
	case TransportContainer:
		if t.Command == "" {
			return fmt.Errorf("container template requires a command")
		}
		if t.Container == nil || t.Container.Image == "" {
			return fmt.Errorf("container template requires a container image")
		}
	case TransportHTTP, TransportSSE:
		if t.URL == "" {
			return fmt.Errorf("%s template requires a url", t.Transport)
		}
		u, err := url.Parse(t.URL)
		if err != nil {
			return fmt.Errorf("invalid url %q: %v", t.URL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("url %q must use http or https", t.URL)
		}
	case "":
		return fmt.Errorf("template transport is required")
	default:
		return fmt.Errorf("unknown transport %q", t.Transport)
	}

	if t.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if t.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	if t.Security != nil {
		switch t.Security.TrustLevel {
		case "", TrustTrusted, TrustPartner, TrustUntrusted:
		default:
			return fmt.Errorf("unknown trust level %q", t.Security.TrustLevel)
		}
		switch t.Security.Network {
		case "", NetworkInherit, NetworkBlocked, NetworkLocalOnly, NetworkFull:
		default:
			return fmt.Errorf("unknown network policy %q", t.Security.Network)
		}
	}
	if t.Container != nil {
		for _, v := range t.Container.Volumes {
			if v.HostPath == "" || v.ContainerPath == "" {
				return fmt.Errorf("volume mounts require both hostPath and containerPath")
			}
		}
		for _, p := range t.Container.Ports {
			if p.HostPort < 1 || p.HostPort > 65535 || p.ContainerPort < 1 || p.ContainerPort > 65535 {
				return fmt.Errorf("port mapping %d:%d out of range", p.HostPort, p.ContainerPort)
			}
		}
	}
	return nil
}

// Clone returns a deep copy of the template.
func (t *ServiceTemplate) Clone() ServiceTemplate {
	out := *t
	out.Args = append([]string(nil), t.Args...)
	out.Env = cloneStringMap(t.Env)
	out.Headers = cloneStringMap(t.Headers)
	if t.HealthCheck != nil {
		hc := *t.HealthCheck
		out.HealthCheck = &hc
	}
	if t.Container != nil {
		c := *t.Container
		c.Volumes = append([]VolumeMount(nil), t.Container.Volumes...)
		c.Ports = append([]PortMapping(nil), t.Container.Ports...)
		out.Container = &c
	}
	if t.Security != nil {
		s := *t.Security
		out.Security = &s
	}
	return out
}

// Equal reports whether two templates have the same normalized body. Used to
// make template saves idempotent.
func (t *ServiceTemplate) Equal(other *ServiceTemplate) bool {
	if t == nil || other == nil {
		return t == other
	}
	return reflect.DeepEqual(*t, *other)
}

// TimeoutDuration returns the per-call deadline as a duration.
func (t *ServiceTemplate) TimeoutDuration() time.Duration {
	if t.Timeout <= 0 {
		return DefaultTimeoutMs * time.Millisecond
	}
	return time.Duration(t.Timeout) * time.Millisecond
}

// ProbeSpec returns the health-check descriptor, materializing defaults when
// the template omits one.
func (t *ServiceTemplate) ProbeSpec() HealthCheckSpec {
	if t.HealthCheck != nil {
		return *t.HealthCheck
	}
	return HealthCheckSpec{
		Method:           DefaultProbeMethod,
		Interval:         DefaultProbeIntervalMs,
		Timeout:          DefaultProbeTimeoutMs,
		FailureThreshold: DefaultFailureThreshold,
	}
}

// TrustLevelOrDefault returns the template's trust level, defaulting to
// trusted when no security descriptor is present.
func (t *ServiceTemplate) TrustLevelOrDefault() TrustLevel {
	if t.Security == nil || t.Security.TrustLevel == "" {
		return TrustTrusted
	}
	return t.Security.TrustLevel
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
