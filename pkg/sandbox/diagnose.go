package sandbox

import (
	"fmt"
	"sort"

	"github.com/patchbay-dev/patchbay/pkg/types"
)

// Finding severity levels, ordered from most to least urgent.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// Finding is one result of a template security analysis.
type Finding struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// Diagnose dry-runs the policy against a template and reports everything
// that would block or weaken a launch, without starting anything.
func (p *Policy) Diagnose(tpl *types.ServiceTemplate) []Finding {
	findings := []Finding{}

	if err := tpl.Validate(); err != nil {
		findings = append(findings, Finding{
			Severity: SeverityError,
			Code:     "invalid-template",
			Message:  err.Error(),
		})
	}

	if tpl.Command != "" {
		if err := p.ValidateCommand(tpl.Command, tpl.Args); err != nil {
			findings = append(findings, Finding{
				Severity: SeverityError,
				Code:     "banned-command",
				Message:  err.Error(),
			})
		}
	}

	if tpl.Transport == types.TransportStdio && tpl.Command != "" {
		if _, err := p.ResolveExecutable(tpl.Command); err != nil {
			findings = append(findings, Finding{
				Severity: SeverityWarning,
				Code:     "unresolvable-executable",
				Message:  err.Error(),
			})
		}
	}

	trust := tpl.TrustLevelOrDefault()
	if tpl.Transport == types.TransportStdio && trust != types.TrustTrusted {
		msg := fmt.Sprintf("%s template runs directly on the host", trust)
		if p.requireContainer {
			msg = fmt.Sprintf("%s template will be rewritten to the container transport", trust)
		}
		findings = append(findings, Finding{
			Severity: SeverityWarning,
			Code:     "untrusted-stdio",
			Message:  msg,
		})
	}

	allowPlaintext := tpl.Security != nil && tpl.Security.AllowPlaintextEnv
	if !allowPlaintext {
		keys := make([]string, 0, len(tpl.Env))
		for key := range tpl.Env {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := tpl.Env[key]
			if value == "" || IsEnvRef(value) || !IsSecretEnvKey(key) {
				continue
			}
			findings = append(findings, Finding{
				Severity: SeverityWarning,
				Code:     "plaintext-secret",
				Message:  fmt.Sprintf("env %q holds an inline credential, use a ${NAME} reference", key),
			})
		}
	}

	if tpl.Container != nil {
		if err := p.ValidateVolumes(tpl.Container.Volumes); err != nil {
			findings = append(findings, Finding{
				Severity: SeverityError,
				Code:     "volume-escape",
				Message:  err.Error(),
			})
		}
		if tpl.Container.Network == types.NetworkFull && trust != types.TrustTrusted {
			findings = append(findings, Finding{
				Severity: SeverityWarning,
				Code:     "open-network",
				Message:  fmt.Sprintf("%s template requests full network access", trust),
			})
		}
	}

	if tpl.HealthCheck == nil {
		findings = append(findings, Finding{
			Severity: SeverityInfo,
			Code:     "no-health-check",
			Message:  "template relies on default health probing",
		})
	}

	return findings
}
