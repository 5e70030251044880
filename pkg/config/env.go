package config

import (
	"os"
	"regexp"

	"github.com/patchbay-dev/patchbay/pkg/types"
)

// envRefPattern matches ${NAME} references embedded in template values.
var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandRefs replaces every ${NAME} in s with the process environment's
// value for NAME. References to unset variables keep their literal form so
// a missing secret is visible instead of silently becoming empty.
func ExpandRefs(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		name := ref[2 : len(ref)-1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return ref
	})
}

// ResolveTemplate returns a deep copy of the template with ${NAME}
// references in env values, args, and headers expanded. This runs exactly
// once, at instance creation; the resolved copy is frozen into the
// instance.
func ResolveTemplate(tpl *types.ServiceTemplate) types.ServiceTemplate {
	out := tpl.Clone()
	for i, arg := range out.Args {
		out.Args[i] = ExpandRefs(arg)
	}
	for key, value := range out.Env {
		out.Env[key] = ExpandRefs(value)
	}
	for key, value := range out.Headers {
		out.Headers[key] = ExpandRefs(value)
	}
	return out
}
