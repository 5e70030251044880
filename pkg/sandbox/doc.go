// Package sandbox enforces launch-time security policy for backend
// servers: where executables may come from, which command lines are
// acceptable, which host directories containers may mount, and which
// templates are forced off the host into containers.
//
// # Policy Model
//
// A Policy freezes its executable allow-list at construction from the
// process PATH plus configured roots. Template-supplied PATH entries are
// never consulted, and every candidate is realpath-resolved before the
// root check so symlinks cannot escape the list.
//
// Command validation is transport-independent: size and argument limits,
// control characters, shell metacharacters, and a small deny-list of
// destructive commands apply equally to host and container launches.
// Backends are executed directly rather than through a shell, so
// metacharacters are rejected by default.
//
// # Trust Levels
//
// Templates carry a trust level (trusted, partner, untrusted). When the
// policy containerizes untrusted code, ApplyToTemplate rewrites stdio
// templates below trusted to the container transport and suggests an
// image from the command name.
//
// # Redaction
//
// The secrets helpers recognize credential-shaped env keys and values and
// mask them to their first and last four characters. RedactString is
// installed as the log writer's scrubber so tokens never reach persisted
// logs.
//
// # Usage
//
//	policy := sandbox.NewPolicy(sandbox.PolicyConfig{
//		VolumeRoots: []string{"/srv/data"},
//	})
//	path, err := policy.ResolveExecutable(tpl.Command)
//	if err != nil {
//		return err
//	}
//	if err := policy.ValidateCommand(tpl.Command, tpl.Args); err != nil {
//		return err
//	}
package sandbox
