package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	maxCommandBytes = 4096
	maxArgs         = 64
)

// shellMetaChars are rejected in commands and args unless the policy opts
// in. Backends are launched directly, never through a shell, so these have
// no legitimate use.
const shellMetaChars = ";|&$`><(){}[]*?~#!"

// bannedCommands refuse a launch when they appear as the command basename
// or as a standalone argument.
var bannedCommands = map[string]bool{
	"dd":       true,
	"shutdown": true,
	"reboot":   true,
	"halt":     true,
	"poweroff": true,
}

// bannedFragments refuse a launch when they appear anywhere in the joined
// command line.
var bannedFragments = []string{
	"rm -rf /",
	"rm -fr /",
	"--no-preserve-root",
	":(){",
}

// CheckArgument applies the destructive-command rules to a single free-form
// tool argument. Tokens matching a banned command and banned fragments
// anywhere in the text are refused.
func CheckArgument(value string) error {
	for _, field := range strings.Fields(value) {
		base := filepath.Base(field)
		if bannedCommands[base] || strings.HasPrefix(base, "mkfs") {
			return fmt.Errorf("argument contains banned command %q", base)
		}
	}
	lowered := strings.ToLower(value)
	for _, frag := range bannedFragments {
		if strings.Contains(lowered, frag) {
			return fmt.Errorf("argument contains banned fragment %q", frag)
		}
	}
	return nil
}

// ValidateCommand checks a command line against the destructive-command
// rules. It is independent of executable resolution, so it also applies to
// commands that run inside containers.
func (p *Policy) ValidateCommand(command string, args []string) error {
	joined := command
	if len(args) > 0 {
		joined += " " + strings.Join(args, " ")
	}

	if len(joined) > maxCommandBytes {
		return fmt.Errorf("command line exceeds %d bytes", maxCommandBytes)
	}
	if len(args) > maxArgs {
		return fmt.Errorf("command has %d args, limit is %d", len(args), maxArgs)
	}

	for _, r := range joined {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("command contains control character %q", r)
		}
	}

	if !p.allowShellMeta {
		if i := strings.IndexAny(joined, shellMetaChars); i >= 0 {
			return fmt.Errorf("command contains shell metacharacter %q", joined[i])
		}
	}

	base := filepath.Base(command)
	if bannedCommands[base] || strings.HasPrefix(base, "mkfs") {
		return fmt.Errorf("command %q is not permitted", base)
	}
	for _, arg := range args {
		if bannedCommands[arg] || strings.HasPrefix(arg, "mkfs") {
			return fmt.Errorf("argument %q is not permitted", arg)
		}
	}

	lowered := strings.ToLower(joined)
	for _, frag := range bannedFragments {
		if strings.Contains(lowered, frag) {
			return fmt.Errorf("command contains banned fragment %q", frag)
		}
	}
	return nil
}
