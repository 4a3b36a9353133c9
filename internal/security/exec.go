package security

import (
	"fmt"
	"sort"
	"strings"
)

// GitCommands only permits git itself.
var GitCommands = map[string]bool{
	"git": true,
}

// DefaultAllowedCommands is the set of executables that post-rollback steps
// may start.
var DefaultAllowedCommands = map[string]bool{
	"git":      true,
	"composer": true,
	"php":      true,
	"npm":      true,
	"npx":      true,
	"yarn":     true,
	"pnpm":     true,
	"node":     true,
	"make":     true,
	"rm":       true,
	"cp":       true,
	"mv":       true,
	"chmod":    true,
	"chown":    true,
	"rsync":    true,
}

// CommandPolicy validates commands before they are handed to a runner.
type CommandPolicy struct {
	// AllowedCommands is the map of commands that are permitted to run.
	AllowedCommands map[string]bool

	// AllowShellMetachars allows shell metacharacters in arguments (DANGEROUS!).
	AllowShellMetachars bool
}

// NewCommandPolicy creates a policy for the given allowlist.
func NewCommandPolicy(allowed map[string]bool) *CommandPolicy {
	return &CommandPolicy{
		AllowedCommands: allowed,
	}
}

// Validate checks that the executable is allowed and that no argument
// carries shell metacharacters. Commands are never run through a shell, but
// a metacharacter in an argument almost always means a misconfiguration.
func (p *CommandPolicy) Validate(cmdParts []string) error {
	if len(cmdParts) == 0 {
		return fmt.Errorf("empty command")
	}

	baseCmd := cmdParts[0]
	if !p.IsCommandAllowed(baseCmd) {
		return fmt.Errorf("command not allowed: %s (must be one of: %s)",
			baseCmd, strings.Join(p.allowedList(), ", "))
	}

	if !p.AllowShellMetachars {
		for i, arg := range cmdParts[1:] {
			if containsShellMetachars(arg) {
				return fmt.Errorf("argument %d contains shell metacharacters: %s", i+1, arg)
			}
		}
	}

	return nil
}

// IsCommandAllowed checks if a command is in the allowed list.
func (p *CommandPolicy) IsCommandAllowed(cmd string) bool {
	return p.AllowedCommands[cmd]
}

func (p *CommandPolicy) allowedList() []string {
	commands := make([]string, 0, len(p.AllowedCommands))
	for cmd := range p.AllowedCommands {
		commands = append(commands, cmd)
	}
	sort.Strings(commands)
	return commands
}

// containsShellMetachars checks if a string contains shell metacharacters.
func containsShellMetachars(s string) bool {
	return strings.ContainsAny(s, ";|&$`\n<>(){}*?[]\\'\"")
}
