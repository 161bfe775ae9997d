// Package gate implements the Command Gate: the allowlist and shell-safety
// checks that stand between a backend config entry and an actual child
// process spawn. No configuration path may bypass it.
package gate

import (
	"fmt"
	"regexp"
	"strings"
)

// AllowedCommands is the fixed set of well-known runtimes and package
// launchers a Local backend's command may resolve to.
var AllowedCommands = []string{
	"node", "npm", "npx", "yarn", "pnpm", "bun", "deno",
	"python", "python3", "pip", "pipx",
	"cargo", "rustc",
	"go", "docker", "podman",
	"java", "gradle", "mvn",
	"dotnet", "ruby", "gem",
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const dangerousChars = ";&|`$()<>\n\r"

// argMetaChars is dangerousChars with '$' removed: arguments are allowed to
// contain '$' as part of an environment variable reference, validated
// separately by ValidArgEnvReference.
const argMetaChars = ";&|`()<>\n\r"

var dangerousSubstitutions = []string{"$(", "$`", "${(", "${`"}

// IsCommandAllowed reports whether cmd matches an allowlist entry literally,
// or resolves to one as an absolute/relative path (e.g. "/usr/local/bin/node"
// matches "node").
func IsCommandAllowed(cmd string) bool {
	for _, allowed := range AllowedCommands {
		if cmd == allowed || strings.HasSuffix(cmd, "/"+allowed) {
			return true
		}
	}
	return false
}

// ValidateShellSafety reports false if s contains any shell metacharacter
// that could be used to break out of a single argument position.
func ValidateShellSafety(s string) bool {
	return !strings.ContainsAny(s, dangerousChars)
}

// ValidArgEnvReference reports whether an argument containing '$' is a
// well-formed environment variable reference rather than a disguised command
// substitution. Dangerous substitution patterns ($(...), $`...`, ${(...},
// ${`...}) are rejected; ordinary $VAR / ${VAR} references are permitted.
func ValidArgEnvReference(arg string) error {
	if !strings.Contains(arg, "$") {
		return nil
	}
	for _, pattern := range dangerousSubstitutions {
		if strings.Contains(arg, pattern) {
			return fmt.Errorf("argument contains dangerous command substitution: %s", arg)
		}
	}
	return nil
}

// ValidateID reports whether id matches the required [A-Za-z0-9_-]+ charset.
func ValidateID(id string) bool {
	return id != "" && idPattern.MatchString(id)
}

// ValidateCommand runs the full Command Gate check on a command string:
// allowlist membership, then the shell-metacharacter and substitution
// checks that also apply to individual arguments.
func ValidateCommand(cmd string) error {
	if !IsCommandAllowed(cmd) {
		return fmt.Errorf("command %q is not in the allowlist (allowed: %s)", cmd, strings.Join(AllowedCommands, ", "))
	}
	if !ValidateShellSafety(cmd) {
		return fmt.Errorf("command %q contains potentially dangerous characters", cmd)
	}
	if err := ValidArgEnvReference(cmd); err != nil {
		return err
	}
	return nil
}

// ValidateArg validates a single command-line argument: shell metacharacters
// are rejected outright except for '$', which is permitted only as part of a
// legitimate environment variable reference.
func ValidateArg(arg string) error {
	if strings.ContainsAny(arg, argMetaChars) {
		return fmt.Errorf("argument contains potentially dangerous characters: %s", arg)
	}
	return ValidArgEnvReference(arg)
}

// ValidateArgs validates every argument in args.
func ValidateArgs(args []string) error {
	for _, arg := range args {
		if err := ValidateArg(arg); err != nil {
			return err
		}
	}
	return nil
}
