// Package security provides input vetting for the approval protocol and
// rate limiting for request submission.
package security

import (
	"fmt"
	"regexp"
	"strings"
)

// Decision is the outcome of command validation: an allow/deny verdict
// plus a human-readable reason for logging and telemetry.
type Decision struct {
	Allowed bool
	Reason  string
}

// MaxCommandLength is the longest command the validator will consider.
const MaxCommandLength = 1000

// CommandValidator vets agent-proposed shell commands before they may be
// forwarded into an agent run. Validation is fail-closed: a command must
// pass every deny check and match the allow-list to be approved.
type CommandValidator struct {
	denyPatterns  []*regexp.Regexp
	denyPrefixes  []string
	allowPrefixes []string
	maxLength     int
}

// Destructive filesystem/process/privilege operations. Matched against the
// whole command, case-insensitively.
var defaultDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]*[rf][a-z]*\s+)+`),
	regexp.MustCompile(`(?i)\brm\s+.*(/|\*)`),
	regexp.MustCompile(`(?i)\bmkfs\b`),
	regexp.MustCompile(`(?i)\bdd\s+if=`),
	regexp.MustCompile(`(?i)>\s*/dev/(sd|hd|nvme)`),
	regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]+\s+)*(777|a\+rwx)`),
	regexp.MustCompile(`(?i)\bchown\s+(-[a-z]+\s+)*root\b`),
	regexp.MustCompile(`(?i)\b(shutdown|reboot|halt|poweroff)\b`),
	regexp.MustCompile(`(?i)\bkill\s+(-9\s+)?-?1\b`),
	regexp.MustCompile(`(?i)\b(sudo|su|doas)\b`),
	regexp.MustCompile(`(?i):\(\)\s*\{.*\};\s*:`),
	regexp.MustCompile(`(?i)\bcurl\b.*\|\s*(ba)?sh`),
	regexp.MustCompile(`(?i)\bwget\b.*\|\s*(ba)?sh`),
	regexp.MustCompile(`(?i)\bhistory\s+-c\b`),
	regexp.MustCompile(`(?i)>\s*/etc/`),
}

// Command-name prefixes that are denied outright: disk tools, user/group
// management, kernel modules.
var defaultDenyPrefixes = []string{
	"fdisk", "parted", "mkfs", "mount", "umount", "losetup",
	"useradd", "userdel", "usermod", "groupadd", "groupdel", "passwd",
	"insmod", "rmmod", "modprobe", "sysctl",
	"iptables", "nft", "systemctl", "service",
	"crontab",
}

// Safe command prefixes. Anything not matching one of these is rejected.
var defaultAllowPrefixes = []string{
	"ls", "cat", "head", "tail", "wc", "file", "stat", "du", "df",
	"pwd", "echo", "date", "whoami", "hostname", "uname", "env", "which",
	"grep", "rg", "find", "diff", "sort", "uniq", "cut", "tr", "awk", "sed -n",
	"git status", "git log", "git diff", "git show", "git branch",
	"go build", "go test", "go vet", "go run", "go list", "go version",
	"python --version", "python3 --version", "node --version",
	"make", "curl -s", "ping -c",
}

// NewCommandValidator creates a validator with the default deny and allow
// lists.
func NewCommandValidator() *CommandValidator {
	return &CommandValidator{
		denyPatterns:  defaultDenyPatterns,
		denyPrefixes:  defaultDenyPrefixes,
		allowPrefixes: defaultAllowPrefixes,
		maxLength:     MaxCommandLength,
	}
}

// Validate checks a proposed command against the deny patterns, deny
// prefixes, path-traversal heuristics, length cap, and finally the
// allow-list. The returned Decision carries the reason for the verdict.
func (v *CommandValidator) Validate(command string) Decision {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return Decision{Allowed: false, Reason: "empty command"}
	}

	if len(command) > v.maxLength {
		return Decision{Allowed: false, Reason: fmt.Sprintf("command exceeds maximum length of %d characters", v.maxLength)}
	}

	if strings.Contains(command, "\x00") {
		return Decision{Allowed: false, Reason: "command contains null bytes"}
	}

	for _, pattern := range v.denyPatterns {
		if pattern.MatchString(trimmed) {
			return Decision{Allowed: false, Reason: fmt.Sprintf("command matches denied pattern %q", pattern.String())}
		}
	}

	name := commandName(trimmed)
	for _, prefix := range v.denyPrefixes {
		if name == prefix {
			return Decision{Allowed: false, Reason: fmt.Sprintf("command %q is denied", prefix)}
		}
	}

	if hasTraversal(trimmed) {
		return Decision{Allowed: false, Reason: "command contains path traversal sequence"}
	}

	for _, prefix := range v.allowPrefixes {
		if trimmed == prefix || strings.HasPrefix(trimmed, prefix+" ") {
			return Decision{Allowed: true, Reason: fmt.Sprintf("command matches allowed prefix %q", prefix)}
		}
	}

	// Fail closed: anything not explicitly allow-listed is rejected.
	return Decision{Allowed: false, Reason: "command does not match any allowed prefix"}
}

// commandName extracts the first token of the command.
func commandName(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	// Strip any leading path so "/sbin/fdisk" is treated as "fdisk".
	name := fields[0]
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}

// hasTraversal reports whether the command combines ".." with a path
// separator, the usual shape of directory-escape attempts.
func hasTraversal(command string) bool {
	return strings.Contains(command, "../") ||
		strings.Contains(command, "..\\") ||
		strings.Contains(command, "/..") ||
		strings.Contains(command, "\\..")
}
