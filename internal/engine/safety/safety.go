// Package safety screens shell commands before the gate engine executes
// them. It is pure pattern matching: nothing here ever runs a command.
package safety

import (
	"fmt"
	"regexp"
	"strings"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

// SecretLeakPattern is the synthetic match name reported when any secret
// pattern matches a command.
const SecretLeakPattern = "secret_leak"

// Pattern is one named danger rule.
type Pattern struct {
	Name     string
	Severity Severity
	re       *regexp.Regexp
}

// ExtraPattern is a configuration-supplied addition to the danger table.
type ExtraPattern struct {
	Name     string
	Pattern  string
	Severity string
}

// Report is the outcome of analyzing a single command line.
type Report struct {
	IsDangerous     bool     `json:"is_dangerous"`
	Severity        Severity `json:"severity,omitempty"`
	MatchedPatterns []string `json:"matched_patterns,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Message         string   `json:"message"`
}

// dangerPatterns is ordered; order is reflected in MatchedPatterns so the
// most destructive families surface first in messages.
var dangerPatterns = []Pattern{
	{Name: "recursive_force_delete", Severity: SeverityCritical,
		re: regexp.MustCompile(`(?i)\brm\s+(-[a-z]+\s+)*-[a-z]*r[a-z]*f|\brm\s+(-[a-z]+\s+)*-[a-z]*f[a-z]*r`)},
	{Name: "fork_bomb", Severity: SeverityCritical,
		re: regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;\s*:`)},
	{Name: "disk_operation", Severity: SeverityCritical,
		re: regexp.MustCompile(`(?i)\bdd\s+[^|]*of=/dev/|\bmkfs(\.[a-z0-9]+)?\b|\b(fdisk|parted|wipefs)\s`)},
	{Name: "infrastructure_destroy", Severity: SeverityCritical,
		re: regexp.MustCompile(`(?i)\bterraform\s+(destroy|apply)\b|\bpulumi\s+destroy\b`)},
	{Name: "kubernetes_delete", Severity: SeverityCritical,
		re: regexp.MustCompile(`(?i)\bkubectl\s+delete\b|\bhelm\s+(uninstall|delete)\b`)},
	{Name: "database_destruction", Severity: SeverityCritical,
		re: regexp.MustCompile(`(?i)\b(drop\s+(table|database|schema)|truncate\s+table)\b`)},
	{Name: "bulk_package_removal", Severity: SeverityHigh,
		re: regexp.MustCompile(`(?i)\b(apt(-get)?\s+(remove|purge)|yum\s+remove|dnf\s+remove)\s+(-y\s+)?\*|\bnpm\s+uninstall\s+-g\b|\bpip\s+uninstall\s+-y\b`)},
	{Name: "credential_export", Severity: SeverityHigh,
		re: regexp.MustCompile(`(?i)\bexport\s+\w*(key|token|secret|password)\w*=`)},
	{Name: "permissive_chmod", Severity: SeverityHigh,
		re: regexp.MustCompile(`(?i)\bchmod\s+(-r\s+)?(777|a\+rwx)\b`)},
	{Name: "privilege_escalation", Severity: SeverityHigh,
		re: regexp.MustCompile(`(?i)\bsudo\s+(su|-i|-s)\b|\bsu\s+(-\s+)?root\b`)},
	{Name: "firewall_open_all", Severity: SeverityHigh,
		re: regexp.MustCompile(`(?i)\biptables\s+(-f|--flush)\b|\bufw\s+disable\b|\bfirewall-cmd\s+.*--set-default-zone=trusted`)},
	{Name: "git_history_rewrite", Severity: SeverityMedium,
		re: regexp.MustCompile(`(?i)\bgit\s+push\s+[^|]*(--force|-f)\b|\bgit\s+filter-branch\b|\bgit\s+reset\s+--hard\b|\bgit\s+reflog\s+expire\b`)},
}

// secretPatterns are checked independently of dangerPatterns. Any match is
// reported as one critical secret_leak hit.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}`),                                           // OpenAI/Anthropic style
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}`),                                      // GitHub tokens
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),                                              // AWS access key id
	regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}`),                                    // Slack tokens
	regexp.MustCompile(`(?i)\b(postgres(ql)?|mysql|mongodb(\+srv)?|redis|amqp)://[^\s:/@]+:[^\s@]+@`), // conn string with creds
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{20,}`),
	regexp.MustCompile(`(?i)\b(api[_-]?key|key|secret|token|password)\s*=\s*['"]?[^\s'"]{8,}`),
}

// tokenShapes mask token-shaped substrings during redaction even when no
// known provider prefix matches: 32-char hex blobs and 36-char UUIDs.
var tokenShapes = []*regexp.Regexp{
	regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`),
	regexp.MustCompile(`\b[0-9a-fA-F]{32}\b`),
}

var recommendations = map[string]string{
	"recursive_force_delete": "scope the deletion to an explicit path and drop -f",
	"fork_bomb":              "do not run process bombs",
	"disk_operation":         "low-level disk operations are not allowed from gates",
	"infrastructure_destroy": "run infrastructure changes through the deployment pipeline",
	"kubernetes_delete":      "use a reviewed manifest change instead of ad-hoc deletes",
	"database_destruction":   "use a reviewed migration instead of destructive SQL",
	"bulk_package_removal":   "remove packages one at a time with review",
	"credential_export":      "load credentials from a secret manager, not the command line",
	"permissive_chmod":       "grant the narrowest permissions that work",
	"privilege_escalation":   "gates must not escalate privileges",
	"firewall_open_all":      "keep firewall rules scoped; do not disable them",
	"git_history_rewrite":    "avoid history rewrites; prefer revert commits",
	SecretLeakPattern:        "remove embedded secrets and reference them via environment or secret manager",
}

// Classifier holds the effective danger table: the built-in patterns plus
// any configuration-supplied extras. The zero value is not usable; call New.
type Classifier struct {
	patterns []Pattern
}

// New builds a classifier. Extra patterns extend the built-in table and are
// validated here so a bad config regex fails loudly at startup, not at gate
// run time.
func New(extras ...ExtraPattern) (*Classifier, error) {
	patterns := make([]Pattern, len(dangerPatterns), len(dangerPatterns)+len(extras))
	copy(patterns, dangerPatterns)
	for _, e := range extras {
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			return nil, fmt.Errorf("safety pattern %s: %w", e.Name, err)
		}
		sev := Severity(e.Severity)
		switch sev {
		case SeverityCritical, SeverityHigh, SeverityMedium:
		default:
			return nil, fmt.Errorf("safety pattern %s: unknown severity %q", e.Name, e.Severity)
		}
		patterns = append(patterns, Pattern{Name: e.Name, Severity: sev, re: re})
	}
	return &Classifier{patterns: patterns}, nil
}

// MustDefault returns a classifier with only the built-in table.
func MustDefault() *Classifier {
	c, err := New()
	if err != nil {
		panic(err)
	}
	return c
}

// Analyze screens one command line. It never executes anything.
func (c *Classifier) Analyze(command string) Report {
	var rep Report
	for _, p := range c.patterns {
		if p.re.MatchString(command) {
			rep.MatchedPatterns = append(rep.MatchedPatterns, p.Name)
			rep.Severity = maxSeverity(rep.Severity, p.Severity)
			if rec, ok := recommendations[p.Name]; ok {
				rep.Recommendations = append(rep.Recommendations, rec)
			}
		}
	}
	for _, re := range secretPatterns {
		if re.MatchString(command) {
			rep.MatchedPatterns = append(rep.MatchedPatterns, SecretLeakPattern)
			rep.Severity = maxSeverity(rep.Severity, SeverityCritical)
			rep.Recommendations = append(rep.Recommendations, recommendations[SecretLeakPattern])
			break
		}
	}
	rep.IsDangerous = len(rep.MatchedPatterns) > 0
	if rep.IsDangerous {
		rep.Message = fmt.Sprintf("command blocked: matched %s (severity %s)",
			strings.Join(rep.MatchedPatterns, ", "), rep.Severity)
	} else {
		rep.Message = "command passed safety screening"
	}
	return rep
}

// RedactSecrets masks secret-shaped substrings for safe storage and display
// of captured command output.
func RedactSecrets(text string) string {
	for _, re := range secretPatterns {
		text = re.ReplaceAllString(text, "[REDACTED]")
	}
	for _, re := range tokenShapes {
		text = re.ReplaceAllString(text, "[REDACTED]")
	}
	return text
}

func maxSeverity(a, b Severity) Severity {
	rank := func(s Severity) int {
		switch s {
		case SeverityCritical:
			return 3
		case SeverityHigh:
			return 2
		case SeverityMedium:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
