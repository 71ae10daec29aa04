package plan

import (
	"fmt"
	"strconv"
	"strings"
)

var (
	knownTypes = map[string]bool{"research": true, "implement": true, "verify": true, "docs": true, "cleanup": true}
	knownRisks = map[string]bool{"low": true, "medium": true, "high": true}
)

// ValidationResult separates hard errors from advisory warnings. A plan with
// warnings but no errors is importable.
type ValidationResult struct {
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r ValidationResult) OK() bool { return len(r.Errors) == 0 }

// Err folds all errors into one error value, nil when valid.
func (r ValidationResult) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("invalid plan: %s", strings.Join(r.Errors, "; "))
}

// Validate checks plan semantics: required fields, known enumerations,
// timebox shape, self-dependencies and dependency keys resolving within the
// same document. Keys outside the task-* naming convention only warn.
func Validate(p *Plan) ValidationResult {
	var res ValidationResult
	errf := func(format string, args ...any) {
		res.Errors = append(res.Errors, fmt.Sprintf(format, args...))
	}
	warnf := func(format string, args ...any) {
		res.Warnings = append(res.Warnings, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(p.Title) == "" {
		errf("plan title is required")
	}
	if len(p.Tasks) == 0 {
		errf("plan needs at least one task")
	}

	keys := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.Key != "" {
			if keys[t.Key] {
				errf("duplicate task key %q", t.Key)
			}
			keys[t.Key] = true
		}
	}

	for _, t := range p.Tasks {
		label := t.Key
		if label == "" {
			label = t.Title
		}
		if strings.TrimSpace(t.Key) == "" {
			errf("task %q: key is required", label)
		} else if !strings.HasPrefix(t.Key, "task-") {
			warnf("task key %q does not follow the task-* convention", t.Key)
		}
		if strings.TrimSpace(t.Title) == "" {
			errf("task %q: title is required", label)
		}
		if strings.TrimSpace(t.Goal) == "" {
			errf("task %q: goal is required", label)
		}
		if strings.TrimSpace(t.Type) == "" {
			errf("task %q: type is required", label)
		} else if !knownTypes[t.Type] {
			errf("task %q: unknown type %q", label, t.Type)
		}
		if t.Risk != "" && !knownRisks[t.Risk] {
			errf("task %q: unknown risk %q", label, t.Risk)
		}
		if t.Timebox != "" {
			n, err := strconv.Atoi(t.Timebox)
			if err != nil || n <= 0 {
				errf("task %q: timebox must be a positive integer, got %q", label, t.Timebox)
			}
		}
		for _, dep := range t.Dependencies {
			if dep == t.Key {
				errf("task %q: depends on itself", label)
				continue
			}
			if !keys[dep] {
				errf("task %q: dependency %q not defined in this plan", label, dep)
			}
		}
	}
	return res
}

// TimeboxMinutes returns the parsed timebox, zero when unset. Call after
// Validate; an unparsable value reads as zero.
func (t TaskDef) TimeboxMinutes() int {
	if t.Timebox == "" {
		return 0
	}
	n, err := strconv.Atoi(t.Timebox)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
