// Package validate implements pure configuration validation:
// path-qualified errors accumulated against a Validation, applied through
// composable Rule functions.
package validate

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
)

// FieldError is one path-qualified validation failure ("section.field[idx]:
// message").
type FieldError struct {
	Path    string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validation accumulates FieldErrors. A document is valid iff Errors is
// empty once every Rule has been applied.
type Validation struct {
	Errors []FieldError
}

// AddError records a path-qualified error with a pre-formatted message.
func (v *Validation) AddError(path, message string) {
	v.Errors = append(v.Errors, FieldError{Path: path, Message: message})
}

// AddFieldError records a path-qualified error built from a format string,
// mirroring AddError but with fmt.Sprintf-style arguments.
func (v *Validation) AddFieldError(path, format string, args ...any) {
	v.AddError(path, fmt.Sprintf(format, args...))
}

// Valid reports whether no errors have been accumulated.
func (v *Validation) Valid() bool {
	return len(v.Errors) == 0
}

// Err returns a single error summarizing every accumulated FieldError, or
// nil if the Validation is valid.
func (v *Validation) Err() error {
	if v.Valid() {
		return nil
	}
	lines := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		lines[i] = e.Error()
	}
	return fmt.Errorf("validation failed:\n  %s", strings.Join(lines, "\n  "))
}

// Rule checks one value and reports a failure message, or "" if the value
// passes. Rules are pure and compose by calling Check from within Check.
type Rule[T any] func(value T) (message string)

// Check applies rule to value under path, recording a FieldError on v if
// rule reports a failure.
func Check[T any](v *Validation, path string, value T, rule Rule[T]) {
	if msg := rule(value); msg != "" {
		v.AddError(path, msg)
	}
}

// PositiveInt rejects values <= 0.
func PositiveInt(value int) string {
	if value <= 0 {
		return "must be greater than zero"
	}
	return ""
}

// ValidPort rejects values outside the TCP/UDP port range.
func ValidPort(value int) string {
	if value <= 0 || value > 65535 {
		return "must be a valid port number (1-65535)"
	}
	return ""
}

// NonEmptyString rejects the empty string.
func NonEmptyString(value string) string {
	if strings.TrimSpace(value) == "" {
		return "must not be empty"
	}
	return ""
}

// ValidHost rejects a string that is not a resolvable-looking hostname or
// IP literal: non-empty, no whitespace, no scheme prefix.
func ValidHost(value string) string {
	if strings.TrimSpace(value) == "" {
		return "must not be empty"
	}
	if strings.ContainsAny(value, " \t\r\n") {
		return "must not contain whitespace"
	}
	if net.ParseIP(value) != nil {
		return ""
	}
	if strings.Contains(value, "://") {
		return "must be a bare host, not a URL"
	}
	return ""
}

// FileExists rejects a path that cannot be stat'd.
func FileExists(path string) string {
	if path == "" {
		return "must not be empty"
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Sprintf("file does not exist: %v", err)
	}
	return ""
}

// MatchesShape builds a Rule that requires value to match re.
func MatchesShape(re *regexp.Regexp, hint string) Rule[string] {
	return func(value string) string {
		if !re.MatchString(value) {
			return fmt.Sprintf("must match shape %s", hint)
		}
		return ""
	}
}

// TemplateContains builds a Rule requiring a host/port template to contain
// every placeholder (e.g. "{name}", "{port}") the caller names.
func TemplateContains(placeholders ...string) Rule[string] {
	return func(value string) string {
		for _, p := range placeholders {
			if !strings.Contains(value, p) {
				return fmt.Sprintf("must contain placeholder %q", p)
			}
		}
		return ""
	}
}

// InRange builds a Rule requiring lo <= value <= hi.
func InRange(lo, hi int) Rule[int] {
	return func(value int) string {
		if value < lo || value > hi {
			return fmt.Sprintf("must be between %d and %d", lo, hi)
		}
		return ""
	}
}

// MaxLen builds a Rule requiring len(value) <= n runes.
func MaxLen(n int) Rule[string] {
	return func(value string) string {
		if len([]rune(value)) > n {
			return fmt.Sprintf("must be at most %d characters", n)
		}
		return ""
	}
}
