// Package redact applies configured sensitive-data patterns and per-field
// length caps to transcript text before it is spooled or sent to
// Super-Kanban.
package redact

import (
	"regexp"
	"unicode/utf8"

	"github.com/openclaw/sksync/internal/observability"
)

// Mode selects whether redaction patterns are applied.
type Mode string

const (
	ModeOff   Mode = "off"
	ModeTools Mode = "tools"
)

const truncationMarker = "…"

// Budgets holds the per-field truncation caps.
type Budgets struct {
	MessageContent int
	ToolInput      int
	ToolOutput     int
	Error          int
}

// DefaultBudgets matches the spec's defaults.
func DefaultBudgets() Budgets {
	return Budgets{
		MessageContent: 8000,
		ToolInput:      4000,
		ToolOutput:     8000,
		Error:          8000,
	}
}

// Redactor applies sensitive-data patterns and truncation to transcript
// text fields.
type Redactor struct {
	mode     Mode
	patterns []*regexp.Regexp
	budgets  Budgets
}

// New builds a Redactor. Additional patterns are compiled alongside the
// observability package's DefaultRedactPatterns; patterns that fail to
// compile are skipped.
func New(mode Mode, budgets Budgets, additionalPatterns ...string) *Redactor {
	all := append(append([]string{}, observability.DefaultRedactPatterns...), additionalPatterns...)
	compiled := make([]*regexp.Regexp, 0, len(all))
	for _, p := range all {
		if re, err := regexp.Compile(p); err == nil {
			compiled = append(compiled, re)
		}
	}
	return &Redactor{mode: mode, patterns: compiled, budgets: budgets}
}

// RedactMessageContent redacts (if enabled) then truncates to the message
// content budget.
func (r *Redactor) RedactMessageContent(text string) string {
	return r.apply(text, r.budgets.MessageContent)
}

// RedactToolInput redacts then truncates to the tool-input budget.
func (r *Redactor) RedactToolInput(text string) string {
	return r.apply(text, r.budgets.ToolInput)
}

// RedactToolOutput redacts then truncates to the tool-output budget.
func (r *Redactor) RedactToolOutput(text string) string {
	return r.apply(text, r.budgets.ToolOutput)
}

// RedactError redacts then truncates to the error budget.
func (r *Redactor) RedactError(text string) string {
	return r.apply(text, r.budgets.Error)
}

func (r *Redactor) apply(text string, budget int) string {
	if r.mode == ModeTools {
		text = r.redactPatterns(text)
	}
	return Truncate(text, budget)
}

func (r *Redactor) redactPatterns(text string) string {
	for _, re := range r.patterns {
		text = re.ReplaceAllString(text, "[REDACTED]")
	}
	return text
}

// Truncate cuts text to at most maxLen runes, always on a rune boundary, and
// appends a trailing "…" marker when a cut occurred. maxLen <= 0 disables
// truncation.
func Truncate(text string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	runes := []rune(text)
	if maxLen > len(runes) {
		maxLen = len(runes)
	}
	return string(runes[:maxLen]) + truncationMarker
}
