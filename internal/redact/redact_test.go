package redact

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate_NoCutWhenUnderBudget(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 8000))
}

func TestTruncate_CutsOnRuneBoundary(t *testing.T) {
	// Multi-byte runes (each "é" is 2 bytes in UTF-8, 1 rune).
	text := strings.Repeat("é", 10)
	out := Truncate(text, 3)
	assert.Equal(t, strings.Repeat("é", 3)+"…", out)
	assert.True(t, strings.HasSuffix(out, "…"))
}

func TestRedactor_ToolsModeRedactsSecrets(t *testing.T) {
	r := New(ModeTools, DefaultBudgets())
	out := r.RedactToolInput(`api_key: "sk-ant-REDACTED"`)
	assert.Contains(t, out, "[REDACTED]")
}

func TestRedactor_OffModeSkipsRedaction(t *testing.T) {
	r := New(ModeOff, DefaultBudgets())
	secret := "password: hunter222"
	assert.Equal(t, secret, r.RedactToolInput(secret))
}

func TestRedactor_Budgets(t *testing.T) {
	r := New(ModeOff, Budgets{MessageContent: 5, ToolInput: 3, ToolOutput: 3, Error: 3})
	assert.Equal(t, "hello", r.RedactMessageContent("hello"))
	assert.Equal(t, "hel…", r.RedactToolInput("hello"))
}
