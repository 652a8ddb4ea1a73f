// Package config loads the openclaw-sksync YAML/JSON5 configuration file
// ($include-aware, via loader.go) and applies environment variable
// overrides for secrets and deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the root configuration object decoded from the config file.
type Config struct {
	StateDir  string          `yaml:"stateDir"`
	PluginID  string          `yaml:"pluginId"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	SK        SKConfig        `yaml:"superKanban"`
	Spool     SpoolConfig     `yaml:"spool"`
	Redact    RedactConfig    `yaml:"redact"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Dedupe    DedupeConfig    `yaml:"dedupe"`
	Net       NetConfig       `yaml:"net"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus /metrics exposition.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Endpoint       string  `yaml:"endpoint"`
	SamplingRate   float64 `yaml:"samplingRate"`
	EnableInsecure bool    `yaml:"enableInsecure"`
}

// SKConfig configures the Super-Kanban HTTP client's base URL, credentials,
// and request timeout.
type SKConfig struct {
	BaseURL          string `yaml:"baseUrl"`
	BearerToken      string `yaml:"bearerToken"`
	APIKey           string `yaml:"apiKey"`
	AuthHeader       string `yaml:"authHeader"`
	ReadHeader       string `yaml:"readHeader"`
	WriteHeader      string `yaml:"writeHeader"`
	TimeoutMs        int    `yaml:"timeoutMs"`
	TaskLockTTLSecs  int    `yaml:"taskLockTtlSeconds"`

	// ReadRatePerSec and WriteRatePerSec cap sustained outbound request
	// rate per auth scope. 0 disables the guard for that scope.
	ReadRatePerSec  float64 `yaml:"readRatePerSec"`
	WriteRatePerSec float64 `yaml:"writeRatePerSec"`
}

// SpoolConfig controls the tailer/sender cadence and backfill behavior.
type SpoolConfig struct {
	PollIntervalMs int  `yaml:"pollIntervalMs"`
	DebounceMs     int  `yaml:"debounceMs"`
	SenderTickMs   int  `yaml:"senderTickMs"`
	Backfill       bool `yaml:"backfill"`
}

// RedactConfig controls C3's mode, budgets, and extra patterns.
type RedactConfig struct {
	Mode               string   `yaml:"mode"`
	MessageContentCap  int      `yaml:"messageContentCap"`
	ToolInputCap       int      `yaml:"toolInputCap"`
	ToolOutputCap      int      `yaml:"toolOutputCap"`
	ErrorCap           int      `yaml:"errorCap"`
	AdditionalPatterns []string `yaml:"additionalPatterns"`
}

// ReconcileConfig controls the offline reconciler's defaults.
type ReconcileConfig struct {
	LabelMapPath string   `yaml:"labelMapPath"`
	AgentAllow   []string `yaml:"agentAllowlist"`
	PreviewLimit int      `yaml:"previewLimit"`
}

// GatewayConfig controls the WebSocket gateway core.
type GatewayConfig struct {
	ListenAddr        string `yaml:"listenAddr"`
	MaxPayloadBytes   int64  `yaml:"maxPayloadBytes"`
	MaxBufferedBytes  int64  `yaml:"maxBufferedBytes"`
	HandshakeTimeoutMs int   `yaml:"handshakeTimeoutMs"`
	TickIntervalMs    int    `yaml:"tickIntervalMs"`
	PongWaitMs        int    `yaml:"pongWaitMs"`
	WriteWaitMs       int    `yaml:"writeWaitMs"`
}

// DedupeConfig controls the voice-send deduper.
type DedupeConfig struct {
	Enabled  bool  `yaml:"enabled"`
	WindowMs int64 `yaml:"windowMs"`
}

// NetConfig controls the network adapter's runtime workarounds and
// diagnostic tap.
type NetConfig struct {
	AutoSelectFamily bool   `yaml:"autoSelectFamily"`
	DNSResultOrder   string `yaml:"dnsResultOrder"`
	DiagnosticTap    bool   `yaml:"diagnosticTap"`
}

// Load reads path via LoadRaw (resolving $include directives), decodes it
// into a Config, applies defaults, then applies environment variable
// overrides per the spec's external-interfaces table.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.PluginID == "" {
		cfg.PluginID = "super-kanban"
	}
	if cfg.Spool.PollIntervalMs < 250 {
		cfg.Spool.PollIntervalMs = 1000
	}
	if cfg.Spool.DebounceMs <= 0 {
		cfg.Spool.DebounceMs = 250
	}
	if cfg.Spool.SenderTickMs <= 0 {
		cfg.Spool.SenderTickMs = 250
	}
	if cfg.SK.TimeoutMs < 500 {
		cfg.SK.TimeoutMs = 10_000
	}
	if cfg.SK.TaskLockTTLSecs < 60 {
		cfg.SK.TaskLockTTLSecs = 3600
	}
	if cfg.Redact.Mode == "" {
		cfg.Redact.Mode = "tools"
	}
	if cfg.Redact.MessageContentCap <= 0 {
		cfg.Redact.MessageContentCap = 8000
	}
	if cfg.Redact.ToolInputCap <= 0 {
		cfg.Redact.ToolInputCap = 4000
	}
	if cfg.Redact.ToolOutputCap <= 0 {
		cfg.Redact.ToolOutputCap = 8000
	}
	if cfg.Redact.ErrorCap <= 0 {
		cfg.Redact.ErrorCap = 8000
	}
	if cfg.Reconcile.PreviewLimit <= 0 {
		cfg.Reconcile.PreviewLimit = 10
	}
	if cfg.Gateway.MaxPayloadBytes <= 0 {
		cfg.Gateway.MaxPayloadBytes = 1 << 20
	}
	if cfg.Gateway.MaxBufferedBytes <= 0 {
		cfg.Gateway.MaxBufferedBytes = 1 << 20
	}
	if cfg.Gateway.TickIntervalMs <= 0 {
		cfg.Gateway.TickIntervalMs = int(15 * time.Second / time.Millisecond)
	}
	if cfg.Gateway.PongWaitMs <= 0 {
		cfg.Gateway.PongWaitMs = int(45 * time.Second / time.Millisecond)
	}
	if cfg.Gateway.WriteWaitMs <= 0 {
		cfg.Gateway.WriteWaitMs = int(10 * time.Second / time.Millisecond)
	}
	if cfg.Gateway.HandshakeTimeoutMs <= 0 {
		cfg.Gateway.HandshakeTimeoutMs = 10_000
	}
	if cfg.Dedupe.WindowMs <= 0 {
		cfg.Dedupe.WindowMs = 10_000
	}
	if cfg.Net.DNSResultOrder == "" {
		cfg.Net.DNSResultOrder = "ipv4first"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := firstNonEmpty(os.Getenv("SUPER_KANBAN_BASE_URL"), os.Getenv("SUPERKANBAN_BASE_URL")); v != "" {
		cfg.SK.BaseURL = v
	}
	if v := firstNonEmpty(os.Getenv("SUPER_KANBAN_TOKEN"), os.Getenv("SUPERKANBAN_BEARER_TOKEN")); v != "" {
		cfg.SK.BearerToken = v
	}
	if v := firstNonEmpty(os.Getenv("SUPERKANBAN_API_KEY"), os.Getenv("SUPER_KANBAN_API_KEY")); v != "" {
		cfg.SK.APIKey = v
	}
	if v := os.Getenv("SUPER_KANBAN_AUTH_HEADER"); v != "" {
		cfg.SK.AuthHeader = v
	}
	if v := os.Getenv("SUPER_KANBAN_LABEL_MAP_PATH"); v != "" {
		cfg.Reconcile.LabelMapPath = v
	}
	if v := os.Getenv("OPENCLAW_TELEGRAM_DIAG"); v == "1" {
		cfg.Net.DiagnosticTap = true
	}
	if v := os.Getenv("OPENCLAW_TELEGRAM_DEDUP_VOICE"); v == "1" {
		cfg.Dedupe.Enabled = true
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Validate fails fast with AuthMissing-equivalent errors when no credential
// is resolvable for either SK scope.
func (c *Config) Validate() error {
	if c.SK.BaseURL == "" {
		return fmt.Errorf("superKanban.baseUrl is required")
	}
	hasRead := c.ReadHeaderOverride() != "" || c.SK.BearerToken != "" || c.SK.APIKey != "" || c.SK.AuthHeader != ""
	hasWrite := c.WriteHeaderOverride() != "" || c.SK.APIKey != "" || c.SK.BearerToken != "" || c.SK.AuthHeader != ""
	if !hasRead || !hasWrite {
		return fmt.Errorf("auth missing: no credential resolvable for read and write scopes")
	}
	return nil
}

// ReadHeaderOverride returns the configured per-scope read header, if any.
func (c *Config) ReadHeaderOverride() string { return c.SK.ReadHeader }

// WriteHeaderOverride returns the configured per-scope write header, if any.
func (c *Config) WriteHeaderOverride() string { return c.SK.WriteHeader }

// BraveSearchMinIntervalMs reads the search-lane minimum inter-request gap,
// defaulting to 0 (no enforced gap) when unset or unparsable.
func BraveSearchMinIntervalMs() int {
	v := os.Getenv("BRAVE_SEARCH_MIN_INTERVAL_MS")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
