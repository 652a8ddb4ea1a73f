package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/sksync/internal/config"
	"github.com/openclaw/sksync/internal/reconcile"
	"github.com/openclaw/sksync/internal/redact"
	"github.com/openclaw/sksync/internal/superkanban"
)

type reconcileOptions struct {
	fix, dryRun      bool
	stateDir         string
	agentAllow       []string
	sessionID        string
	sessionKey       string
	maxSessions      int
	preview          int
	jsonOutput       bool
	baseURL          string
	token            string
	authHeader       string
	attachPath       string
	messagesPath     string
	toolCallsPath    string
	configPath       string
	labelMapPath     string
	allowPrivateHost bool
}

// runReconcile loads optional config defaults, layers CLI overrides on top,
// and replays archived transcripts through the offline reconciler.
func runReconcile(cmd *cobra.Command, opts reconcileOptions) error {
	if opts.stateDir == "" {
		return fmt.Errorf("--state-dir is required")
	}
	if opts.fix && opts.dryRun {
		return fmt.Errorf("--fix and --dry-run are mutually exclusive")
	}
	mode := reconcile.ModeDryRun
	if opts.fix {
		mode = reconcile.ModeFix
	}

	var cfg *config.Config
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = &config.Config{}
	}

	baseURL := firstNonEmptyStr(opts.baseURL, cfg.SK.BaseURL)
	if mode == reconcile.ModeFix && baseURL == "" {
		return fmt.Errorf("--base-url (or config superKanban.baseUrl) is required in --fix mode")
	}
	if baseURL != "" {
		if err := superkanban.ValidateBaseURLHost(baseURL, opts.allowPrivateHost); err != nil {
			return err
		}
	}

	var client *superkanban.Client
	if mode == reconcile.ModeFix {
		timeoutMs := cfg.SK.TimeoutMs
		if timeoutMs < 500 {
			timeoutMs = 10_000
		}
		client = superkanban.New(superkanban.Config{
			BaseURL:         baseURL,
			BearerToken:     firstNonEmptyStr(opts.token, cfg.SK.BearerToken),
			APIKey:          cfg.SK.APIKey,
			AuthHeader:      firstNonEmptyStr(opts.authHeader, cfg.SK.AuthHeader),
			ReadHeader:      cfg.ReadHeaderOverride(),
			WriteHeader:     cfg.WriteHeaderOverride(),
			TimeoutMs:       timeoutMs,
			HTTPClient:      &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
			AttachPath:      opts.attachPath,
			MessagesPath:    opts.messagesPath,
			ToolCallsPath:   opts.toolCallsPath,
			ReadRatePerSec:  cfg.SK.ReadRatePerSec,
			WriteRatePerSec: cfg.SK.WriteRatePerSec,
		})
	}

	labelMapPath := firstNonEmptyStr(opts.labelMapPath, cfg.Reconcile.LabelMapPath)
	labelMap, err := loadLabelMapOrEmpty(labelMapPath)
	if err != nil {
		return fmt.Errorf("loading label map: %w", err)
	}

	redactMode := redact.ModeTools
	if cfg.Redact.Mode == string(redact.ModeOff) {
		redactMode = redact.ModeOff
	}
	budgets := redact.DefaultBudgets()
	if cfg.Redact.MessageContentCap > 0 {
		budgets.MessageContent = cfg.Redact.MessageContentCap
	}
	if cfg.Redact.ToolInputCap > 0 {
		budgets.ToolInput = cfg.Redact.ToolInputCap
	}
	if cfg.Redact.ToolOutputCap > 0 {
		budgets.ToolOutput = cfg.Redact.ToolOutputCap
	}
	if cfg.Redact.ErrorCap > 0 {
		budgets.Error = cfg.Redact.ErrorCap
	}
	redactor := redact.New(redactMode, budgets, cfg.Redact.AdditionalPatterns...)

	previewLimit := opts.preview
	if previewLimit <= 0 {
		previewLimit = cfg.Reconcile.PreviewLimit
	}

	reconciler := reconcile.New(opts.stateDir, client, labelMap, redactor, previewLimit)

	agentAllow := opts.agentAllow
	if len(agentAllow) == 0 {
		agentAllow = cfg.Reconcile.AgentAllow
	}

	report, err := reconciler.Run(cmd.Context(), mode, reconcile.Filter{
		AgentAllow:  agentAllow,
		SessionID:   opts.sessionID,
		SessionKey:  opts.sessionKey,
		MaxSessions: opts.maxSessions,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	fmt.Fprintln(out, reconcile.RenderHuman(report))
	return nil
}

func firstNonEmptyStr(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// loadLabelMapOrEmpty is shared between serve and reconcile: an empty path
// falls back to "label-map.json" in the process's working directory (not
// under the state directory), and LoadLabelMap treats a missing file there
// as an empty map.
func loadLabelMapOrEmpty(path string) (*reconcile.LabelMap, error) {
	if path == "" {
		path = "label-map.json"
	}
	return reconcile.LoadLabelMap(path)
}
