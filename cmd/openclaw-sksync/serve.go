package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/openclaw/sksync/internal/cache"
	"github.com/openclaw/sksync/internal/config"
	"github.com/openclaw/sksync/internal/gateway"
	"github.com/openclaw/sksync/internal/hooks"
	"github.com/openclaw/sksync/internal/netadapt"
	"github.com/openclaw/sksync/internal/observability"
	"github.com/openclaw/sksync/internal/redact"
	"github.com/openclaw/sksync/internal/sessionfile"
	"github.com/openclaw/sksync/internal/sksync"
	"github.com/openclaw/sksync/internal/spool"
	"github.com/openclaw/sksync/internal/superkanban"
)

type serveOptions struct {
	configPath        string
	allowPrivateHost  bool
	runtimeSessionKey string
}

// runServe loads configuration, wires every component, and runs the plugin
// until SIGINT/SIGTERM.
func runServe(cmd *cobra.Command, opts serveOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := superkanban.ValidateBaseURLHost(cfg.SK.BaseURL, opts.allowPrivateHost); err != nil {
		return err
	}

	obsLogger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	logger := slog.Default()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	obsLogger.Info(ctx, "starting openclaw-sksync", "version", version, "commit", commit, "config", opts.configPath)

	metrics := observability.NewMetrics()

	_, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "openclaw-sksync",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.EnableInsecure,
	})
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			obsLogger.Warn(ctx, "tracer shutdown failed", "error", err)
		}
	}()

	netAdapter := netadapt.New(cfg.Net.AutoSelectFamily, netadapt.DNSResultOrder(cfg.Net.DNSResultOrder), cfg.Net.DiagnosticTap, func(ev netadapt.Event) {
		obsLogger.Debug(ctx, "outbound diagnostic tap", "delivery_id", ev.DeliveryID, "api_method", ev.APIMethod, "path", ev.Path)
	})

	skClient := superkanban.New(superkanban.Config{
		BaseURL:         cfg.SK.BaseURL,
		BearerToken:     cfg.SK.BearerToken,
		APIKey:          cfg.SK.APIKey,
		AuthHeader:      cfg.SK.AuthHeader,
		ReadHeader:      cfg.ReadHeaderOverride(),
		WriteHeader:     cfg.WriteHeaderOverride(),
		TimeoutMs:       cfg.SK.TimeoutMs,
		HTTPClient:      &http.Client{Transport: netAdapter.Transport, Timeout: time.Duration(cfg.SK.TimeoutMs) * time.Millisecond},
		ReadRatePerSec:  cfg.SK.ReadRatePerSec,
		WriteRatePerSec: cfg.SK.WriteRatePerSec,
	})

	redactMode := redact.ModeTools
	if cfg.Redact.Mode == string(redact.ModeOff) {
		redactMode = redact.ModeOff
	}
	redactor := redact.New(redactMode, redact.Budgets{
		MessageContent: cfg.Redact.MessageContentCap,
		ToolInput:      cfg.Redact.ToolInputCap,
		ToolOutput:     cfg.Redact.ToolOutputCap,
		Error:          cfg.Redact.ErrorCap,
	}, cfg.Redact.AdditionalPatterns...)

	labelMap, err := loadLabelMapOrEmpty(cfg.Reconcile.LabelMapPath)
	if err != nil {
		return fmt.Errorf("loading label map: %w", err)
	}
	sessionIndex := sessionfile.NewIndex(cfg.StateDir)
	binder := sessionfile.NewBinder(sessionIndex, labelMap)

	spoolEngine := spool.NewEngine(spool.Config{
		StateDir:      cfg.StateDir,
		PluginDir:     cfg.StateDir + "/plugins/" + cfg.PluginID,
		PollInterval:  time.Duration(cfg.Spool.PollIntervalMs) * time.Millisecond,
		DebounceDelay: time.Duration(cfg.Spool.DebounceMs) * time.Millisecond,
		SenderTick:    time.Duration(cfg.Spool.SenderTickMs) * time.Millisecond,
		Backfill:      cfg.Spool.Backfill,
		TaskLockTTL:   time.Duration(cfg.SK.TaskLockTTLSecs) * time.Second,
	}, skClient, binder, redactor, metrics, logger)

	hooksRegistry := hooks.NewRegistry(logger)

	gatewayRegistry := gateway.NewRegistry(metrics, logger)

	var dedupeCache *cache.VoiceDedupeCache
	if cfg.Dedupe.Enabled {
		dedupeCache = cache.NewVoiceDedupeCache()
	}
	bridge := newGatewayBridge(gatewayRegistry, opts.runtimeSessionKey, dedupeCache, cfg.Dedupe.WindowMs, logger)

	controller := sksync.New(sksync.Config{TaskLockTTLSeconds: cfg.SK.TaskLockTTLSecs}, skClient, bridge.spawn, bridge.send, bridge.wake, hooksRegistry, logger)

	gatewayCfg := gateway.Config{
		MaxPayloadBytes:  cfg.Gateway.MaxPayloadBytes,
		MaxBufferedBytes: cfg.Gateway.MaxBufferedBytes,
		TickInterval:     time.Duration(cfg.Gateway.TickIntervalMs) * time.Millisecond,
		PongWait:         time.Duration(cfg.Gateway.PongWaitMs) * time.Millisecond,
		WriteWait:        time.Duration(cfg.Gateway.WriteWaitMs) * time.Millisecond,
		HandshakeTimeout: time.Duration(cfg.Gateway.HandshakeTimeoutMs) * time.Millisecond,
	}
	handler := frameHandler(controller)

	mux := http.NewServeMux()
	mux.HandleFunc("/gateway", func(w http.ResponseWriter, r *http.Request) {
		if err := gateway.Accept(w, r, gatewayRegistry, gatewayCfg, handler); err != nil {
			logger.Error("gateway: accept failed", "error", err, "remote", r.RemoteAddr)
		}
	})
	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	var servers []*http.Server
	if cfg.Gateway.ListenAddr != "" {
		servers = append(servers, &http.Server{Addr: cfg.Gateway.ListenAddr, Handler: mux})
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" && cfg.Metrics.Addr != cfg.Gateway.ListenAddr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			obsLogger.Info(ctx, "http listener starting", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	tailTicker := time.NewTicker(time.Duration(cfg.Spool.PollIntervalMs) * time.Millisecond)
	defer tailTicker.Stop()
	senderTicker := time.NewTicker(time.Duration(cfg.Spool.SenderTickMs) * time.Millisecond)
	defer senderTicker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-tailTicker.C:
				if err := spoolEngine.TailTick(ctx); err != nil {
					logger.Error("spool: tail tick failed", "error", err)
				}
			}
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-senderTicker.C:
				if err := spoolEngine.ProcessSpool(ctx); err != nil {
					logger.Error("spool: process spool failed", "error", err)
				}
			}
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	obsLogger.Info(ctx, "shutdown signal received")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "addr", srv.Addr, "error", err)
		}
	}
	if err := spoolEngine.Flush(shutdownCtx); err != nil {
		logger.Error("spool: final flush failed", "error", err)
	}
	obsLogger.Info(ctx, "openclaw-sksync stopped")
	return nil
}
