package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openclaw/sksync/internal/cache"
	"github.com/openclaw/sksync/internal/gateway"
	"github.com/openclaw/sksync/internal/sksync"
)

// defaultRuntimeSessionKey is the session key the embedding OpenClaw agent
// runtime's single control connection binds under, used for requests (spawn)
// that are not scoped to an already-running child session.
const defaultRuntimeSessionKey = "openclaw-runtime"

// gatewayBridge adapts the gateway's connection registry into the three
// function types sksync.Controller needs to reach the embedding agent
// runtime: spawning a session, forwarding a task to one, and waking a
// parent session on child completion.
type gatewayBridge struct {
	registry          *gateway.Registry
	runtimeSessionKey string
	callTimeout       time.Duration
	dedupe            *cache.VoiceDedupeCache
	dedupeWindowMs    int64
	logger            *slog.Logger
}

func newGatewayBridge(registry *gateway.Registry, runtimeSessionKey string, dedupe *cache.VoiceDedupeCache, dedupeWindowMs int64, logger *slog.Logger) *gatewayBridge {
	if runtimeSessionKey == "" {
		runtimeSessionKey = defaultRuntimeSessionKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &gatewayBridge{
		registry:          registry,
		runtimeSessionKey: runtimeSessionKey,
		callTimeout:       30 * time.Second,
		dedupe:            dedupe,
		dedupeWindowMs:    dedupeWindowMs,
		logger:            logger,
	}
}

// spawn implements sksync.SessionsSpawn over a "sessions.spawn" RPC to the
// runtime's bound connection.
func (b *gatewayBridge) spawn(ctx context.Context, params sksync.SpawnParams) (sksync.SpawnOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	raw, err := b.registry.CallAgent(ctx, b.runtimeSessionKey, "sessions.spawn", params)
	if err != nil {
		return sksync.SpawnOutcome{}, fmt.Errorf("gateway bridge: spawn: %w", err)
	}
	var outcome sksync.SpawnOutcome
	if err := json.Unmarshal(raw, &outcome); err != nil {
		return sksync.SpawnOutcome{}, fmt.Errorf("gateway bridge: spawn: decoding response: %w", err)
	}
	return outcome, nil
}

// send implements sksync.SessionsSend over a "sessions.send" RPC to the
// child session's own bound connection, when it has one; falls back to the
// runtime connection when the child never bound (single-connection runtimes).
func (b *gatewayBridge) send(ctx context.Context, sessionKey, task string) error {
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	target := sessionKey
	params := map[string]string{"sessionKey": sessionKey, "task": task}
	_, err := b.registry.CallAgent(ctx, target, "sessions.send", params)
	if errors.Is(err, gateway.ErrSessionNotConnected) {
		_, err = b.registry.CallAgent(ctx, b.runtimeSessionKey, "sessions.send", params)
	}
	if err != nil {
		return fmt.Errorf("gateway bridge: send: %w", err)
	}
	return nil
}

// wake implements sksync.GatewaySendAgent as a fire-and-forget "agent" push
// to the parent session's bound connection, deduped per (sessionKey,
// channel) content fingerprint within the configured window so a flapping
// child doesn't wake the same parent lane twice in quick succession.
func (b *gatewayBridge) wake(ctx context.Context, req sksync.WakeRequest) error {
	if b.dedupe != nil {
		fp := cache.Fingerprint([]byte(req.IdempotencyKey + "|" + req.Text))
		if b.dedupe.ShouldDedupe(cache.ShouldDedupeRequest{
			AccountID:   req.SessionKey,
			ChatID:      req.Channel + ":" + req.Lane,
			Fingerprint: fp,
			WindowMs:    b.dedupeWindowMs,
		}) {
			b.logger.Debug("gateway bridge: suppressing duplicate wake", "session_key", req.SessionKey, "channel", req.Channel)
			return nil
		}
	}

	err := b.registry.SendAgent(ctx, req.SessionKey, map[string]any{
		"deliver":        req.Deliver,
		"channel":        req.Channel,
		"lane":           req.Lane,
		"idempotencyKey": req.IdempotencyKey,
		"text":           req.Text,
	})
	if errors.Is(err, gateway.ErrSessionNotConnected) {
		// The parent already disconnected; the wake is best-effort.
		b.logger.Warn("gateway bridge: wake target not connected", "session_key", req.SessionKey)
		return nil
	}
	return err
}

// frameHandler routes post-handshake request frames from connected agent
// runtimes into the session controller.
func frameHandler(controller *sksync.Controller) gateway.FrameHandler {
	return func(ctx context.Context, conn *gateway.Conn, method string, params json.RawMessage) (any, error) {
		switch method {
		case "sksync.spawn":
			var req sksync.SpawnRequest
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, fmt.Errorf("sksync.spawn: invalid params: %w", err)
			}
			return controller.Spawn(ctx, req)
		default:
			return nil, fmt.Errorf("sksync: unknown method %q", method)
		}
	}
}
