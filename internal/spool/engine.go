// Package spool implements the spool engine (C4): a file tailer that
// normalizes new transcript lines into Super-Kanban-bound events, a durable
// JSONL queue between tailer and sender, and a sender that drains the queue
// against the SK HTTP client with backoff on failure.
package spool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openclaw/sksync/internal/observability"
	"github.com/openclaw/sksync/internal/redact"
	"github.com/openclaw/sksync/internal/sessionfile"
	"github.com/openclaw/sksync/internal/skkeys"
	"github.com/openclaw/sksync/internal/superkanban"
	"github.com/openclaw/sksync/internal/transcript"
	"github.com/openclaw/sksync/pkg/models"
)

// Config controls the tailer/sender cadence and the plugin's persisted
// state location.
type Config struct {
	StateDir       string
	PluginDir      string
	PollInterval   time.Duration
	DebounceDelay  time.Duration
	SenderTick     time.Duration
	Backfill       bool
	TaskLockTTL    time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval < 250*time.Millisecond {
		c.PollInterval = time.Second
	}
	if c.DebounceDelay <= 0 {
		c.DebounceDelay = 250 * time.Millisecond
	}
	if c.SenderTick <= 0 {
		c.SenderTick = 250 * time.Millisecond
	}
	return c
}

// Engine is one plugin instance's tailer + sender + durable queue.
type Engine struct {
	cfg      Config
	client   *superkanban.Client
	binder   *sessionfile.Binder
	redactor *redact.Redactor
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu         sync.Mutex
	meta       *models.MetaFile
	pending    []models.SpoolEvent
	flushTimer *time.Timer
}

// NewEngine builds an Engine and loads its persisted meta.json (or a fresh
// MetaFile when none exists or it is corrupt).
func NewEngine(cfg Config, client *superkanban.Client, binder *sessionfile.Binder, redactor *redact.Redactor, metrics *observability.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		client:   client,
		binder:   binder,
		redactor: redactor,
		metrics:  metrics,
		logger:   logger,
		meta:     loadMeta(filepath.Join(cfg.PluginDir, "meta.json")),
	}
}

func (e *Engine) metaPath() string  { return filepath.Join(e.cfg.PluginDir, "meta.json") }
func (e *Engine) spoolPath() string { return filepath.Join(e.cfg.PluginDir, "spool.jsonl") }

func (e *Engine) persistMetaLocked() error {
	return saveMeta(e.metaPath(), e.meta)
}

// TailTick scans every known transcript file for newly appended lines,
// normalizes exportable ones into spool events (applying the binding gate
// and C3 redaction), and enqueues them. Cursors advance even for skipped
// (unbound or malformed) lines.
func (e *Engine) TailTick(ctx context.Context) error {
	files, err := discoverTranscriptFiles(e.cfg.StateDir)
	if err != nil {
		return err
	}

	var newEvents []models.SpoolEvent
	e.mu.Lock()
	cursors := e.meta.FileCursors
	e.mu.Unlock()

	for _, path := range files {
		cursor, known := cursors[path]
		fromOffset := cursor.Offset
		if !known && !e.cfg.Backfill {
			if info, statErr := os.Stat(path); statErr == nil {
				fromOffset = info.Size()
			}
		}

		lines, newOffset, readErr := readNewLines(path, fromOffset)
		if readErr != nil {
			// Missing or unreadable file this tick: skip, try again next tick.
			continue
		}

		sessionCtx := skkeys.ParseSessionFileContext(path)
		sessionKey := sessionKeyFor(sessionCtx)

		for i, raw := range lines {
			events := e.normalizeLine(ctx, raw, sessionCtx, sessionKey, fmt.Sprintf("%s:%d:%d", path, fromOffset, i))
			newEvents = append(newEvents, events...)
		}

		e.mu.Lock()
		e.meta.FileCursors[path] = models.FileCursor{Offset: newOffset}
		e.mu.Unlock()
	}

	if len(newEvents) > 0 {
		e.EnqueueEvents(newEvents)
	} else {
		e.mu.Lock()
		_ = e.persistMetaLocked()
		e.mu.Unlock()
	}
	return nil
}

func sessionKeyFor(ctx models.SessionFileContext) string {
	if ctx.TopicID != "" {
		return ctx.AgentID + ":" + ctx.SessionID + ":" + ctx.TopicID
	}
	return ctx.AgentID + ":" + ctx.SessionID
}

// normalizeLine applies the binding gate, parses the line, and builds the
// redacted, key-derived spool events for it. Unbound sessions and
// unparsable lines yield nothing (the caller's cursor still advances).
func (e *Engine) normalizeLine(ctx context.Context, raw []byte, sessionCtx models.SessionFileContext, sessionKey, idHint string) []models.SpoolEvent {
	binding, err := e.binder.Resolve(sessionKey, sessionCtx.AgentID, sessionCtx.SessionID)
	if err != nil || binding == nil {
		return nil
	}

	parsed := transcript.ParseLine(ctx, raw, idHint)
	if parsed == nil {
		return nil
	}

	var events []models.SpoolEvent

	if parsed.Message != nil {
		occurredAt := isoFromMillis(parsed.Message.Timestamp)
		req := models.SkRecordMessageRequest{
			SessionKey:       sessionKey,
			EntityType:       binding.EntityType,
			EntityExternalID: binding.EntityExternalID,
			MessageKey:       skkeys.BuildSkMessageKey(sessionKey, parsed.Message.MessageID, parsed.Message.Role, millisOrZero(parsed.Message.Timestamp), parsed.Message.Text),
			Role:             parsed.Message.Role,
			Text:             e.redactor.RedactMessageContent(parsed.Message.Text),
			OccurredAt:       occurredAt,
		}
		if ev, err := models.MarshalMessageEvent(req); err == nil {
			events = append(events, ev)
		}
	}

	for _, tc := range parsed.ToolCalls {
		occurredAt := isoFromMillis(tc.Timestamp)
		req := models.SkRecordToolCallRequest{
			SessionKey:       sessionKey,
			EntityType:       binding.EntityType,
			EntityExternalID: binding.EntityExternalID,
			ToolCallKey:      skkeys.BuildSkToolCallKey(sessionKey, tc.ToolCallID),
			ToolName:         tc.ToolName,
			Status:           tc.Status,
			OccurredAt:       occurredAt,
			ParamsText:       e.redactor.RedactToolInput(tc.ParamsText),
			ResultText:       e.redactor.RedactToolOutput(tc.ResultText),
			ErrorText:        e.redactor.RedactError(tc.ErrorText),
		}
		if ev, err := models.MarshalToolCallEvent(req); err == nil {
			events = append(events, ev)
		}
	}

	return events
}

func millisOrZero(ts *int64) int64 {
	if ts == nil {
		return 0
	}
	return *ts
}

func isoFromMillis(ts *int64) *string {
	if ts == nil {
		return nil
	}
	s := time.UnixMilli(*ts).UTC().Format("2006-01-02T15:04:05.000Z")
	return &s
}

// EnqueueEvents appends events to the in-memory pending list and arms a
// single-shot debounce timer that flushes them to spool.jsonl.
func (e *Engine) EnqueueEvents(events []models.SpoolEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, events...)
	if e.metrics != nil {
		for _, ev := range events {
			e.metrics.SpoolEventsEnqueued.WithLabelValues(string(ev.Kind)).Inc()
		}
	}
	if e.flushTimer != nil {
		return
	}
	e.flushTimer = time.AfterFunc(e.cfg.DebounceDelay, func() {
		_ = e.Flush(context.Background())
	})
}

// Flush atomically appends all pending events as JSONL lines to
// spool.jsonl, then persists meta.json to capture the file cursors.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.flushTimer = nil
	if len(e.pending) == 0 {
		return nil
	}

	if err := os.MkdirAll(e.cfg.PluginDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(e.spoolPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, ev := range e.pending {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.SpoolFlushTotal.WithLabelValues("ok").Inc()
	}
	e.pending = nil
	return e.persistMetaLocked()
}

// EnsureAttached posts an idempotent Attach(state=RUNNING) for sessionKey
// the first time it is seen, recording the flag in meta.json so restarts
// don't re-attach. A payload missing both entityId and entityExternalId is
// a skippable programming error: it is logged and dropped, not retried.
func (e *Engine) EnsureAttached(ctx context.Context, sessionKey string, entityType models.EntityType, entityExternalID string) error {
	e.mu.Lock()
	if e.meta.AttachedSessions[sessionKey] {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if entityExternalID == "" {
		e.logger.Error("spool: attach request missing entity identifier, dropping", "session_key", sessionKey)
		return nil
	}

	if err := e.client.Attach(ctx, superkanban.AttachRequest{
		SessionKey:       sessionKey,
		EntityType:       entityType,
		EntityExternalID: entityExternalID,
		State:            "RUNNING",
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.meta.AttachedSessions[sessionKey] = true
	err := e.persistMetaLocked()
	e.mu.Unlock()
	return err
}

// ProcessSpool reads and dispatches one event from spool.jsonl at the
// persisted spoolOffset. On success the offset advances and meta is
// persisted; on transport failure consecutiveFailures increments and
// nextSendAtMs is set via the backoff schedule; on a malformed line the
// offset advances without retrying (SchemaViolation).
func (e *Engine) ProcessSpool(ctx context.Context) error {
	info, err := os.Stat(e.spoolPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	e.mu.Lock()
	offset := e.meta.SpoolOffset
	e.mu.Unlock()

	if info.Size() > 0 && offset >= info.Size() {
		return e.truncateSpool()
	}
	if info.Size() == 0 {
		return nil
	}

	line, lineLen, err := readLineAt(e.spoolPath(), offset)
	if err != nil {
		return err
	}
	if line == nil {
		return nil // incomplete trailing line; wait for more data
	}

	var event models.SpoolEvent
	if err := json.Unmarshal(line, &event); err != nil {
		// A spool record from a schema the running binary no longer
		// understands (e.g. left over across a version upgrade). Drop it
		// and advance rather than retry forever on an entry that can never
		// parse, so a restart never deadlocks on a stale legacy payload.
		e.logger.Warn("spool: dropping unparsable spool record", "error", err)
		return e.advanceOffset(offset + lineLen)
	}

	if dispatchErr := e.dispatch(ctx, event); dispatchErr != nil {
		return e.recordSendFailure(dispatchErr)
	}

	if e.metrics != nil {
		e.metrics.SpoolSendTotal.WithLabelValues("ok").Inc()
	}
	e.mu.Lock()
	e.meta.ConsecutiveFailures = 0
	e.meta.NextSendAtMs = nil
	e.mu.Unlock()
	return e.advanceOffset(offset + lineLen)
}

func (e *Engine) dispatch(ctx context.Context, event models.SpoolEvent) error {
	switch event.Kind {
	case models.SpoolEventMessage:
		var req models.SkRecordMessageRequest
		if err := json.Unmarshal(event.Payload, &req); err != nil {
			return nil // malformed payload, treated like a schema violation upstream
		}
		if err := e.EnsureAttached(ctx, req.SessionKey, req.EntityType, req.EntityExternalID); err != nil {
			return err
		}
		return e.client.RecordMessage(ctx, req.MessageKey, req)
	case models.SpoolEventToolCall:
		var req models.SkRecordToolCallRequest
		if err := json.Unmarshal(event.Payload, &req); err != nil {
			return nil
		}
		if err := e.EnsureAttached(ctx, req.SessionKey, req.EntityType, req.EntityExternalID); err != nil {
			return err
		}
		return e.client.RecordToolCall(ctx, req.ToolCallKey, req)
	default:
		return fmt.Errorf("spool: unknown event kind %q", event.Kind)
	}
}

func (e *Engine) recordSendFailure(sendErr error) error {
	e.mu.Lock()
	e.meta.ConsecutiveFailures++
	backoffMs := computeBackoffMs(e.meta.ConsecutiveFailures)
	nextAt := time.Now().UnixMilli() + backoffMs
	e.meta.NextSendAtMs = &nextAt
	failures := e.meta.ConsecutiveFailures
	err := e.persistMetaLocked()
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.SpoolSendTotal.WithLabelValues("error").Inc()
		e.metrics.SpoolConsecutiveFailures.WithLabelValues(e.cfg.PluginDir).Set(float64(failures))
		e.metrics.SpoolBackoffMs.WithLabelValues(e.cfg.PluginDir).Observe(float64(backoffMs))
	}
	if err != nil {
		return err
	}
	return sendErr
}

func (e *Engine) advanceOffset(newOffset int64) error {
	e.mu.Lock()
	e.meta.SpoolOffset = newOffset
	if e.metrics != nil {
		e.metrics.SpoolOffsetBytes.WithLabelValues(e.spoolPath()).Set(float64(newOffset))
	}
	err := e.persistMetaLocked()
	e.mu.Unlock()
	return err
}

// truncateSpool implements the truncate-on-drain rule: once the persisted
// offset has caught up with the file size, rewrite spool.jsonl empty and
// reset the offset, atomically via meta persistence.
func (e *Engine) truncateSpool() error {
	if err := os.Truncate(e.spoolPath(), 0); err != nil {
		return err
	}
	e.mu.Lock()
	e.meta.SpoolOffset = 0
	err := e.persistMetaLocked()
	e.mu.Unlock()
	return err
}

func readLineAt(path string, offset int64) (line []byte, consumed int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, 0, err
	}
	reader := bufio.NewReaderSize(f, bufferedReadSize)
	raw, readErr := reader.ReadBytes('\n')
	if len(raw) == 0 || raw[len(raw)-1] != '\n' {
		return nil, 0, nil
	}
	_ = readErr
	trimmed := strings.TrimRight(string(raw), "\n")
	return []byte(trimmed), int64(len(raw)), nil
}
