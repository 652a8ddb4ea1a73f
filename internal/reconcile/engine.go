// Package reconcile implements the offline reconciler (C6): a replay engine
// that walks archived transcripts and re-emits the same idempotent SK posts
// the live spool engine would have sent, using identical key derivation.
package reconcile

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/openclaw/sksync/internal/redact"
	"github.com/openclaw/sksync/internal/sessionfile"
	"github.com/openclaw/sksync/internal/skkeys"
	"github.com/openclaw/sksync/internal/superkanban"
	"github.com/openclaw/sksync/internal/transcript"
	"github.com/openclaw/sksync/pkg/models"
)

// Mode selects whether the reconciler only reports what it would send
// (DryRun) or actually posts to Super-Kanban and persists newly resolved
// hashed-label mappings (Fix).
type Mode string

const (
	ModeDryRun Mode = "dry-run"
	ModeFix    Mode = "fix"
)

// Filter narrows which sessions a run considers.
type Filter struct {
	AgentAllow  []string
	SessionID   string
	SessionKey  string
	MaxSessions int
}

// Reconciler replays archived transcripts through the same normalization
// and key-derivation path as the live spool engine.
type Reconciler struct {
	stateDir     string
	client       *superkanban.Client // nil is valid in dry-run mode
	index        *sessionfile.Index
	labelMap     *LabelMap
	redactor     *redact.Redactor
	previewLimit int
}

// New builds a Reconciler. client may be nil when the caller will only ever
// run in dry-run mode.
func New(stateDir string, client *superkanban.Client, labelMap *LabelMap, redactor *redact.Redactor, previewLimit int) *Reconciler {
	if previewLimit <= 0 {
		previewLimit = 10
	}
	return &Reconciler{
		stateDir:     stateDir,
		client:       client,
		index:        sessionfile.NewIndex(stateDir),
		labelMap:     labelMap,
		redactor:     redactor,
		previewLimit: previewLimit,
	}
}

// Run walks every session matching filter and re-emits its normalized
// events. In ModeFix, attach/message/toolCall requests are actually posted
// and newly resolved hashed labels are persisted to the label map; in
// ModeDryRun no HTTP requests are issued.
func (r *Reconciler) Run(ctx context.Context, mode Mode, filter Filter) (*Report, error) {
	files, err := discoverSessions(r.stateDir, filter.AgentAllow)
	if err != nil {
		return nil, err
	}

	report := &Report{Mode: string(mode)}
	attached := map[string]bool{}

	for _, tf := range files {
		if filter.SessionID != "" && tf.Ctx.SessionID != filter.SessionID {
			continue
		}
		sessionKey := sessionKeyFor(tf.Ctx)
		if filter.SessionKey != "" && sessionKey != filter.SessionKey {
			continue
		}
		if filter.MaxSessions > 0 && report.SessionsScanned >= filter.MaxSessions {
			break
		}
		report.SessionsScanned++

		sessionReport, err := r.reconcileOne(ctx, mode, tf, sessionKey, attached, report)
		if err != nil {
			return nil, fmt.Errorf("reconcile session %s: %w", sessionKey, err)
		}
		report.Sessions = append(report.Sessions, sessionReport)
		if sessionReport.Matched {
			report.SessionsMatched++
			report.Messages += sessionReport.Messages
			report.ToolCalls += sessionReport.ToolCalls
		} else {
			report.SessionsSkipped++
		}
	}

	return report, nil
}

func sessionKeyFor(ctx models.SessionFileContext) string {
	if ctx.TopicID != "" {
		return ctx.AgentID + ":" + ctx.SessionID + ":" + ctx.TopicID
	}
	return ctx.AgentID + ":" + ctx.SessionID
}

func (r *Reconciler) reconcileOne(ctx context.Context, mode Mode, tf transcriptFile, sessionKey string, attached map[string]bool, report *Report) (SessionReport, error) {
	sr := SessionReport{AgentID: tf.Ctx.AgentID, SessionID: tf.Ctx.SessionID, SessionKey: sessionKey}

	binding, err := r.resolveBinding(mode, tf, sessionKey)
	if err != nil {
		return sr, err
	}
	if binding == nil {
		return sr, nil
	}
	sr.Matched = true
	sr.EntityType = string(binding.EntityType)
	sr.ExternalID = binding.EntityExternalID

	data, err := os.ReadFile(tf.Path)
	if err != nil {
		return sr, err
	}

	lineNum := 0
	for _, line := range splitLines(data) {
		lineNum++
		if len(line) == 0 {
			continue
		}
		idHint := fmt.Sprintf("%s:%d", sessionKey, lineNum)
		parsed := transcript.ParseLine(ctx, line, idHint)
		if parsed == nil {
			continue
		}

		if parsed.Message != nil {
			if err := r.emitMessage(ctx, mode, sessionKey, binding, parsed.Message, attached, &sr, report); err != nil {
				return sr, err
			}
		}
		for i := range parsed.ToolCalls {
			if err := r.emitToolCall(ctx, mode, sessionKey, binding, &parsed.ToolCalls[i], attached, &sr, report); err != nil {
				return sr, err
			}
		}
	}

	return sr, nil
}

func (r *Reconciler) ensureAttached(ctx context.Context, mode Mode, sessionKey string, binding *models.SessionBinding, attached map[string]bool, report *Report) error {
	if attached[sessionKey] {
		return nil
	}
	attached[sessionKey] = true
	if mode != ModeFix || r.client == nil {
		return nil
	}
	if err := r.client.Attach(ctx, superkanban.AttachRequest{
		SessionKey:       sessionKey,
		EntityType:       binding.EntityType,
		EntityExternalID: binding.EntityExternalID,
		State:            "RUNNING",
	}); err != nil {
		return err
	}
	report.RequestsSent++
	return nil
}

func (r *Reconciler) emitMessage(ctx context.Context, mode Mode, sessionKey string, binding *models.SessionBinding, msg *models.SuperKanbanMessageRecord, attached map[string]bool, sr *SessionReport, report *Report) error {
	occurredAt := isoFromMillis(msg.Timestamp)
	key := skkeys.BuildSkMessageKey(sessionKey, msg.MessageID, msg.Role, millisOrZero(msg.Timestamp), msg.Text)

	sr.Messages++
	touchSpan(sr, occurredAt)
	if len(sr.Preview) < r.previewLimit {
		sr.Preview = append(sr.Preview, PreviewLine{Kind: "message", Key: key, OccurredAt: occurredAt})
	}

	if mode != ModeFix {
		return nil
	}
	if err := r.ensureAttached(ctx, mode, sessionKey, binding, attached, report); err != nil {
		return err
	}
	req := models.SkRecordMessageRequest{
		SessionKey:       sessionKey,
		EntityType:       binding.EntityType,
		EntityExternalID: binding.EntityExternalID,
		MessageKey:       key,
		Role:             msg.Role,
		Text:             r.redactor.RedactMessageContent(msg.Text),
		OccurredAt:       occurredAt,
	}
	if err := r.client.RecordMessage(ctx, key, req); err != nil {
		return err
	}
	report.RequestsSent++
	return nil
}

func (r *Reconciler) emitToolCall(ctx context.Context, mode Mode, sessionKey string, binding *models.SessionBinding, tc *models.SuperKanbanToolCallRecord, attached map[string]bool, sr *SessionReport, report *Report) error {
	occurredAt := isoFromMillis(tc.Timestamp)
	key := skkeys.BuildSkToolCallKey(sessionKey, tc.ToolCallID)

	sr.ToolCalls++
	touchSpan(sr, occurredAt)
	if len(sr.Preview) < r.previewLimit {
		sr.Preview = append(sr.Preview, PreviewLine{Kind: "toolCall", Key: key, OccurredAt: occurredAt})
	}

	if mode != ModeFix {
		return nil
	}
	if err := r.ensureAttached(ctx, mode, sessionKey, binding, attached, report); err != nil {
		return err
	}
	req := models.SkRecordToolCallRequest{
		SessionKey:       sessionKey,
		EntityType:       binding.EntityType,
		EntityExternalID: binding.EntityExternalID,
		ToolCallKey:      key,
		ToolName:         tc.ToolName,
		Status:           tc.Status,
		OccurredAt:       occurredAt,
		ParamsText:       r.redactor.RedactToolInput(tc.ParamsText),
		ResultText:       r.redactor.RedactToolOutput(tc.ResultText),
		ErrorText:        r.redactor.RedactError(tc.ErrorText),
	}
	if err := r.client.RecordToolCall(ctx, key, req); err != nil {
		return err
	}
	report.RequestsSent++
	return nil
}

// resolveBinding mirrors sessionfile.Binder.Resolve for a direct label, but
// additionally performs the reconciler's own hashed-label transcript scan
// (sessionfile.Binder has no transcript to scan; it only consults the
// label map).
func (r *Reconciler) resolveBinding(mode Mode, tf transcriptFile, sessionKey string) (*models.SessionBinding, error) {
	entry, found, err := r.index.Lookup(tf.Ctx.AgentID, tf.Ctx.SessionID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	routing := skkeys.ParseSkRoutingLabel(entry.Label)
	if routing == nil {
		return nil, nil
	}

	if routing.Direct {
		return &models.SessionBinding{
			SessionKey:       sessionKey,
			Label:            entry.Label,
			EntityType:       routing.EntityType,
			EntityExternalID: routing.EntityExternalID,
		}, nil
	}

	if !routing.TaskHash {
		return nil, nil
	}

	if r.labelMap != nil {
		if externalID, ok := r.labelMap.ResolveHash(routing.Hash); ok {
			return &models.SessionBinding{SessionKey: sessionKey, Label: entry.Label, EntityType: models.EntityTask, EntityExternalID: externalID}, nil
		}
	}

	externalID, found, err := scanForHash(tf.Path, routing.Hash)
	if err != nil || !found {
		return nil, err
	}
	if mode == ModeFix && r.labelMap != nil {
		if err := r.labelMap.Record(externalID, entry.Label, routing.Hash); err != nil {
			return nil, err
		}
	}
	return &models.SessionBinding{SessionKey: sessionKey, Label: entry.Label, EntityType: models.EntityTask, EntityExternalID: externalID}, nil
}

func touchSpan(sr *SessionReport, occurredAt *string) {
	if occurredAt == nil {
		return
	}
	if sr.FirstAt == nil || *occurredAt < *sr.FirstAt {
		sr.FirstAt = occurredAt
	}
	if sr.LastAt == nil || *occurredAt > *sr.LastAt {
		sr.LastAt = occurredAt
	}
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

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
