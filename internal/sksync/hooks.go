package sksync

import (
	"context"
	"fmt"

	"github.com/openclaw/sksync/internal/hooks"
	"github.com/openclaw/sksync/internal/superkanban"
	"github.com/openclaw/sksync/pkg/models"
)

// handleSubagentSpawned records the child->parent relationship so a later
// fallback close can attribute ownership even when the runID is missing from
// the terminating event.
func (c *Controller) handleSubagentSpawned(ctx context.Context, event *hooks.Event) error {
	if event.ChildSessionKey == "" {
		return nil
	}
	c.mu.Lock()
	c.requesterByChild[event.ChildSessionKey] = event.ParentSessionKey
	c.mu.Unlock()
	return nil
}

// handleAgentEnd is the fast path: if the ending session is one the
// controller itself spawned, close it immediately.
func (c *Controller) handleAgentEnd(ctx context.Context, event *hooks.Event) error {
	tr, runID := c.lookupRun(event)
	if tr == nil {
		return nil
	}
	return c.closeSession(ctx, runID, tr, event.Outcome)
}

// handleSubagentEnded is the fallback close path, and the trigger for the
// wake-parent-on-end tracker.
func (c *Controller) handleSubagentEnded(ctx context.Context, event *hooks.Event) error {
	tr, runID := c.lookupRun(event)
	if tr == nil {
		return nil
	}
	if err := c.closeSession(ctx, runID, tr, event.Outcome); err != nil {
		return err
	}
	c.wakeParentIfNeeded(ctx, runID, tr, event.Outcome)
	return nil
}

func (c *Controller) lookupRun(event *hooks.Event) (*trackedRun, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	runID := event.RunID
	if runID == "" {
		runID = c.runIDBySessionKey[event.ChildSessionKey]
	}
	if runID == "" {
		runID = c.runIDBySessionKey[event.SessionKey]
	}
	if runID == "" {
		return nil, ""
	}
	tr := c.runsByID[runID]
	if tr == nil {
		return nil, ""
	}
	cp := *tr
	return &cp, runID
}

// closeSession applies terminal state. The SESSION_ENDED attach is emitted
// at most once per run (tracked via Closed), but the task status patch and
// unlock are re-applied on every call, since a replayed terminal event must
// still converge state that a prior delivery may not have completed.
func (c *Controller) closeSession(ctx context.Context, runID string, tr *trackedRun, outcome hooks.Outcome) error {
	sessionState := outcomeToSessionState(outcome)
	taskStatus := outcomeToTaskStatus(outcome)

	if !tr.Closed {
		if err := c.client.Attach(ctx, superkanban.AttachRequest{
			SessionKey:       tr.ChildSessionKey,
			EntityType:       tr.EntityType,
			EntityExternalID: tr.ExternalID,
			State:            sessionState,
		}); err != nil {
			return err
		}
		c.mu.Lock()
		if live := c.runsByID[runID]; live != nil {
			live.Closed = true
		}
		c.mu.Unlock()
	}

	if tr.EntityType == models.EntityTask {
		if err := c.client.PatchStatus(ctx, tr.EntityType, tr.EntitySKID, taskStatus, nil); err != nil {
			return err
		}
		owner := tr.ParentSessionKey
		if requester, ok := c.lookupRequester(tr.ChildSessionKey); ok {
			owner = requester
		}
		_ = c.client.UnlockTask(ctx, tr.EntitySKID, owner)
	}

	return nil
}

func (c *Controller) lookupRequester(childSessionKey string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.requesterByChild[childSessionKey]
	return v, ok
}

// wakeParentIfNeeded fires the parent-wake RPC at most once per runID: the
// tracked-run entry is deleted after the attempt regardless of outcome.
func (c *Controller) wakeParentIfNeeded(ctx context.Context, runID string, tr *trackedRun, outcome hooks.Outcome) {
	c.mu.Lock()
	live, exists := c.runsByID[runID]
	if exists {
		delete(c.runsByID, runID)
		delete(c.runIDBySessionKey, live.ChildSessionKey)
	}
	c.mu.Unlock()

	if !exists || !tr.WakeParentOnEnd || tr.ParentSessionKey == "" {
		return
	}

	text := fmt.Sprintf("status=%s outcome=%s child=%s run=%s", outcomeToSessionState(outcome), outcome, tr.ChildSessionKey, runID)
	_ = c.wake(ctx, WakeRequest{
		SessionKey:     tr.ParentSessionKey,
		Deliver:        false,
		Channel:        "last",
		Lane:           "sk-sync-wake",
		IdempotencyKey: freshIdempotencyKey(),
		Text:           text,
	})
}

// outcomeToSessionState maps an agent runtime outcome to the session state
// recorded against Super-Kanban.
func outcomeToSessionState(outcome hooks.Outcome) string {
	switch outcome {
	case hooks.OutcomeOK:
		return "DONE"
	case hooks.OutcomeTimeout, hooks.OutcomeError:
		return "FAILED"
	case hooks.OutcomeKilled, hooks.OutcomeReset, hooks.OutcomeDeleted:
		return "CANCELLED"
	default:
		return "FAILED"
	}
}

// outcomeToTaskStatus maps an agent runtime outcome to the task status it
// drives the owning task to.
func outcomeToTaskStatus(outcome hooks.Outcome) string {
	switch outcome {
	case hooks.OutcomeOK:
		return "DONE"
	case hooks.OutcomeTimeout, hooks.OutcomeError:
		return "BLOCKED"
	case hooks.OutcomeKilled, hooks.OutcomeReset, hooks.OutcomeDeleted:
		return "CANCELLED"
	default:
		return "BLOCKED"
	}
}
