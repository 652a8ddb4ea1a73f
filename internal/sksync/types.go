// Package sksync implements the session controller (C7): the spawn-tool
// algorithm that upserts Super-Kanban entities, binds and locks them, reuses
// or spawns OpenClaw agent sessions, and reconciles terminal state back to
// Super-Kanban through lifecycle hooks.
package sksync

import (
	"context"

	"github.com/openclaw/sksync/pkg/models"
)

// SpawnRequest is the spawn tool's input payload.
type SpawnRequest struct {
	Level                models.SpawnLevel
	Task                 string
	Label                string
	RequesterSessionKey  string
	ProjectKey           string
	ProjectName          string
	WorkItemKey          string
	WorkItemTitle        string
	TaskKey              string
	TaskTitle            string
	AgentID              string
	WakeParentOnEnd      *bool
	Model                string
	Thinking             string
	Cwd                  string
	RunTimeoutSeconds    int
}

func (r SpawnRequest) wakeParentOnEnd() bool {
	if r.WakeParentOnEnd == nil {
		return true
	}
	return *r.WakeParentOnEnd
}

// SpawnStatus is the outcome tag of a Spawn call.
type SpawnStatus string

const (
	StatusSpawned  SpawnStatus = "spawned"
	StatusReused   SpawnStatus = "reused"
	StatusConflict SpawnStatus = "conflict"
)

// SpawnResult is the spawn tool's structured response. A WORKER lock
// conflict is returned here, not as an error.
type SpawnResult struct {
	Status     SpawnStatus `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	EntityType string      `json:"entityType,omitempty"`
	ExternalID string      `json:"externalId,omitempty"`
	SessionKey string      `json:"sessionKey,omitempty"`
	RunID      string      `json:"runId,omitempty"`
}

// SpawnParams is what the controller asks the injected spawn function to do.
type SpawnParams struct {
	Task              string
	Label             string
	AgentID           string
	Model             string
	Thinking          string
	Cwd               string
	RunTimeoutSeconds int
	Mode              string // "run"
	Cleanup           string // "keep"
}

// SpawnOutcome is what the injected spawn function reports back.
type SpawnOutcome struct {
	Accepted   bool
	SessionKey string
	RunID      string
}

// SessionsSpawn spawns a brand new agent session.
type SessionsSpawn func(ctx context.Context, params SpawnParams) (SpawnOutcome, error)

// SessionsSend forwards a task to an already-running agent session.
type SessionsSend func(ctx context.Context, sessionKey, task string) error

// WakeRequest is one parent-wake RPC issued to the gateway.
type WakeRequest struct {
	SessionKey     string
	Deliver        bool
	Channel        string
	Lane           string
	IdempotencyKey string
	Text           string
}

// GatewaySendAgent issues an "agent" RPC to the gateway on the controller's
// behalf, used only for the wake-parent-on-end notice.
type GatewaySendAgent func(ctx context.Context, req WakeRequest) error
