package sksync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/openclaw/sksync/internal/hooks"
	"github.com/openclaw/sksync/internal/skkeys"
	"github.com/openclaw/sksync/internal/superkanban"
	"github.com/openclaw/sksync/pkg/models"
)

// Config controls the default task-lock TTL.
type Config struct {
	TaskLockTTLSeconds int
}

func (c Config) withDefaults() Config {
	if c.TaskLockTTLSeconds < 60 {
		c.TaskLockTTLSeconds = 3600
	}
	return c
}

// trackedRun is the controller's bookkeeping for one spawn, kept until the
// child session's terminal reconciliation (and wake, if any) has run.
type trackedRun struct {
	ParentSessionKey string
	ChildSessionKey  string
	WakeParentOnEnd  bool
	EntityType       models.EntityType
	ExternalID       string
	EntitySKID       string // SK's internal id, needed for lock/unlock/patch
	Closed           bool
}

// Controller implements the spawn tool and its lifecycle-hook reconciliation.
type Controller struct {
	cfg     Config
	client  *superkanban.Client
	spawn   SessionsSpawn
	send    SessionsSend
	wake    GatewaySendAgent
	logger  *slog.Logger

	mu               sync.Mutex
	runsByID         map[string]*trackedRun
	runIDBySessionKey map[string]string // childSessionKey -> runID
	requesterByChild map[string]string  // childSessionKey -> parentSessionKey, from subagent_spawned
}

// New builds a Controller and wires it to hooksRegistry if non-nil.
func New(cfg Config, client *superkanban.Client, spawn SessionsSpawn, send SessionsSend, wake GatewaySendAgent, hooksRegistry *hooks.Registry, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		cfg:               cfg.withDefaults(),
		client:            client,
		spawn:             spawn,
		send:              send,
		wake:              wake,
		logger:            logger,
		runsByID:          map[string]*trackedRun{},
		runIDBySessionKey: map[string]string{},
		requesterByChild:  map[string]string{},
	}
	if hooksRegistry != nil {
		hooksRegistry.Register(string(hooks.EventSubagentSpawned), c.handleSubagentSpawned, hooks.WithName("sksync.subagent_spawned"))
		hooksRegistry.Register(string(hooks.EventAgentEnd), c.handleAgentEnd, hooks.WithName("sksync.agent_end"))
		hooksRegistry.Register(string(hooks.EventSubagentEnded), c.handleSubagentEnded, hooks.WithName("sksync.subagent_ended"))
	}
	return c
}

// Spawn runs the full spawn-tool algorithm: canonicalize, upsert bottom-up,
// bind, lock (WORKER only), reuse-or-spawn, and track.
func (c *Controller) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	projectKey, workItemKey, taskKey, err := canonicalizeKeys(req)
	if err != nil {
		return nil, err
	}

	projectID, workItemID, taskID, err := c.upsertBottomUp(ctx, req, projectKey, workItemKey, taskKey)
	if err != nil {
		return nil, err
	}

	entityType := models.EntityStatusForLevel(req.Level)
	var externalID, entitySKID string
	switch entityType {
	case models.EntityTask:
		externalID, entitySKID = taskKey, taskID
	case models.EntityWorkItem:
		externalID, entitySKID = workItemKey, workItemID
	default:
		externalID, entitySKID = projectKey, projectID
	}

	if req.Level == models.LevelWorker {
		lockResult, err := c.client.LockTask(ctx, entitySKID, req.RequesterSessionKey, c.cfg.TaskLockTTLSeconds)
		if err != nil {
			return nil, err
		}
		if lockResult.Conflict {
			return &SpawnResult{Status: StatusConflict, Reason: "task_locked", EntityType: string(entityType), ExternalID: externalID}, nil
		}
	}

	if req.Level == models.LevelOrion || req.Level == models.LevelAtlas {
		if result, err := c.tryReuse(ctx, req, entityType, externalID, entitySKID); err != nil {
			return nil, err
		} else if result != nil {
			return result, nil
		}
	}

	return c.spawnNew(ctx, req, entityType, externalID, entitySKID)
}

func canonicalizeKeys(req SpawnRequest) (projectKey, workItemKey, taskKey string, err error) {
	projectInput := req.ProjectKey
	if projectInput == "" {
		projectInput = req.ProjectName
	}
	projectKey, err = skkeys.CanonicalizeProjectExternalID(projectInput)
	if err != nil {
		return "", "", "", err
	}

	if req.Level == models.LevelAtlas || req.Level == models.LevelWorker {
		workItemInput := req.WorkItemKey
		if workItemInput == "" {
			workItemInput = req.WorkItemTitle
		}
		workItemKey, err = skkeys.CanonicalizeWorkItemExternalID(workItemInput, projectKey)
		if err != nil {
			return "", "", "", err
		}
	}

	if req.Level == models.LevelWorker {
		taskInput := req.TaskKey
		if taskInput == "" {
			taskInput = req.TaskTitle
		}
		taskKey, err = skkeys.CanonicalizeTaskExternalID(taskInput, projectKey, workItemKey)
		if err != nil {
			return "", "", "", err
		}
	}

	return projectKey, workItemKey, taskKey, nil
}

func (c *Controller) upsertBottomUp(ctx context.Context, req SpawnRequest, projectKey, workItemKey, taskKey string) (projectID, workItemID, taskID string, err error) {
	projectResp, err := c.client.UpsertProject(ctx, superkanban.UpsertRequest{ExternalID: projectKey, Title: req.ProjectName, Status: "IN_PROGRESS"})
	if err != nil {
		return "", "", "", err
	}
	projectID = projectResp.ID

	if req.Level == models.LevelOrion {
		return projectID, "", "", nil
	}

	workItemResp, err := c.client.UpsertWorkItem(ctx, superkanban.UpsertRequest{ExternalID: workItemKey, ProjectID: projectKey, Title: req.WorkItemTitle, Status: "IN_PROGRESS"})
	if err != nil {
		return "", "", "", err
	}
	workItemID = workItemResp.ID

	if req.Level == models.LevelAtlas {
		return projectID, workItemID, "", nil
	}

	taskResp, err := c.client.UpsertTask(ctx, superkanban.UpsertRequest{ExternalID: taskKey, WorkItemID: workItemKey, Title: req.TaskTitle, Status: "IN_PROGRESS"})
	if err != nil {
		return "", "", "", err
	}
	taskID = taskResp.ID
	return projectID, workItemID, taskID, nil
}

// tryReuse lists sessions for the entity, preferring a RUNNING one. If found
// it re-attaches and forwards the task instead of spawning. Returns nil,nil
// when no reusable session exists.
func (c *Controller) tryReuse(ctx context.Context, req SpawnRequest, entityType models.EntityType, externalID, entitySKID string) (*SpawnResult, error) {
	sessions, err := c.client.ListSessionsForEntity(ctx, entityType, entitySKID)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}

	chosen := sessions[0]
	for _, s := range sessions {
		if state, _ := s["state"].(string); state == "RUNNING" {
			chosen = s
			break
		}
	}
	sessionKey, _ := chosen["sessionKey"].(string)
	if sessionKey == "" {
		return nil, nil
	}

	if err := c.client.Attach(ctx, superkanban.AttachRequest{
		SessionKey:       sessionKey,
		EntityType:       entityType,
		EntityExternalID: externalID,
		State:            "RUNNING",
	}); err != nil {
		return nil, err
	}
	if err := c.send(ctx, sessionKey, req.Task); err != nil {
		return nil, err
	}

	return &SpawnResult{Status: StatusReused, EntityType: string(entityType), ExternalID: externalID, SessionKey: sessionKey}, nil
}

func (c *Controller) spawnNew(ctx context.Context, req SpawnRequest, entityType models.EntityType, externalID, entitySKID string) (*SpawnResult, error) {
	outcome, err := c.spawn(ctx, SpawnParams{
		Task:              req.Task,
		Label:             req.Label,
		AgentID:           req.AgentID,
		Model:             req.Model,
		Thinking:          req.Thinking,
		Cwd:               req.Cwd,
		RunTimeoutSeconds: req.RunTimeoutSeconds,
		Mode:              "run",
		Cleanup:           "keep",
	})
	if err != nil {
		return nil, err
	}
	if !outcome.Accepted {
		if req.Level == models.LevelWorker {
			_ = c.client.UnlockTask(ctx, entitySKID, req.RequesterSessionKey)
		}
		return nil, fmt.Errorf("sksync: session spawn was not accepted")
	}

	if err := c.client.Attach(ctx, superkanban.AttachRequest{
		SessionKey:       outcome.SessionKey,
		EntityType:       entityType,
		EntityExternalID: externalID,
		State:            "RUNNING",
	}); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.runsByID[outcome.RunID] = &trackedRun{
		ParentSessionKey: req.RequesterSessionKey,
		ChildSessionKey:  outcome.SessionKey,
		WakeParentOnEnd:  req.wakeParentOnEnd(),
		EntityType:       entityType,
		ExternalID:       externalID,
		EntitySKID:       entitySKID,
	}
	c.runIDBySessionKey[outcome.SessionKey] = outcome.RunID
	c.mu.Unlock()

	return &SpawnResult{Status: StatusSpawned, EntityType: string(entityType), ExternalID: externalID, SessionKey: outcome.SessionKey, RunID: outcome.RunID}, nil
}

func freshIdempotencyKey() string { return uuid.NewString() }
