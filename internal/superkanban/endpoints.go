package superkanban

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/openclaw/sksync/pkg/models"
)

// UpsertRequest is the write-scope body for the project/work-item/task
// upsert endpoints.
type UpsertRequest struct {
	ExternalID    string         `json:"externalId"`
	ProjectID     string         `json:"projectExternalId,omitempty"`
	WorkItemID    string         `json:"workItemExternalId,omitempty"`
	Title         string         `json:"title,omitempty"`
	Status        string         `json:"status,omitempty"`
	Content       map[string]any `json:"content,omitempty"`
}

// UpsertResponse carries back the server-assigned entity id.
type UpsertResponse struct {
	ID string `json:"id"`
}

// UpsertProject posts to /integrations/openclaw/projects/upsert.
func (c *Client) UpsertProject(ctx context.Context, req UpsertRequest) (*UpsertResponse, error) {
	var resp UpsertResponse
	if _, err := c.do(ctx, http.MethodPost, "/integrations/openclaw/projects/upsert", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpsertWorkItem posts to /integrations/openclaw/work-items/upsert.
func (c *Client) UpsertWorkItem(ctx context.Context, req UpsertRequest) (*UpsertResponse, error) {
	var resp UpsertResponse
	if _, err := c.do(ctx, http.MethodPost, "/integrations/openclaw/work-items/upsert", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpsertTask posts to /integrations/openclaw/tasks/upsert.
func (c *Client) UpsertTask(ctx context.Context, req UpsertRequest) (*UpsertResponse, error) {
	var resp UpsertResponse
	if _, err := c.do(ctx, http.MethodPost, "/integrations/openclaw/tasks/upsert", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AttachRequest is the write-scope body for /sessions/attach.
type AttachRequest struct {
	SessionKey       string     `json:"sessionKey"`
	EntityType       models.EntityType `json:"entityType"`
	EntityID         string     `json:"entityId,omitempty"`
	EntityExternalID string     `json:"entityExternalId,omitempty"`
	State            string     `json:"state"`
	StartedAt        *string    `json:"startedAt,omitempty"`
}

// Attach posts to /sessions/attach.
func (c *Client) Attach(ctx context.Context, req AttachRequest) error {
	if req.EntityID == "" && req.EntityExternalID == "" {
		return fmt.Errorf("attach request for session %q is missing both entityId and entityExternalId", req.SessionKey)
	}
	_, err := c.do(ctx, http.MethodPost, c.cfg.AttachPath, req, nil)
	return err
}

// RecordMessage posts a chat message to the configured messages path.
func (c *Client) RecordMessage(ctx context.Context, eventID string, req models.SkRecordMessageRequest) error {
	body := struct {
		EventID string `json:"eventId"`
		models.SkRecordMessageRequest
	}{EventID: eventID, SkRecordMessageRequest: req}
	_, err := c.do(ctx, http.MethodPost, c.cfg.MessagesPath, body, nil)
	return err
}

// RecordToolCall posts a tool-call lifecycle event to the configured
// tool-calls path.
func (c *Client) RecordToolCall(ctx context.Context, eventID string, req models.SkRecordToolCallRequest) error {
	body := struct {
		EventID string `json:"eventId"`
		models.SkRecordToolCallRequest
	}{EventID: eventID, SkRecordToolCallRequest: req}
	_, err := c.do(ctx, http.MethodPost, c.cfg.ToolCallsPath, body, nil)
	return err
}

// LockTaskResult is the outcome of a lock attempt.
type LockTaskResult struct {
	Locked   bool
	Conflict bool
}

// LockTask posts to /tasks/:id/lock. A 423 or 409 response is treated as a
// structured Conflict, not an error.
func (c *Client) LockTask(ctx context.Context, taskID, owner string, ttlSeconds int) (*LockTaskResult, error) {
	body := map[string]any{"owner": owner, "ttlSeconds": ttlSeconds}
	status, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%s/lock", taskID), body, nil)
	var apiErr *Error
	if err != nil {
		if asAPIErr(err, &apiErr) && (apiErr.Status == 423 || apiErr.Status == 409) {
			return &LockTaskResult{Conflict: true}, nil
		}
		return nil, err
	}
	_ = status
	return &LockTaskResult{Locked: true}, nil
}

// UnlockTask posts to /tasks/:id/unlock. Errors are the caller's
// responsibility to treat as best-effort.
func (c *Client) UnlockTask(ctx context.Context, taskID, owner string) error {
	body := map[string]any{"owner": owner}
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%s/unlock", taskID), body, nil)
	return err
}

// PatchStatus patches a project/work-item/task's status or archived flag.
func (c *Client) PatchStatus(ctx context.Context, entityType models.EntityType, id string, status string, archived *bool) error {
	collection, err := collectionForEntity(entityType)
	if err != nil {
		return err
	}
	body := map[string]any{}
	if status != "" {
		body["status"] = status
	}
	if archived != nil {
		body["archived"] = *archived
	}
	_, err = c.do(ctx, http.MethodPatch, fmt.Sprintf("/%s/%s", collection, id), body, nil)
	return err
}

// ResolveSession calls GET /sessions/resolve?sessionKey=... A 404 response
// returns (nil, nil), not an error.
func (c *Client) ResolveSession(ctx context.Context, sessionKey string) (*models.SessionBinding, error) {
	var resp models.SessionBinding
	path := "/sessions/resolve?sessionKey=" + url.QueryEscape(sessionKey)
	_, err := c.do(ctx, http.MethodGet, path, nil, &resp)
	var apiErr *Error
	if err != nil {
		if asAPIErr(err, &apiErr) && apiErr.Status == 404 {
			return nil, nil
		}
		return nil, err
	}
	return &resp, nil
}

// ListProjects calls GET /projects[?includeArchived].
func (c *Client) ListProjects(ctx context.Context, includeArchived bool) ([]map[string]any, error) {
	path := "/projects"
	if includeArchived {
		path += "?includeArchived=true"
	}
	var resp []map[string]any
	_, err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

// ListSessionsForEntity calls GET /{collection}/:id/sessions?limit=50.
func (c *Client) ListSessionsForEntity(ctx context.Context, entityType models.EntityType, id string) ([]map[string]any, error) {
	collection, err := collectionForEntity(entityType)
	if err != nil {
		return nil, err
	}
	var resp []map[string]any
	_, err = c.do(ctx, http.MethodGet, fmt.Sprintf("/%s/%s/sessions?limit=50", collection, id), nil, &resp)
	return resp, err
}

func collectionForEntity(entityType models.EntityType) (string, error) {
	switch entityType {
	case models.EntityProject:
		return "projects", nil
	case models.EntityWorkItem:
		return "work-items", nil
	case models.EntityTask:
		return "tasks", nil
	default:
		return "", fmt.Errorf("unknown entity type %q", entityType)
	}
}

func asAPIErr(err error, target **Error) bool {
	apiErr, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = apiErr
	return true
}
