package models

import "encoding/json"

// SpoolEventKind tags the payload carried by a SpoolEvent.
type SpoolEventKind string

const (
	SpoolEventMessage  SpoolEventKind = "message"
	SpoolEventToolCall SpoolEventKind = "toolCall"
)

// SkRecordMessageRequest is the server-bound payload for a message post.
type SkRecordMessageRequest struct {
	SessionKey       string         `json:"sessionKey"`
	EntityType       EntityType     `json:"entityType"`
	EntityExternalID string         `json:"entityExternalId"`
	MessageKey       string         `json:"messageKey"`
	Role             Role           `json:"role"`
	Text             string         `json:"text"`
	OccurredAt       *string        `json:"occurredAt,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// SkRecordToolCallRequest is the server-bound payload for a tool-call post.
type SkRecordToolCallRequest struct {
	SessionKey       string         `json:"sessionKey"`
	EntityType       EntityType     `json:"entityType"`
	EntityExternalID string         `json:"entityExternalId"`
	ToolCallKey      string         `json:"toolCallKey"`
	ToolName         string         `json:"toolName,omitempty"`
	Status           ToolCallStatus `json:"status"`
	OccurredAt       *string        `json:"occurredAt,omitempty"`
	ParamsText       string         `json:"paramsText,omitempty"`
	ResultText       string         `json:"resultText,omitempty"`
	ErrorText        string         `json:"errorText,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// SpoolEvent is one JSONL line in spool.jsonl: a tagged union over the two
// server-bound request payloads.
type SpoolEvent struct {
	Kind    SpoolEventKind  `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalMessageEvent builds a SpoolEvent wrapping a message payload.
func MarshalMessageEvent(payload SkRecordMessageRequest) (SpoolEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return SpoolEvent{}, err
	}
	return SpoolEvent{Kind: SpoolEventMessage, Payload: raw}, nil
}

// MarshalToolCallEvent builds a SpoolEvent wrapping a tool-call payload.
func MarshalToolCallEvent(payload SkRecordToolCallRequest) (SpoolEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return SpoolEvent{}, err
	}
	return SpoolEvent{Kind: SpoolEventToolCall, Payload: raw}, nil
}

// FileCursor tracks the byte offset the tailer has consumed for one
// transcript file.
type FileCursor struct {
	Offset int64 `json:"offset"`
}

// MetaFile is the persisted state of one spool plugin instance, v1.
type MetaFile struct {
	Version            int                   `json:"version"`
	FileCursors        map[string]FileCursor `json:"fileCursors"`
	SpoolOffset        int64                 `json:"spoolOffset"`
	AttachedSessions   map[string]bool       `json:"attachedSessions"`
	ConsecutiveFailures int                  `json:"consecutiveFailures"`
	NextSendAtMs       *int64                `json:"nextSendAtMs,omitempty"`
}

// NewMetaFile builds an empty, valid v1 MetaFile.
func NewMetaFile() *MetaFile {
	return &MetaFile{
		Version:          1,
		FileCursors:      map[string]FileCursor{},
		AttachedSessions: map[string]bool{},
	}
}

// ReadinessPhase is one phase of the process's startup lifecycle.
type ReadinessPhase string

const (
	PhaseStarting  ReadinessPhase = "starting"
	PhaseListening ReadinessPhase = "listening"
	PhaseReady     ReadinessPhase = "ready"
	PhaseError     ReadinessPhase = "error"
)

// ReadinessTransition records one phase entry with its timestamp.
type ReadinessTransition struct {
	Phase ReadinessPhase `json:"phase"`
	At    int64          `json:"at"`
}

// ReadinessState is the process-wide readiness snapshot.
type ReadinessState struct {
	Phase  ReadinessPhase         `json:"phase"`
	Since  int64                  `json:"since"`
	Phases []ReadinessTransition  `json:"phases"`
}
