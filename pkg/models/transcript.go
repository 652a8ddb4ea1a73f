// Package models holds the shared wire and domain types passed between the
// spool engine, the reconciler, the SK HTTP client, and the session
// controller.
package models

import "encoding/json"

// Role is the normalized speaker role of a transcript message.
type Role string

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleTool       Role = "tool"
	RoleToolResult Role = "toolResult"
)

// ToolCallStatus is the lifecycle state of a tool invocation.
type ToolCallStatus string

const (
	ToolCallStarted   ToolCallStatus = "STARTED"
	ToolCallSucceeded ToolCallStatus = "SUCCEEDED"
	ToolCallFailed    ToolCallStatus = "FAILED"
)

// ContentBlock is one typed element of a transcript message's content array.
//
// Recognized Type tags: "text", "toolCall" (aliases "tool_call", "tool_use"),
// "tool_result" (aliases "tool_result_error", "toolResult"). Unrecognized
// fields are tolerated; callers only read the fields relevant to the block's
// Type.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// Tool-call fields (and common aliases emitted by different runtimes).
	ID          string          `json:"id,omitempty"`
	ToolCallID  string          `json:"toolCallId,omitempty"`
	ToolCallID2 string          `json:"tool_call_id,omitempty"`
	Name        string          `json:"name,omitempty"`
	ToolName    string          `json:"toolName,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`

	// Tool-result fields.
	Content json.RawMessage `json:"content,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	IsError2 bool           `json:"isError,omitempty"`
}

// EffectiveToolCallID returns the first populated tool-call identifier field.
func (b ContentBlock) EffectiveToolCallID() string {
	switch {
	case b.ID != "":
		return b.ID
	case b.ToolCallID != "":
		return b.ToolCallID
	case b.ToolCallID2 != "":
		return b.ToolCallID2
	default:
		return ""
	}
}

// EffectiveToolName returns the tool-call's name, under whichever field it
// was supplied.
func (b ContentBlock) EffectiveToolName() string {
	if b.Name != "" {
		return b.Name
	}
	return b.ToolName
}

// EffectiveIsError reports whether the block carries a truthy error flag
// under either "is_error" or "isError".
func (b ContentBlock) EffectiveIsError() bool {
	return b.IsError || b.IsError2
}

// RawContent is the transcript message's "content" field, which may arrive as
// either a bare string or an array of ContentBlock values.
type RawContent struct {
	Text   string
	Blocks []ContentBlock
	IsText bool
}

// UnmarshalJSON implements the string-or-array content shape.
func (c *RawContent) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		c.Text = asString
		c.IsText = true
		c.Blocks = nil
		return nil
	}
	var asBlocks []ContentBlock
	if err := json.Unmarshal(data, &asBlocks); err != nil {
		return err
	}
	c.Blocks = asBlocks
	c.IsText = false
	c.Text = ""
	return nil
}

// TranscriptMessage is the "message" field of a transcript line.
type TranscriptMessage struct {
	Role    Role       `json:"role"`
	Content RawContent `json:"content"`

	// ToolCallID/ToolCallID2 identify the completed tool call on a
	// toolResult/tool_result role message.
	ToolCallID  string `json:"toolCallId,omitempty"`
	ToolCallID2 string `json:"tool_call_id,omitempty"`

	// IsError/IsError2 mark a toolResult/tool_result role message as a
	// failure rather than a success.
	IsError  bool `json:"is_error,omitempty"`
	IsError2 bool `json:"isError,omitempty"`
}

// EffectiveToolCallID returns the first populated tool-call identifier field
// on the message itself (as opposed to a content block).
func (m TranscriptMessage) EffectiveToolCallID() string {
	if m.ToolCallID != "" {
		return m.ToolCallID
	}
	return m.ToolCallID2
}

// EffectiveIsError reports whether the message carries a truthy error flag.
func (m TranscriptMessage) EffectiveIsError() bool {
	return m.IsError || m.IsError2
}

// TranscriptLine is one JSON record in an append-only session transcript
// file. Only type == "message" records are exported; all other types and
// malformed lines are ignored by the caller.
type TranscriptLine struct {
	Type      string             `json:"type"`
	ID        string             `json:"id,omitempty"`
	Timestamp json.RawMessage    `json:"timestamp,omitempty"`
	Message   TranscriptMessage  `json:"message"`
}

// SessionFileContext describes the identity derived from a transcript file's
// absolute path:
// ".../agents/<agentId>/sessions/<sessionId>[-topic-<urlEncodedTopic>].jsonl".
type SessionFileContext struct {
	AgentID   string
	SessionID string
	TopicID   string
}

// SuperKanbanMessageRecord is the normalized shape of one chat message ready
// to be posted to Super-Kanban.
type SuperKanbanMessageRecord struct {
	SessionKey string  `json:"sessionKey"`
	AgentID    string  `json:"agentId,omitempty"`
	TopicID    string  `json:"topicId,omitempty"`
	MessageID  string  `json:"messageId,omitempty"`
	Timestamp  *int64  `json:"timestamp,omitempty"`
	Role       Role    `json:"role"`
	Text       string  `json:"text"`
}

// SuperKanbanToolCallRecord is the normalized shape of one tool-call
// lifecycle event ready to be posted to Super-Kanban.
type SuperKanbanToolCallRecord struct {
	SessionKey  string         `json:"sessionKey"`
	AgentID     string         `json:"agentId,omitempty"`
	TopicID     string         `json:"topicId,omitempty"`
	MessageID   string         `json:"messageId,omitempty"`
	ToolCallID  string         `json:"toolCallId"`
	ToolName    string         `json:"toolName,omitempty"`
	Status      ToolCallStatus `json:"status"`
	Timestamp   *int64         `json:"timestamp,omitempty"`
	ParamsText  string         `json:"paramsText,omitempty"`
	ResultText  string         `json:"resultText,omitempty"`
	ErrorText   string         `json:"errorText,omitempty"`
}

// ParseResult is the triple returned by the transcript parser for one line:
// at most one chat message plus zero or more tool-call lifecycle records.
type ParseResult struct {
	Message   *SuperKanbanMessageRecord
	ToolCalls []SuperKanbanToolCallRecord
}
