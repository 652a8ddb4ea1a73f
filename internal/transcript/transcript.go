// Package transcript converts one raw transcript JSONL line into normalized
// chat-message and tool-call records, correlating tool-call starts with
// their completions.
package transcript

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/openclaw/sksync/pkg/models"
)

// toolCallAliases maps a lowercased content-block type to whether it denotes
// a tool-call start.
var toolCallAliases = map[string]bool{
	"toolcall":  true,
	"tool_call": true,
	"tool_use":  true,
}

// toolResultAliases maps a lowercased content-block type to whether it
// denotes an embedded tool-call completion.
var toolResultAliases = map[string]bool{
	"tool_result":       true,
	"tool_result_error": true,
	"toolresult":        true,
}

// ParseLine parses one raw transcript JSONL line, returning nil when the
// line is not valid JSON, is not a "message" record, or yields nothing
// exportable. idHint is used to build fallback tool-call ids when a block
// carries none of its own; it should be stable per line (e.g. the record's
// own id, falling back to "<sessionKey>:<timestampMs>").
func ParseLine(ctx context.Context, line []byte, idHint string) *models.ParseResult {
	var record models.TranscriptLine
	if err := json.Unmarshal(line, &record); err != nil {
		return nil
	}
	if record.Type != "message" {
		return nil
	}

	ts := parseTimestamp(record.Timestamp)
	msg := record.Message

	switch msg.Role {
	case models.RoleUser, models.RoleAssistant:
		return parseUserOrAssistant(record, msg, ts, idHint)
	case models.RoleToolResult, "tool_result":
		return parseToolResult(record, msg, ts)
	default:
		return nil
	}
}

func parseUserOrAssistant(record models.TranscriptLine, msg models.TranscriptMessage, ts *int64, idHint string) *models.ParseResult {
	result := &models.ParseResult{}

	text := joinTextBlocks(msg.Content)
	if text != "" {
		result.Message = &models.SuperKanbanMessageRecord{
			MessageID: record.ID,
			Timestamp: ts,
			Role:      msg.Role,
			Text:      text,
		}
	}

	if msg.Role == models.RoleAssistant && !msg.Content.IsText {
		for i, block := range msg.Content.Blocks {
			blockType := strings.ToLower(block.Type)
			switch {
			case toolCallAliases[blockType]:
				toolCallID := block.EffectiveToolCallID()
				if toolCallID == "" {
					toolCallID = fallbackID(record.ID, idHint, i)
				}
				result.ToolCalls = append(result.ToolCalls, models.SuperKanbanToolCallRecord{
					MessageID:  record.ID,
					ToolCallID: toolCallID,
					ToolName:   block.EffectiveToolName(),
					Status:     models.ToolCallStarted,
					Timestamp:  ts,
					ParamsText: paramsTextFromBlock(block),
				})
			case toolResultAliases[blockType]:
				toolCallID := block.EffectiveToolCallID()
				if toolCallID == "" {
					toolCallID = fallbackID(record.ID, idHint, i)
				}
				resultText := rawTextOrString(block.Content)
				status := models.ToolCallSucceeded
				var errorText string
				if block.EffectiveIsError() || blockType == "tool_result_error" {
					status = models.ToolCallFailed
					errorText = resultText
				}
				result.ToolCalls = append(result.ToolCalls, models.SuperKanbanToolCallRecord{
					MessageID:  record.ID,
					ToolCallID: toolCallID,
					Status:     status,
					Timestamp:  ts,
					ResultText: resultText,
					ErrorText:  errorText,
				})
			}
		}
	}

	if result.Message == nil && len(result.ToolCalls) == 0 {
		return nil
	}
	return result
}

func parseToolResult(record models.TranscriptLine, msg models.TranscriptMessage, ts *int64) *models.ParseResult {
	toolCallID := msg.EffectiveToolCallID()
	if toolCallID == "" {
		return nil
	}

	text := joinTextBlocks(msg.Content)
	status := models.ToolCallSucceeded
	var errorText string
	if msg.EffectiveIsError() {
		status = models.ToolCallFailed
		errorText = text
	}

	result := &models.ParseResult{
		ToolCalls: []models.SuperKanbanToolCallRecord{{
			MessageID:  record.ID,
			ToolCallID: toolCallID,
			Status:     status,
			Timestamp:  ts,
			ResultText: text,
			ErrorText:  errorText,
		}},
	}

	if text != "" {
		result.Message = &models.SuperKanbanMessageRecord{
			MessageID: record.ID,
			Timestamp: ts,
			Role:      models.RoleTool,
			Text:      text,
		}
	}
	return result
}

// joinTextBlocks returns content directly when it arrived as a bare string,
// or the newline-joined text of every non-empty "text" block.
func joinTextBlocks(content models.RawContent) string {
	if content.IsText {
		return content.Text
	}
	var parts []string
	for _, block := range content.Blocks {
		if strings.ToLower(block.Type) == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// paramsTextFromBlock stringifies a tool-call block's arguments, trying each
// of the arguments/args/params/input aliases in turn.
func paramsTextFromBlock(block models.ContentBlock) string {
	for _, raw := range []json.RawMessage{block.Arguments, block.Args, block.Params, block.Input} {
		if len(raw) == 0 {
			continue
		}
		return rawTextOrString(raw)
	}
	return ""
}

// rawTextOrString renders a json.RawMessage as plain text: a JSON string is
// unwrapped verbatim, anything else round-trips through its compact JSON form.
func rawTextOrString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	return string(raw)
}

// parseTimestamp interprets a timestamp field that is either a JSON number
// (assumed milliseconds) or a JSON string (parsed as ISO-8601). Invalid or
// absent input yields nil.
func parseTimestamp(raw json.RawMessage) *int64 {
	if len(raw) == 0 {
		return nil
	}
	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		ms := int64(asNumber)
		return &ms
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, asString); err == nil {
			ms := t.UnixMilli()
			return &ms
		}
		if t, err := time.Parse(time.RFC3339, asString); err == nil {
			ms := t.UnixMilli()
			return &ms
		}
	}
	return nil
}

func fallbackID(messageID, idHint string, blockIndex int) string {
	base := messageID
	if base == "" {
		base = idHint
	}
	return base + ":" + strconv.Itoa(blockIndex)
}
