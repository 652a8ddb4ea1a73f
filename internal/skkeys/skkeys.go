// Package skkeys implements deterministic key and label derivation: external
// ID canonicalization, Super-Kanban routing-label parsing, and the hashed
// keys used to dedupe message and tool-call posts.
package skkeys

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/openclaw/sksync/pkg/models"
)

// ErrInvalidExternalID is returned when canonicalization fails: a key
// component contains ":", or a declared parent key does not match the
// ambient parent keys supplied by the caller.
var ErrInvalidExternalID = errors.New("invalid external id")

const maxLabelLength = 64

// CanonicalizeProjectExternalID canonicalizes a bare or already-canonical
// project key into "project:<projectKey>".
func CanonicalizeProjectExternalID(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("%w: empty project key", ErrInvalidExternalID)
	}
	if strings.HasPrefix(input, "project:") {
		key := strings.TrimPrefix(input, "project:")
		if key == "" || strings.Contains(key, ":") {
			return "", fmt.Errorf("%w: malformed project external id %q", ErrInvalidExternalID, input)
		}
		return "project:" + key, nil
	}
	if strings.Contains(input, ":") {
		return "", fmt.Errorf("%w: bare project key %q may not contain ':'", ErrInvalidExternalID, input)
	}
	return "project:" + input, nil
}

// CanonicalizeWorkItemExternalID canonicalizes a bare or already-canonical
// work-item key into "workitem:<projectKey>:<workItemKey>", validated
// against the ambient projectKey.
func CanonicalizeWorkItemExternalID(input, projectKey string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("%w: empty work item key", ErrInvalidExternalID)
	}
	if strings.Contains(input, ":") {
		parts := strings.Split(input, ":")
		if len(parts) != 3 || parts[0] != "workitem" {
			return "", fmt.Errorf("%w: malformed work item external id %q", ErrInvalidExternalID, input)
		}
		if parts[1] != projectKey {
			return "", fmt.Errorf("%w: work item project %q does not match %q", ErrInvalidExternalID, parts[1], projectKey)
		}
		if parts[2] == "" {
			return "", fmt.Errorf("%w: malformed work item external id %q", ErrInvalidExternalID, input)
		}
		return input, nil
	}
	return fmt.Sprintf("workitem:%s:%s", projectKey, input), nil
}

// CanonicalizeTaskExternalID canonicalizes a bare or already-canonical task
// key into "task:<projectKey>:<workItemKey>:<taskKey>", validated against the
// ambient parent keys.
func CanonicalizeTaskExternalID(input, projectKey, workItemKey string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("%w: empty task key", ErrInvalidExternalID)
	}
	if strings.Contains(input, ":") {
		parts := strings.Split(input, ":")
		if len(parts) != 4 || parts[0] != "task" {
			return "", fmt.Errorf("%w: malformed task external id %q", ErrInvalidExternalID, input)
		}
		if parts[1] != projectKey {
			return "", fmt.Errorf("%w: task project %q does not match %q", ErrInvalidExternalID, parts[1], projectKey)
		}
		if parts[2] != workItemKey {
			return "", fmt.Errorf("%w: task work item %q does not match %q", ErrInvalidExternalID, parts[2], workItemKey)
		}
		if parts[3] == "" {
			return "", fmt.Errorf("%w: malformed task external id %q", ErrInvalidExternalID, input)
		}
		return input, nil
	}
	return fmt.Sprintf("task:%s:%s:%s", projectKey, workItemKey, input), nil
}

// Sha256Hex returns the lowercase hex SHA-256 digest of s.
func Sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// MakeSkTaskHashLabel derives the "SK:TASKH:<hash16>" routing label for a
// task external id.
func MakeSkTaskHashLabel(externalID string) string {
	return "SK:TASKH:" + Sha256Hex(externalID)[:16]
}

// TruncateLabel deterministically shortens a session label that exceeds
// maxLabelLength to "<head>~<hash10>", where head fills the remaining
// character budget after the separator and hash suffix.
func TruncateLabel(label string) string {
	if utf8.RuneCountInString(label) <= maxLabelLength {
		return label
	}
	suffix := "~" + Sha256Hex(label)[:10]
	headBudget := maxLabelLength - utf8.RuneCountInString(suffix)
	if headBudget < 0 {
		headBudget = 0
	}
	runes := []rune(label)
	if headBudget > len(runes) {
		headBudget = len(runes)
	}
	return string(runes[:headBudget]) + suffix
}

// ParseSkRoutingLabel parses a trimmed session label into either a direct
// routing label, a hashed-task routing label, or nil when the label does not
// match the "SK:..." grammar.
func ParseSkRoutingLabel(label string) *models.RoutingLabel {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil
	}
	if len(label) > maxLabelLength {
		label = TruncateLabel(label)
	}
	if !strings.HasPrefix(label, "SK:") {
		return nil
	}
	rest := strings.TrimPrefix(label, "SK:")

	if strings.HasPrefix(rest, "TASKH:") {
		hash := strings.TrimPrefix(rest, "TASKH:")
		if hash == "" {
			return nil
		}
		return &models.RoutingLabel{TaskHash: true, Label: label, Hash: hash}
	}

	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil
	}

	var entityType models.EntityType
	switch parts[0] {
	case "PROJECT":
		entityType = models.EntityProject
	case "WORK_ITEM":
		entityType = models.EntityWorkItem
	case "TASK":
		entityType = models.EntityTask
	default:
		return nil
	}

	return &models.RoutingLabel{
		Direct:           true,
		EntityType:       entityType,
		EntityExternalID: parts[1],
	}
}

// BuildSkMessageKey computes the deterministic messageKey for a chat
// message: "<sessionKey>:<messageId>" when a messageId is supplied, else a
// content hash "<sessionKey>:msg:<sha1(role|occurredAtMs|content)>".
func BuildSkMessageKey(sessionKey, messageID string, role models.Role, occurredAtMs int64, content string) string {
	if messageID != "" {
		return sessionKey + ":" + messageID
	}
	h := sha1.Sum([]byte(fmt.Sprintf("%s|%d|%s", role, occurredAtMs, content)))
	return sessionKey + ":msg:" + hex.EncodeToString(h[:])
}

// BuildSkToolCallKey computes the deterministic toolCallKey for a tool
// invocation: "<sessionKey>:<toolCallId>".
func BuildSkToolCallKey(sessionKey, toolCallID string) string {
	return sessionKey + ":" + toolCallID
}

// FallbackToolCallID synthesizes a stable tool-call identifier for a block
// that carries none of the id/toolCallId/tool_call_id fields:
// "<messageId|sessionId:ts>:<blockIndex>".
func FallbackToolCallID(messageOrSessionTs string, blockIndex int) string {
	return fmt.Sprintf("%s:%d", messageOrSessionTs, blockIndex)
}
