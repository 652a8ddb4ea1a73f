package skkeys

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/openclaw/sksync/pkg/models"
)

// sessionFilePattern matches ".../agents/<agentId>/sessions/<sessionId>.jsonl"
// with an optional "-topic-<urlEncodedTopic>" suffix on the session id.
var sessionFilePattern = regexp.MustCompile(`^agents/([^/]+)/sessions/([^/]+)\.jsonl$`)

// ParseSessionFileContext derives the SessionFileContext from an absolute
// transcript path. When the path does not match the canonical shape under an
// "agents/.../sessions/" directory, AgentID is left empty and the SessionID
// (and topic) are still derived from the trailing file name component.
func ParseSessionFileContext(absPath string) models.SessionFileContext {
	normalized := strings.ReplaceAll(absPath, "\\", "/")
	normalized = strings.TrimPrefix(normalized, "/")

	// Find the rightmost "agents/<id>/sessions/<file>" suffix so callers may
	// pass either a bare relative suffix or a fully qualified state-dir path.
	idx := strings.LastIndex(normalized, "agents/")
	candidate := normalized
	if idx >= 0 {
		candidate = normalized[idx:]
	}

	if m := sessionFilePattern.FindStringSubmatch(candidate); m != nil {
		agentID := m[1]
		sessionID, topicID := splitTopicSuffix(m[2])
		return models.SessionFileContext{AgentID: agentID, SessionID: sessionID, TopicID: topicID}
	}

	// Fall back to the bare file name so a session id is still recoverable
	// for paths that don't match the canonical agents/.../sessions/ shape.
	base := path.Base(normalized)
	base = strings.TrimSuffix(base, ".jsonl")
	sessionID, topicID := splitTopicSuffix(base)
	return models.SessionFileContext{SessionID: sessionID, TopicID: topicID}
}

// splitTopicSuffix splits "<sessionId>-topic-<urlEncodedTopic>" into its two
// parts, url-decoding the topic. If there is no "-topic-" marker, the whole
// input is the session id.
func splitTopicSuffix(name string) (sessionID, topicID string) {
	const marker = "-topic-"
	idx := strings.Index(name, marker)
	if idx < 0 {
		return name, ""
	}
	sessionID = name[:idx]
	encodedTopic := name[idx+len(marker):]
	decoded, err := url.QueryUnescape(encodedTopic)
	if err != nil {
		return sessionID, encodedTopic
	}
	return sessionID, decoded
}
