package skkeys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/sksync/pkg/models"
)

func TestCanonicalizeProjectExternalID(t *testing.T) {
	got, err := CanonicalizeProjectExternalID("acme")
	require.NoError(t, err)
	assert.Equal(t, "project:acme", got)

	got, err = CanonicalizeProjectExternalID("project:acme")
	require.NoError(t, err)
	assert.Equal(t, "project:acme", got)

	_, err = CanonicalizeProjectExternalID("ac:me")
	require.ErrorIs(t, err, ErrInvalidExternalID)
}

func TestCanonicalizeWorkItemExternalID(t *testing.T) {
	got, err := CanonicalizeWorkItemExternalID("login-flow", "acme")
	require.NoError(t, err)
	assert.Equal(t, "workitem:acme:login-flow", got)

	got, err = CanonicalizeWorkItemExternalID("workitem:acme:login-flow", "acme")
	require.NoError(t, err)
	assert.Equal(t, "workitem:acme:login-flow", got)

	_, err = CanonicalizeWorkItemExternalID("workitem:other:login-flow", "acme")
	require.ErrorIs(t, err, ErrInvalidExternalID)

	_, err = CanonicalizeWorkItemExternalID("weird:thing", "acme")
	require.ErrorIs(t, err, ErrInvalidExternalID)
}

func TestCanonicalizeWorkItemExternalID_FailsIffColonAndMismatch(t *testing.T) {
	// canonicalizeWorkItemExternalId(x, projectKey) fails iff x has a colon
	// and does not match workitem:<projectKey>:<workItemKey>.
	cases := []struct {
		input     string
		wantError bool
	}{
		{"bare-key", false},
		{"workitem:acme:bare-key", false},
		{"workitem:other:bare-key", true},
		{"task:acme:x:y", true},
	}
	for _, tc := range cases {
		_, err := CanonicalizeWorkItemExternalID(tc.input, "acme")
		if tc.wantError {
			assert.Error(t, err, tc.input)
		} else {
			assert.NoError(t, err, tc.input)
		}
	}
}

func TestCanonicalizeTaskExternalID(t *testing.T) {
	got, err := CanonicalizeTaskExternalID("fix-bug", "acme", "login-flow")
	require.NoError(t, err)
	assert.Equal(t, "task:acme:login-flow:fix-bug", got)

	_, err = CanonicalizeTaskExternalID("task:acme:other:fix-bug", "acme", "login-flow")
	require.ErrorIs(t, err, ErrInvalidExternalID)
}

func TestMakeSkTaskHashLabel(t *testing.T) {
	label := MakeSkTaskHashLabel("task:acme:login-flow:fix-bug")
	assert.True(t, len(label) == len("SK:TASKH:")+16)
	assert.Equal(t, "SK:TASKH:"+Sha256Hex("task:acme:login-flow:fix-bug")[:16], label)
}

func TestParseSkRoutingLabel_Direct(t *testing.T) {
	rl := ParseSkRoutingLabel("SK:TASK:task:acme:login-flow:fix-bug")
	require.NotNil(t, rl)
	assert.True(t, rl.Direct)
	assert.Equal(t, models.EntityTask, rl.EntityType)
	assert.Equal(t, "task:acme:login-flow:fix-bug", rl.EntityExternalID)
}

func TestParseSkRoutingLabel_TaskHash(t *testing.T) {
	rl := ParseSkRoutingLabel("SK:TASKH:0123456789abcdef")
	require.NotNil(t, rl)
	assert.True(t, rl.TaskHash)
	assert.Equal(t, "0123456789abcdef", rl.Hash)
}

func TestParseSkRoutingLabel_NotSk(t *testing.T) {
	assert.Nil(t, ParseSkRoutingLabel("random label"))
	assert.Nil(t, ParseSkRoutingLabel(""))
}

func TestBuildSkMessageKey_Deterministic(t *testing.T) {
	k1 := BuildSkMessageKey("sess-1", "", models.RoleUser, 1000, "hello")
	k2 := BuildSkMessageKey("sess-1", "", models.RoleUser, 1000, "hello")
	assert.Equal(t, k1, k2)

	withID := BuildSkMessageKey("sess-1", "msg-1", models.RoleUser, 1000, "hello")
	assert.Equal(t, "sess-1:msg-1", withID)
}

func TestBuildSkToolCallKey(t *testing.T) {
	assert.Equal(t, "sess-1:tc1", BuildSkToolCallKey("sess-1", "tc1"))
}

func TestParseSessionFileContext(t *testing.T) {
	ctx := ParseSessionFileContext("/state/agents/work/sessions/abc-123-topic-my%2Ftopic.jsonl")
	assert.Equal(t, "work", ctx.AgentID)
	assert.Equal(t, "abc-123", ctx.SessionID)
	assert.Equal(t, "my/topic", ctx.TopicID)
}

func TestTruncateLabel(t *testing.T) {
	short := "short-label"
	assert.Equal(t, short, TruncateLabel(short))

	long := ""
	for i := 0; i < 80; i++ {
		long += "x"
	}
	truncated := TruncateLabel(long)
	assert.LessOrEqual(t, len(truncated), 64)
	assert.Contains(t, truncated, "~")
}
