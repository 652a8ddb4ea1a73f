package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeHeaderValue_StripsControlCharsAndCollapsesWhitespace(t *testing.T) {
	raw := "hello\tworld\x01\x02   foo\x7fbar"
	got := SanitizeHeaderValue(raw)
	assert.NotContains(t, got, "\x01")
	assert.NotContains(t, got, "\x7f")
	assert.False(t, strings.Contains(got, "  "))
}

func TestSanitizeHeaderValue_CapsLengthWithoutSplittingSurrogatePairs(t *testing.T) {
	raw := strings.Repeat("a", 250) + strings.Repeat("\U0001F600", 50)
	got := SanitizeHeaderValue(raw)
	units := utf16.Encode([]rune(got))
	assert.LessOrEqual(t, len(units), 300)
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, int64(defaultMaxPayloadBytes), cfg.MaxPayloadBytes)
	assert.Equal(t, int64(defaultMaxBufferedBytes), cfg.MaxBufferedBytes)
	assert.Equal(t, defaultTickInterval, cfg.TickInterval)
}

func TestRegistry_RegisterBumpsPresenceVersion(t *testing.T) {
	r := NewRegistry(nil, nil)
	c := &Conn{ID: "c1", send: make(chan []byte, 4), cfg: Config{MaxBufferedBytes: 1 << 20}}
	r.register(c)
	assert.Equal(t, int64(1), r.presenceVersion)

	r.unregister(c, "normal")
	assert.Equal(t, int64(2), r.presenceVersion)
}

func TestRegistry_BumpHealthIncrementsMonotonically(t *testing.T) {
	r := NewRegistry(nil, nil)
	v1 := r.bumpHealth()
	v2 := r.bumpHealth()
	assert.Equal(t, v1+1, v2)
}

func TestRegistry_SendAgent_RoutesToBoundSession(t *testing.T) {
	r := NewRegistry(nil, nil)
	c := &Conn{ID: "c1", send: make(chan []byte, 4), cfg: Config{MaxBufferedBytes: 1 << 20}}
	r.BindSession("session-1", c)

	err := r.SendAgent(context.Background(), "session-1", map[string]any{"text": "hi"})
	require.NoError(t, err)

	select {
	case msg := <-c.send:
		assert.Contains(t, string(msg), `"event":"agent"`)
	default:
		t.Fatal("expected a frame to be queued on the connection's send channel")
	}
}

func TestRegistry_SendAgent_UnboundSessionReturnsError(t *testing.T) {
	r := NewRegistry(nil, nil)
	err := r.SendAgent(context.Background(), "nobody-home", map[string]any{})
	assert.ErrorIs(t, err, ErrSessionNotConnected)
}

func TestConn_Call_DeliversMatchingResponse(t *testing.T) {
	c := &Conn{ID: "c1", send: make(chan []byte, 4), cfg: Config{MaxBufferedBytes: 1 << 20}}

	type result struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan result, 1)
	go func() {
		payload, err := c.Call(context.Background(), "sessions.spawn", map[string]any{"task": "do it"})
		done <- result{payload, err}
	}()

	var sent frame
	select {
	case raw := <-c.send:
		require.NoError(t, json.Unmarshal(raw, &sent))
	case <-time.After(time.Second):
		t.Fatal("expected a call frame to be sent")
	}
	assert.Equal(t, "call", sent.Type)
	assert.Equal(t, "sessions.spawn", sent.Method)
	assert.NotEmpty(t, sent.ID)

	c.deliverResponse(frame{Type: "res", ID: sent.ID, Payload: map[string]any{"accepted": true}})

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Contains(t, string(r.payload), `"accepted":true`)
	case <-time.After(time.Second):
		t.Fatal("Call did not return after a matching response")
	}
}

func TestConn_Call_TimesOutWhenContextDone(t *testing.T) {
	c := &Conn{ID: "c1", send: make(chan []byte, 4), cfg: Config{MaxBufferedBytes: 1 << 20}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Call(ctx, "sessions.spawn", map[string]any{})
	assert.ErrorIs(t, err, ErrCallTimeout)
}

func TestRegistry_CallAgent_UnboundSessionReturnsError(t *testing.T) {
	r := NewRegistry(nil, nil)
	_, err := r.CallAgent(context.Background(), "nobody-home", "sessions.spawn", map[string]any{})
	assert.ErrorIs(t, err, ErrSessionNotConnected)
}

func TestRegistry_UnregisterClearsSessionBinding(t *testing.T) {
	r := NewRegistry(nil, nil)
	c := &Conn{ID: "c1", send: make(chan []byte, 4), cfg: Config{MaxBufferedBytes: 1 << 20}}
	r.register(c)
	r.BindSession("session-1", c)

	r.unregister(c, "normal")

	err := r.SendAgent(context.Background(), "session-1", map[string]any{})
	assert.ErrorIs(t, err, ErrSessionNotConnected)
}
