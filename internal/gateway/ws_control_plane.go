// Package gateway implements the WebSocket control plane (C10): a
// per-connection state machine with a handshake challenge, backpressure
// guarded sends, header sanitization for close logging, and a monotonic
// presence/health broadcast.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openclaw/sksync/internal/observability"
)

const (
	defaultMaxPayloadBytes    = 1 << 20
	defaultMaxBufferedBytes   = 1 << 20
	defaultTickInterval       = 15 * time.Second
	defaultPongWait           = 45 * time.Second
	defaultWriteWait          = 10 * time.Second
	defaultHandshakeTimeout   = 10 * time.Second
	sanitizedHeaderMaxUnits   = 300
)

// HandshakeState is the connection's progress through the challenge.
type HandshakeState string

const (
	HandshakePending   HandshakeState = "pending"
	HandshakeConnected HandshakeState = "connected"
	HandshakeFailed    HandshakeState = "failed"
)

// Config controls connection limits and timers for the control plane.
type Config struct {
	MaxPayloadBytes    int64
	MaxBufferedBytes   int64
	TickInterval       time.Duration
	PongWait           time.Duration
	WriteWait          time.Duration
	HandshakeTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	if c.MaxBufferedBytes <= 0 {
		c.MaxBufferedBytes = defaultMaxBufferedBytes
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	return c
}

// Registry tracks process-wide presence/health versions and the set of
// live connections, fanning out broadcasts under a single mutex.
type Registry struct {
	mu              sync.Mutex
	conns           map[string]*Conn
	sessionConns    map[string]*Conn
	presenceVersion int64
	healthVersion   int64
	metrics         *observability.Metrics
	logger          *slog.Logger
}

// NewRegistry builds an empty connection registry.
func NewRegistry(metrics *observability.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{conns: make(map[string]*Conn), sessionConns: make(map[string]*Conn), metrics: metrics, logger: logger}
}

func (r *Registry) register(c *Conn) {
	r.mu.Lock()
	r.conns[c.ID] = c
	r.presenceVersion++
	version := r.presenceVersion
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.GatewayConnectionsTotal.Inc()
		r.metrics.GatewayConnectionsActive.Inc()
		r.metrics.GatewayPresenceVersion.Set(float64(version))
	}
	r.broadcastPresence()
}

func (r *Registry) unregister(c *Conn, cause string) {
	r.mu.Lock()
	_, existed := r.conns[c.ID]
	delete(r.conns, c.ID)
	c.mu.Lock()
	sessionKey := c.sessionKey
	c.mu.Unlock()
	if sessionKey != "" && r.sessionConns[sessionKey] == c {
		delete(r.sessionConns, sessionKey)
	}
	r.presenceVersion++
	version := r.presenceVersion
	r.mu.Unlock()
	if !existed {
		return
	}
	if r.metrics != nil {
		r.metrics.GatewayConnectionsActive.Dec()
		r.metrics.GatewayCloseTotal.WithLabelValues(cause).Inc()
		r.metrics.GatewayPresenceVersion.Set(float64(version))
	}
	r.broadcastPresence()
}

// BindSession associates sessionKey with c, so a later SendAgent call can
// route to it. A session rebinding to a new connection replaces the old
// mapping.
func (r *Registry) BindSession(sessionKey string, c *Conn) {
	if sessionKey == "" {
		return
	}
	c.mu.Lock()
	c.sessionKey = sessionKey
	c.mu.Unlock()
	r.mu.Lock()
	r.sessionConns[sessionKey] = c
	r.mu.Unlock()
}

// ErrSessionNotConnected is returned by SendAgent when no live connection is
// bound to the requested session key.
var ErrSessionNotConnected = fmt.Errorf("gateway: session not connected")

// SendAgent pushes an "agent" event frame to the connection bound to
// sessionKey, used by the session controller's wake-parent-on-end notice.
func (r *Registry) SendAgent(ctx context.Context, sessionKey string, payload any) error {
	r.mu.Lock()
	c, ok := r.sessionConns[sessionKey]
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotConnected
	}
	return c.SendEvent("agent", payload)
}

// CallAgent issues a server-initiated RPC to the connection bound to
// sessionKey and returns its raw JSON payload.
func (r *Registry) CallAgent(ctx context.Context, sessionKey, method string, params any) (json.RawMessage, error) {
	r.mu.Lock()
	c, ok := r.sessionConns[sessionKey]
	r.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotConnected
	}
	return c.Call(ctx, method, params)
}

func (r *Registry) bumpHealth() int64 {
	r.mu.Lock()
	r.healthVersion++
	version := r.healthVersion
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.GatewayHealthVersion.Set(float64(version))
	}
	return version
}

func (r *Registry) broadcastPresence() {
	r.mu.Lock()
	snapshot := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		snapshot = append(snapshot, c)
	}
	version := r.presenceVersion
	r.mu.Unlock()

	for _, c := range snapshot {
		_ = c.SendEvent("presence", map[string]any{"presenceVersion": version, "connCount": len(snapshot)})
	}
}

// frame is the wire envelope used for both requests and server-pushed
// events.
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// closeCause records why a connection ended, for structured logging.
type closeCause struct {
	Cause string
	Meta  map[string]any
}

// Conn is one accepted WebSocket connection's scratchpad and I/O loops.
type Conn struct {
	ID     string
	cfg    Config
	ws     *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	registry *Registry
	logger   *slog.Logger
	handler  FrameHandler

	bufferedBytes atomic.Int64

	mu             sync.Mutex
	handshakeState HandshakeState
	closed         bool
	closeCauseVal  *closeCause
	lastFrameType  string
	lastFrameMeth  string
	lastFrameID    string
	sessionKey     string
	startedAt      time.Time
	seq            int64
	pending        map[string]chan frame
}

// FrameHandler processes one post-handshake request frame and returns the
// response payload (or an error, translated into an error frame).
type FrameHandler func(ctx context.Context, conn *Conn, method string, params json.RawMessage) (any, error)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Accept upgrades an HTTP request to a WebSocket connection and runs its
// read/write loops until the socket closes.
func Accept(w http.ResponseWriter, r *http.Request, registry *Registry, cfg Config, handler FrameHandler) error {
	cfg = cfg.withDefaults()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(r.Context())
	conn := &Conn{
		ID:             uuid.NewString(),
		cfg:            cfg,
		ws:             ws,
		send:           make(chan []byte, 64),
		ctx:            ctx,
		cancel:         cancel,
		registry:       registry,
		logger:         registry.logger,
		handler:        handler,
		handshakeState: HandshakePending,
		startedAt:      time.Now(),
	}
	conn.run(r)
	return nil
}

func (c *Conn) run(r *http.Request) {
	defer c.finish(r)
	go c.writeLoop()

	if err := c.sendChallenge(); err != nil {
		c.recordClose("challenge-send-failed", map[string]any{"error": err.Error()})
		return
	}

	timer := time.AfterFunc(c.cfg.HandshakeTimeout, func() {
		c.mu.Lock()
		pending := c.handshakeState == HandshakePending
		c.mu.Unlock()
		if pending {
			c.mu.Lock()
			c.handshakeState = HandshakeFailed
			c.mu.Unlock()
			c.recordClose("handshake-timeout", nil)
			_ = c.ws.Close()
		}
	})
	defer timer.Stop()

	c.registry.register(c)
	c.readLoop()
}

func (c *Conn) sendChallenge() error {
	return c.sendFrame(frame{
		Type:  "event",
		Event: "connect.challenge",
		Payload: map[string]any{
			"nonce": uuid.NewString(),
			"ts":    time.Now().UnixMilli(),
		},
	})
}

func (c *Conn) readLoop() {
	c.ws.SetReadLimit(c.cfg.MaxPayloadBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.recordClose("read-error", map[string]any{"error": err.Error()})
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.sendErrorFrame("", "invalid_frame", err.Error())
			continue
		}
		c.mu.Lock()
		c.lastFrameType = f.Type
		c.lastFrameMeth = f.Method
		c.lastFrameID = f.ID
		c.mu.Unlock()

		if f.Type == "res" {
			c.deliverResponse(f)
			continue
		}

		if f.Method == "connect" {
			c.mu.Lock()
			c.handshakeState = HandshakeConnected
			c.mu.Unlock()
			var connectParams struct {
				SessionKey string `json:"sessionKey"`
			}
			if len(f.Params) > 0 && json.Unmarshal(f.Params, &connectParams) == nil && connectParams.SessionKey != "" {
				c.registry.BindSession(connectParams.SessionKey, c)
			}
			_ = c.sendResponse(f.ID, true, map[string]any{"connId": c.ID}, nil)
			continue
		}

		c.mu.Lock()
		connected := c.handshakeState == HandshakeConnected
		c.mu.Unlock()
		if !connected {
			c.sendErrorFrame(f.ID, "handshake_required", "first request must be connect")
			continue
		}

		if c.handler == nil {
			c.sendErrorFrame(f.ID, "unhandled", "no frame handler configured")
			continue
		}
		payload, err := c.handler(c.ctx, c, f.Method, f.Params)
		if err != nil {
			c.sendErrorFrame(f.ID, "request_failed", err.Error())
			continue
		}
		_ = c.sendResponse(f.ID, true, payload, nil)
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			err := c.ws.WriteMessage(websocket.TextMessage, msg)
			c.bufferedBytes.Add(-int64(len(msg)))
			if err != nil {
				return
			}
		}
	}
}

// ErrCallTimeout is returned by Call when ctx is done before a matching
// response frame arrives.
var ErrCallTimeout = fmt.Errorf("gateway: call timed out waiting for response")

// Call issues a server-initiated request frame ("call") to the connection
// and blocks until a matching "res" frame arrives (or ctx is done), used by
// the session controller's spawn/send hooks to RPC into the embedding
// agent runtime over the same connection it used to bind its session key.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	ch := make(chan frame, 1)
	c.mu.Lock()
	if c.pending == nil {
		c.pending = map[string]chan frame{}
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.sendFrame(frame{Type: "call", ID: id, Method: method, Params: paramsJSON}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ErrCallTimeout
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("gateway: call %s failed: %s: %s", method, resp.Error.Code, resp.Error.Message)
		}
		payload, err := json.Marshal(resp.Payload)
		if err != nil {
			return nil, err
		}
		return payload, nil
	}
}

func (c *Conn) deliverResponse(f frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- f:
	default:
	}
}

func (c *Conn) sendResponse(id string, ok bool, payload any, frameErr *frameError) error {
	return c.sendFrame(frame{Type: "res", ID: id, OK: &ok, Payload: payload, Error: frameErr})
}

// SendEvent pushes a server-initiated event frame, subject to the
// backpressure guard.
func (c *Conn) SendEvent(event string, payload any) error {
	seq := atomic.AddInt64(&c.seq, 1)
	return c.sendFrame(frame{Type: "event", Event: event, Payload: payload, Seq: &seq})
}

func (c *Conn) sendErrorFrame(id, code, message string) {
	_ = c.sendResponse(id, false, nil, &frameError{Code: code, Message: message})
}

// ErrBackpressure is returned by sendFrame when the connection was closed
// for exceeding its buffered-bytes budget.
var ErrBackpressure = fmt.Errorf("gateway: slow consumer")

// sendFrame implements the mandatory backpressure-guarded send: check
// buffered bytes before serializing (phase "pre-stringify"), then again
// after serializing (phase "pre-send"), closing with code 1008 on either
// violation.
func (c *Conn) sendFrame(f frame) error {
	buffered := c.bufferedBytes.Load()
	if buffered > c.cfg.MaxBufferedBytes {
		c.closeForBackpressure("pre-stringify", buffered, 0)
		return ErrBackpressure
	}

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	frameBytes := int64(len(data))
	if buffered+frameBytes > c.cfg.MaxBufferedBytes {
		c.closeForBackpressure("pre-send", buffered, frameBytes)
		return ErrBackpressure
	}

	select {
	case c.send <- data:
		c.bufferedBytes.Add(frameBytes)
		return nil
	default:
		c.closeForBackpressure("pre-send", buffered, frameBytes)
		return ErrBackpressure
	}
}

func (c *Conn) closeForBackpressure(phase string, bufferedAmount, frameBytes int64) {
	meta := map[string]any{
		"maxBufferedBytes": c.cfg.MaxBufferedBytes,
		"bufferedAmount":   bufferedAmount,
		"phase":            phase,
	}
	if frameBytes > 0 {
		meta["frameBytes"] = frameBytes
	}
	c.recordClose("ws-backpressure", meta)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(1008, "slow consumer"),
		time.Now().Add(time.Second))
	_ = c.ws.Close()
}

func (c *Conn) recordClose(cause string, meta map[string]any) {
	c.mu.Lock()
	if c.closeCauseVal == nil {
		c.closeCauseVal = &closeCause{Cause: cause, Meta: meta}
	}
	c.mu.Unlock()
}

func (c *Conn) finish(r *http.Request) {
	c.mu.Lock()
	cause := c.closeCauseVal
	lastType, lastMethod, lastID := c.lastFrameType, c.lastFrameMeth, c.lastFrameID
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	close(c.send)
	_ = c.ws.Close()

	causeName := "normal"
	var meta map[string]any
	if cause != nil {
		causeName = cause.Cause
		meta = cause.Meta
	}

	c.registry.unregister(c, causeName)
	c.logger.Info("gateway connection closed",
		"conn_id", c.ID,
		"cause", causeName,
		"duration_ms", time.Since(c.startedAt).Milliseconds(),
		"last_frame_type", lastType,
		"last_frame_method", lastMethod,
		"last_frame_id", lastID,
		"close_meta", meta,
		"headers", sanitizeHeaders(r.Header),
	)
}

func sanitizeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, values := range h {
		if len(values) == 0 {
			continue
		}
		out[k] = SanitizeHeaderValue(values[0])
	}
	return out
}

// SanitizeHeaderValue replaces Unicode format characters and C0/C1 control
// characters with a single space, collapses whitespace runs, trims, and
// caps the result at 300 UTF-16 code units without splitting a surrogate
// pair.
func SanitizeHeaderValue(raw string) string {
	var b strings.Builder
	lastWasSpace := false
	for _, r := range raw {
		if unicode.Is(unicode.Cf, r) || r <= 0x1F || (r >= 0x7F && r <= 0x9F) || unicode.IsSpace(r) {
			if !lastWasSpace {
				b.WriteRune(' ')
				lastWasSpace = true
			}
			continue
		}
		b.WriteRune(r)
		lastWasSpace = false
	}
	sanitized := strings.TrimSpace(b.String())
	return truncateUTF16(sanitized, sanitizedHeaderMaxUnits)
}

func truncateUTF16(s string, maxUnits int) string {
	units := utf16Len(s)
	if units <= maxUnits {
		return s
	}
	runes := []rune(s)
	count := 0
	cut := len(runes)
	for i, r := range runes {
		w := 1
		if r > 0xFFFF {
			w = 2
		}
		if count+w > maxUnits {
			cut = i
			break
		}
		count += w
	}
	return string(runes[:cut])
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if r > 0xFFFF {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// BumpHealthAndBroadcast increments the process-wide health version, sends a
// "health" event carrying it to every registered connection, and returns the
// new version.
func (r *Registry) BumpHealthAndBroadcast() int64 {
	version := r.bumpHealth()
	r.mu.Lock()
	snapshot := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		snapshot = append(snapshot, c)
	}
	r.mu.Unlock()
	for _, c := range snapshot {
		_ = c.SendEvent("health", map[string]any{"healthVersion": version})
	}
	return version
}
