// Package hooks provides an event-driven lifecycle hook system the session
// controller subscribes to in order to react to agent runtime events.
package hooks

import (
	"context"
	"time"
)

// EventType identifies the category of lifecycle hook event.
type EventType string

const (
	// EventAgentEnd fires when any agent session terminates, regardless of
	// whether it was spawned by the session controller.
	EventAgentEnd EventType = "agent_end"

	// EventSubagentSpawned fires when a session spawns a child session,
	// carrying the parent/child relationship needed for wake-parent tracking.
	EventSubagentSpawned EventType = "subagent_spawned"

	// EventSubagentEnded fires when a spawned child session terminates. It is
	// the fallback close path and the trigger for the wake-parent tracker.
	EventSubagentEnded EventType = "subagent_ended"

	// EventGatewayStartup fires once the gateway's WebSocket listener is ready.
	EventGatewayStartup EventType = "gateway.startup"

	// EventGatewayShutdown fires as the gateway begins a graceful shutdown.
	EventGatewayShutdown EventType = "gateway.shutdown"
)

// Outcome is the terminal outcome reported by the agent runtime for a session.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeTimeout Outcome = "timeout"
	OutcomeError   Outcome = "error"
	OutcomeKilled  Outcome = "killed"
	OutcomeReset   Outcome = "reset"
	OutcomeDeleted Outcome = "deleted"
)

// Event represents a lifecycle hook event with context and payload.
type Event struct {
	// Type is the event category.
	Type EventType `json:"type"`

	// SessionKey identifies the session this event relates to.
	SessionKey string `json:"sessionKey,omitempty"`

	// RunID identifies the spawn run that produced SessionKey, when known.
	RunID string `json:"runId,omitempty"`

	// Action further qualifies Type for handlers registered against a
	// specific "type:action" key (see Registry.Trigger).
	Action string `json:"action,omitempty"`

	// ParentSessionKey identifies the requesting/parent session, present on
	// subagent_spawned and subagent_ended events.
	ParentSessionKey string `json:"parentSessionKey,omitempty"`

	// ChildSessionKey identifies the spawned child session.
	ChildSessionKey string `json:"childSessionKey,omitempty"`

	// Outcome is the terminal outcome reported by the agent runtime.
	Outcome Outcome `json:"outcome,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Context holds additional event-specific data.
	Context map[string]any `json:"context,omitempty"`

	// Error if this is an error event.
	Error    error  `json:"-"`
	ErrorMsg string `json:"error,omitempty"`
}

// Handler is a function that processes hook events.
// Handlers should be fast and non-blocking. Long-running operations
// should be dispatched to goroutines.
type Handler func(ctx context.Context, event *Event) error

// Priority determines the order handlers are called.
type Priority int

const (
	PriorityHighest Priority = 0
	PriorityHigh    Priority = 25
	PriorityNormal  Priority = 50
	PriorityLow     Priority = 75
	PriorityLowest  Priority = 100
)

// Registration represents a registered hook handler.
type Registration struct {
	// ID is a unique identifier for this registration.
	ID string

	// EventKey is the event type this handler listens for.
	EventKey string

	// Handler is the function to call.
	Handler Handler

	// Priority determines call order (lower = earlier).
	Priority Priority

	// Name is a human-readable name for debugging.
	Name string

	// Source identifies where this handler came from (component name, etc).
	Source string
}

// Filter allows selective event handling.
type Filter struct {
	// EventTypes to include (empty = all).
	EventTypes []EventType

	// SessionKeys to include (empty = all).
	SessionKeys []string
}

// Matches checks if an event matches the filter.
func (f *Filter) Matches(event *Event) bool {
	if f == nil {
		return true
	}

	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == event.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.SessionKeys) > 0 {
		found := false
		for _, k := range f.SessionKeys {
			if k == event.SessionKey {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// NewEvent creates a new event with timestamp set.
func NewEvent(eventType EventType) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Context:   make(map[string]any),
	}
}

// WithSession sets the session key on the event.
func (e *Event) WithSession(sessionKey string) *Event {
	e.SessionKey = sessionKey
	return e
}

// WithContext adds context data to the event.
func (e *Event) WithContext(key string, value any) *Event {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithError sets the error on the event.
func (e *Event) WithError(err error) *Event {
	e.Error = err
	if err != nil {
		e.ErrorMsg = err.Error()
	}
	return e
}
