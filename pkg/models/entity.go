package models

// EntityType is one of the three Super-Kanban entity kinds a session can be
// bound to.
type EntityType string

const (
	EntityProject  EntityType = "PROJECT"
	EntityWorkItem EntityType = "WORK_ITEM"
	EntityTask     EntityType = "TASK"
)

// SpawnLevel is the depth at which a spawn-tool invocation binds a session.
type SpawnLevel string

const (
	LevelOrion  SpawnLevel = "ORION"
	LevelAtlas  SpawnLevel = "ATLAS"
	LevelWorker SpawnLevel = "WORKER"
)

// EntityStatusForLevel returns the EntityType a given SpawnLevel binds to.
func EntityStatusForLevel(level SpawnLevel) EntityType {
	switch level {
	case LevelWorker:
		return EntityTask
	case LevelAtlas:
		return EntityWorkItem
	default:
		return EntityProject
	}
}

// SessionBinding resolves a transcript session to the Super-Kanban entity it
// is driving, derived from the agent runtime's sessions.json index plus
// session-label parsing.
type SessionBinding struct {
	SessionKey       string     `json:"sessionKey"`
	Label            string     `json:"label"`
	EntityType       EntityType `json:"entityType"`
	EntityExternalID string     `json:"entityExternalId"`
}

// SessionIndexEntry is one value in sessions.json: `{ sessionId, label? }`.
type SessionIndexEntry struct {
	SessionID string `json:"sessionId"`
	Label     string `json:"label,omitempty"`
}

// RoutingLabel is the parsed form of a "SK:..." session label.
type RoutingLabel struct {
	// Direct labels (SK:PROJECT:..., SK:WORK_ITEM:..., SK:TASK:...) resolve
	// immediately to an entity type + external id.
	Direct           bool
	EntityType       EntityType
	EntityExternalID string

	// Hashed labels (SK:TASKH:<hash16>) require a label-map / transcript scan
	// to resolve to an external id.
	TaskHash bool
	Label    string
	Hash     string
}

// LabelMapEntry is one append-only row of label-map.json, mapping a
// discovered external id to its hashed label.
type LabelMapEntry struct {
	ExternalID string `json:"externalId"`
	Label      string `json:"label"`
	Hash       string `json:"hash"`
}
