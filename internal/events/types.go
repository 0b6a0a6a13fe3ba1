// Package events defines the canonical sync event fabric: every observable
// state change in the hub is published exactly once as a SyncEvent and fanned
// out to matching subscriptions.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SyncEventType enumerates the canonical event kinds subscribers see.
type SyncEventType string

const (
	SessionAdded      SyncEventType = "session-added"
	SessionUpdated    SyncEventType = "session-updated"
	SessionRemoved    SyncEventType = "session-removed"
	MachineUpdated    SyncEventType = "machine-updated"
	MessageReceived   SyncEventType = "message-received"
	ToastEvent        SyncEventType = "toast"
	ConnectionChanged SyncEventType = "connection-changed"
	HeartbeatEvent    SyncEventType = "heartbeat"
)

// SyncEvent is one observable state change. Data carries the event-specific
// payload as opaque JSON; consumers diff it against their cached summaries.
type SyncEvent struct {
	ID        string          `json:"id"`
	Type      SyncEventType   `json:"type"`
	Namespace string          `json:"namespace"`
	SessionID string          `json:"sessionId,omitempty"`
	MachineID string          `json:"machineId,omitempty"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewSyncEvent creates an event with a fresh id and current timestamp.
func NewSyncEvent(eventType SyncEventType, namespace string, data json.RawMessage) *SyncEvent {
	return &SyncEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Namespace: namespace,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// SubjectForNamespace builds the bus subject one namespace's events travel
// on. Routers subscribe with SubjectAllNamespaces and filter locally.
func SubjectForNamespace(namespace string) string {
	return "sync." + namespace
}

// SubjectAllNamespaces matches every namespace's event subject.
const SubjectAllNamespaces = "sync.*"
