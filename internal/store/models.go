package store

import (
	"encoding/json"

	"github.com/jmoiron/sqlx/types"
)

// DefaultNamespace scopes records that were created without an explicit
// tenant.
const DefaultNamespace = "default"

// Session is the durable record of one agent conversation hosted by a runner.
// Timestamps are Unix milliseconds.
type Session struct {
	ID                string          `db:"id" json:"id"`
	Tag               string          `db:"tag" json:"tag"`
	Namespace         string          `db:"namespace" json:"namespace"`
	MachineID         *string         `db:"machine_id" json:"machineId,omitempty"`
	CreatedAt         int64           `db:"created_at" json:"createdAt"`
	UpdatedAt         int64           `db:"updated_at" json:"updatedAt"`
	Metadata          types.JSONText  `db:"metadata" json:"metadata"`
	MetadataVersion   int64           `db:"metadata_version" json:"metadataVersion"`
	AgentState        types.JSONText  `db:"agent_state" json:"agentState"`
	AgentStateVersion int64           `db:"agent_state_version" json:"agentStateVersion"`
	Todos             types.JSONText  `db:"todos" json:"todos,omitempty"`
	TodosUpdatedAt    *int64          `db:"todos_updated_at" json:"todosUpdatedAt,omitempty"`
	Active            bool            `db:"active" json:"active"`
	ActiveAt          int64           `db:"active_at" json:"activeAt"`
	Thinking          bool            `db:"thinking" json:"thinking"`
	ThinkingAt        int64           `db:"thinking_at" json:"thinkingAt"`
	Seq               int64           `db:"seq" json:"seq"`
}

// Machine is the durable record of a runner host. The id is client-supplied
// and stable across restarts.
type Machine struct {
	ID                 string          `db:"id" json:"id"`
	Namespace          string          `db:"namespace" json:"namespace"`
	CreatedAt          int64           `db:"created_at" json:"createdAt"`
	UpdatedAt          int64           `db:"updated_at" json:"updatedAt"`
	Metadata           types.JSONText  `db:"metadata" json:"metadata"`
	MetadataVersion    int64           `db:"metadata_version" json:"metadataVersion"`
	RunnerState        types.JSONText  `db:"runner_state" json:"runnerState"`
	RunnerStateVersion int64           `db:"runner_state_version" json:"runnerStateVersion"`
	Active             bool            `db:"active" json:"active"`
	ActiveAt           int64           `db:"active_at" json:"activeAt"`
	Seq                int64           `db:"seq" json:"seq"`
}

// Message is an append-only entry in a session's history. Seq is dense and
// per-session, starting at 1.
type Message struct {
	ID        string          `db:"id" json:"id"`
	SessionID string          `db:"session_id" json:"sessionId"`
	Seq       int64           `db:"seq" json:"seq"`
	LocalID   *string        `db:"local_id" json:"localId,omitempty"`
	Content   types.JSONText `db:"content" json:"content"`
	CreatedAt int64           `db:"created_at" json:"createdAt"`
}

// User is a flat account record scoped to a namespace.
type User struct {
	ID        string `db:"id" json:"id"`
	Namespace string `db:"namespace" json:"namespace"`
	CreatedAt int64  `db:"created_at" json:"createdAt"`
}

// PushSubscription is a web-push endpoint registration. (namespace, endpoint)
// is unique.
type PushSubscription struct {
	ID        string `db:"id" json:"id"`
	Namespace string `db:"namespace" json:"namespace"`
	Endpoint  string `db:"endpoint" json:"endpoint"`
	KeyP256dh string `db:"key_p256dh" json:"keyP256dh"`
	KeyAuth   string `db:"key_auth" json:"keyAuth"`
	CreatedAt int64  `db:"created_at" json:"createdAt"`
}

// SortPreference is a versioned per-namespace session ordering preference.
type SortPreference struct {
	Namespace string         `db:"namespace" json:"namespace"`
	UserID    string         `db:"user_id" json:"userId"`
	Value     types.JSONText `db:"value" json:"value"`
	Version   int64          `db:"version" json:"version"`
	UpdatedAt int64          `db:"updated_at" json:"updatedAt"`
}

// Draft is a last-write-wins per-session compose buffer.
type Draft struct {
	SessionID string `db:"session_id" json:"sessionId"`
	Namespace string `db:"namespace" json:"namespace"`
	Content   string `db:"content" json:"content"`
	UpdatedAt int64  `db:"updated_at" json:"updatedAt"`
}

// UpdateStatus is the tri-state outcome of a versioned write.
type UpdateStatus string

const (
	UpdateSuccess         UpdateStatus = "success"
	UpdateVersionMismatch UpdateStatus = "version-mismatch"
	UpdateError           UpdateStatus = "error"
)

// VersionedUpdate is the outcome of a CAS-on-version field write. On
// success Version and Value reflect the new state; on mismatch they carry
// the current winner so the caller can refresh and retry.
type VersionedUpdate struct {
	Result  UpdateStatus    `json:"result"`
	Version int64           `json:"version,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// MergeResult summarizes a message merge between two sessions.
// OldMaxSeq is the target's highest seq before the merge (the renumber
// offset); NewMaxSeq is the source's highest seq under its old numbering.
type MergeResult struct {
	Moved     int64 `json:"moved"`
	OldMaxSeq int64 `json:"oldMaxSeq"`
	NewMaxSeq int64 `json:"newMaxSeq"`
}
