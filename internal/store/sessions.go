package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
)

// CreateSessionParams are the inputs to GetOrCreateSession. When ID is empty
// the session is looked up by (namespace, tag) and created with a fresh UUID
// if absent. When ID is set the session must already exist.
type CreateSessionParams struct {
	ID         string
	Tag        string
	Namespace  string
	MachineID  *string
	Metadata   json.RawMessage
	AgentState json.RawMessage
}

// GetOrCreateSession resolves a session record for a runner claiming a
// tag/uuid. Lookups by explicit id never create.
func (s *Store) GetOrCreateSession(ctx context.Context, p CreateSessionParams) (*Session, error) {
	if p.Namespace == "" {
		p.Namespace = DefaultNamespace
	}
	if p.ID != "" {
		session, err := s.GetSession(ctx, p.ID, p.Namespace)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", p.ID, err)
		}
		return session, nil
	}

	if existing, err := s.getSessionByTag(ctx, p.Tag, p.Namespace); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	id := uuid.New().String()
	tag := p.Tag
	if tag == "" {
		tag = id
	}
	now := nowMs()
	session := &Session{
		ID:                id,
		Tag:               tag,
		Namespace:         p.Namespace,
		MachineID:         p.MachineID,
		CreatedAt:         now,
		UpdatedAt:         now,
		Metadata:          orEmptyObject(p.Metadata),
		MetadataVersion:   1,
		AgentState:        orEmptyObject(p.AgentState),
		AgentStateVersion: 1,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, tag, namespace, machine_id, created_at, updated_at, metadata, metadata_version, agent_state, agent_state_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.Tag, session.Namespace, session.MachineID, session.CreatedAt, session.UpdatedAt,
		string(session.Metadata), session.MetadataVersion, string(session.AgentState), session.AgentStateVersion)
	if err != nil {
		// A concurrent claim of the same tag wins the UNIQUE race; return it.
		if existing, lookupErr := s.getSessionByTag(ctx, tag, p.Namespace); lookupErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// GetSession fetches one session scoped to a namespace.
func (s *Store) GetSession(ctx context.Context, id, namespace string) (*Session, error) {
	var session Session
	err := s.ro.GetContext(ctx, &session, `SELECT * FROM sessions WHERE id = ? AND namespace = ?`, id, namespace)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Store) getSessionByTag(ctx context.Context, tag, namespace string) (*Session, error) {
	var session Session
	err := s.ro.GetContext(ctx, &session, `SELECT * FROM sessions WHERE tag = ? AND namespace = ?`, tag, namespace)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessions returns all sessions in a namespace, most recently updated
// first.
func (s *Store) ListSessions(ctx context.Context, namespace string) ([]*Session, error) {
	sessions := []*Session{}
	err := s.ro.SelectContext(ctx, &sessions, `SELECT * FROM sessions WHERE namespace = ? ORDER BY updated_at DESC`, namespace)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// ListSessionsByMachine returns a machine's sessions, oldest first.
func (s *Store) ListSessionsByMachine(ctx context.Context, machineID, namespace string) ([]*Session, error) {
	sessions := []*Session{}
	err := s.ro.SelectContext(ctx, &sessions, `SELECT * FROM sessions WHERE machine_id = ? AND namespace = ? ORDER BY created_at ASC`, machineID, namespace)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// DeleteSession removes a session; messages and drafts cascade.
func (s *Store) DeleteSession(ctx context.Context, id, namespace string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND namespace = ?`, id, namespace)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSessionMetadata performs a CAS write of the session metadata blob.
func (s *Store) UpdateSessionMetadata(ctx context.Context, id, namespace string, value json.RawMessage, expectedVersion int64) (*VersionedUpdate, error) {
	return s.updateVersioned(ctx, sessionMetadataField, id, namespace, value, expectedVersion, true)
}

// UpdateSessionAgentState performs a CAS write of the session agent state.
// Agent state churns on every keepalive, so it does not touch updated_at.
func (s *Store) UpdateSessionAgentState(ctx context.Context, id, namespace string, value json.RawMessage, expectedVersion int64) (*VersionedUpdate, error) {
	return s.updateVersioned(ctx, sessionAgentStateField, id, namespace, value, expectedVersion, false)
}

// SetSessionTodos stores the todo list iff the incoming timestamp is strictly
// newer than the stored one (or none is stored). Returns whether the write
// happened.
func (s *Store) SetSessionTodos(ctx context.Context, id, namespace string, todos json.RawMessage, todosUpdatedAt int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET todos = ?, todos_updated_at = ?, seq = seq + 1, updated_at = MAX(updated_at, ?)
		WHERE id = ? AND namespace = ?
		  AND (todos_updated_at IS NULL OR todos_updated_at < ?)
	`, string(todos), todosUpdatedAt, nowMs(), id, namespace, todosUpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkSessionAlive records a keepalive: active=true, activeAt advanced, and
// the optional thinking flag applied.
func (s *Store) MarkSessionAlive(ctx context.Context, id, namespace string, at int64, thinking bool) error {
	return s.markSessionLiveness(ctx, id, namespace, true, thinking, at)
}

// MarkSessionInactive flips a session inactive. Thinking always clears with
// activity: inactive sessions never report thinking=true.
func (s *Store) MarkSessionInactive(ctx context.Context, id, namespace string, at int64) error {
	return s.markSessionLiveness(ctx, id, namespace, false, false, at)
}

func (s *Store) markSessionLiveness(ctx context.Context, id, namespace string, active, thinking bool, at int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET active = ?, active_at = MAX(active_at, ?), thinking = ?, thinking_at = ?, seq = seq + 1, updated_at = MAX(updated_at, ?)
		WHERE id = ? AND namespace = ?
	`, boolToInt(active), at, boolToInt(thinking), at, at, id, namespace)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignSessionMachine binds a session to a machine id.
func (s *Store) AssignSessionMachine(ctx context.Context, id, namespace, machineID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET machine_id = ?, seq = seq + 1, updated_at = MAX(updated_at, ?) WHERE id = ? AND namespace = ?
	`, machineID, nowMs(), id, namespace)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// orEmptyObject converts an optional JSON blob into its stored form; missing
// blobs are stored as `{}` so TEXT columns are never NULL.
func orEmptyObject(raw json.RawMessage) types.JSONText {
	if len(raw) == 0 {
		return types.JSONText(`{}`)
	}
	return types.JSONText(raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
