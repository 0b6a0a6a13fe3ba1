package store

import (
	"context"
	"database/sql"
	"errors"
)

// SaveDraft stores a session's compose buffer, last-writer-wins by
// timestamp. Stale writes are dropped silently.
func (s *Store) SaveDraft(ctx context.Context, sessionID, namespace, content string, updatedAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drafts (session_id, namespace, content, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at
		WHERE excluded.updated_at >= drafts.updated_at
	`, sessionID, namespace, content, updatedAt)
	return err
}

// GetDraft returns a session's draft, or ErrNotFound.
func (s *Store) GetDraft(ctx context.Context, sessionID, namespace string) (*Draft, error) {
	var draft Draft
	err := s.ro.GetContext(ctx, &draft, `SELECT * FROM drafts WHERE session_id = ? AND namespace = ?`, sessionID, namespace)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &draft, nil
}

// DeleteDraft clears a session's draft.
func (s *Store) DeleteDraft(ctx context.Context, sessionID, namespace string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE session_id = ? AND namespace = ?`, sessionID, namespace)
	return err
}
