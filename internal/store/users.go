package store

import (
	"context"
	"database/sql"
	"errors"
)

// GetOrCreateUser resolves a user record within a namespace, creating it on
// first sight.
func (s *Store) GetOrCreateUser(ctx context.Context, id, namespace string) (*User, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	var user User
	err := s.ro.GetContext(ctx, &user, `SELECT * FROM users WHERE id = ? AND namespace = ?`, id, namespace)
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	user = User{ID: id, Namespace: namespace, CreatedAt: nowMs()}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, namespace, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, user.ID, user.Namespace, user.CreatedAt); err != nil {
		return nil, err
	}
	return &user, nil
}
