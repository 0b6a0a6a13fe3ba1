package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jmoiron/sqlx"
)

// GetSortPreference returns a user's session ordering preference, or
// ErrNotFound when none is stored.
func (s *Store) GetSortPreference(ctx context.Context, namespace, userID string) (*SortPreference, error) {
	var pref SortPreference
	err := s.ro.GetContext(ctx, &pref, `SELECT * FROM session_sort_preferences WHERE namespace = ? AND user_id = ?`, namespace, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pref, nil
}

// SetSortPreference performs a CAS write of the preference. expectedVersion 0
// means "create": it succeeds only when no row exists yet. The read and
// write run in one transaction so two processes racing on an absent row
// resolve to exactly one success and one version-mismatch.
func (s *Store) SetSortPreference(ctx context.Context, namespace, userID string, value json.RawMessage, expectedVersion int64) (*VersionedUpdate, error) {
	result := &VersionedUpdate{Result: UpdateError}
	err := inTx(s.db, func(tx *sqlx.Tx) error {
		var current SortPreference
		err := tx.GetContext(ctx, &current, `SELECT * FROM session_sort_preferences WHERE namespace = ? AND user_id = ?`, namespace, userID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if expectedVersion != 0 {
				result.Result = UpdateVersionMismatch
				result.Version = 0
				return nil
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO session_sort_preferences (namespace, user_id, value, version, updated_at)
				VALUES (?, ?, ?, 1, ?)
			`, namespace, userID, string(value), nowMs()); err != nil {
				return err
			}
			result.Result = UpdateSuccess
			result.Version = 1
			result.Value = value
			return nil
		case err != nil:
			return err
		}

		if current.Version != expectedVersion {
			result.Result = UpdateVersionMismatch
			result.Version = current.Version
			result.Value = json.RawMessage(current.Value)
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE session_sort_preferences SET value = ?, version = version + 1, updated_at = ?
			WHERE namespace = ? AND user_id = ?
		`, string(value), nowMs(), namespace, userID); err != nil {
			return err
		}
		result.Result = UpdateSuccess
		result.Version = expectedVersion + 1
		result.Value = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
