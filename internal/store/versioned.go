package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
)

// versionedField names a (value, version) column pair that supports
// CAS-on-version updates. Only the pairs listed here may be written through
// updateVersioned; the column names are interpolated into SQL.
type versionedField struct {
	table      string
	valueCol   string
	versionCol string
}

var (
	sessionMetadataField    = versionedField{table: "sessions", valueCol: "metadata", versionCol: "metadata_version"}
	sessionAgentStateField  = versionedField{table: "sessions", valueCol: "agent_state", versionCol: "agent_state_version"}
	machineMetadataField    = versionedField{table: "machines", valueCol: "metadata", versionCol: "metadata_version"}
	machineRunnerStateField = versionedField{table: "machines", valueCol: "runner_state", versionCol: "runner_state_version"}
)

// updateVersioned performs a compare-and-swap write of one versioned field.
// Outcomes:
//   - success: stored version equaled expectedVersion; value written,
//     version and seq bumped, updated_at advanced (never backwards) when
//     touchUpdatedAt is set.
//   - version-mismatch: a concurrent writer won; the current version and
//     value are returned so the caller can rebase.
//   - error: no such row in the namespace. No side effects.
func (s *Store) updateVersioned(ctx context.Context, f versionedField, id, namespace string, value json.RawMessage, expectedVersion int64, touchUpdatedAt bool) (*VersionedUpdate, error) {
	result := &VersionedUpdate{Result: UpdateError}
	err := inTx(s.db, func(tx *sqlx.Tx) error {
		var current struct {
			Value   types.JSONText `db:"value"`
			Version int64          `db:"version"`
		}
		query := fmt.Sprintf(`SELECT %s AS value, %s AS version FROM %s WHERE id = ? AND namespace = ?`,
			f.valueCol, f.versionCol, f.table)
		if err := tx.GetContext(ctx, &current, query, id, namespace); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil // result stays error
			}
			return err
		}
		if current.Version != expectedVersion {
			result.Result = UpdateVersionMismatch
			result.Version = current.Version
			result.Value = json.RawMessage(current.Value)
			return nil
		}

		now := nowMs()
		updatedAt := "updated_at"
		if touchUpdatedAt {
			updatedAt = "MAX(updated_at, ?)"
		}
		update := fmt.Sprintf(`UPDATE %s SET %s = ?, %s = %s + 1, seq = seq + 1, updated_at = %s WHERE id = ? AND namespace = ?`,
			f.table, f.valueCol, f.versionCol, f.versionCol, updatedAt)
		args := []any{string(value)}
		if touchUpdatedAt {
			args = append(args, now)
		}
		args = append(args, id, namespace)
		if _, err := tx.ExecContext(ctx, update, args...); err != nil {
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
