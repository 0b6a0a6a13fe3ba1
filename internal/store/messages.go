package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
)

const (
	// maxMessagePageSize caps history pages; larger requests are clamped.
	maxMessagePageSize = 200
)

// AddMessage appends a message to a session's history. When localId is
// already bound within the session, the original row is returned untouched
// and the new content is discarded.
func (s *Store) AddMessage(ctx context.Context, sessionID string, content json.RawMessage, localID *string) (*Message, error) {
	var message *Message
	err := inTx(s.db, func(tx *sqlx.Tx) error {
		if localID != nil && *localID != "" {
			var existing Message
			err := tx.GetContext(ctx, &existing, `SELECT * FROM messages WHERE session_id = ? AND local_id = ?`, sessionID, *localID)
			if err == nil {
				message = &existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		var nextSeq int64
		if err := tx.GetContext(ctx, &nextSeq, `SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`, sessionID); err != nil {
			return err
		}

		now := nowMs()
		message = &Message{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			Seq:       nextSeq,
			LocalID:   localID,
			Content:   types.JSONText(content),
			CreatedAt: now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, seq, local_id, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, message.ID, message.SessionID, message.Seq, message.LocalID, string(message.Content), message.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		// A new message is a session mutation: bump seq so subscribers see
		// the session summary change.
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET seq = seq + 1, updated_at = MAX(updated_at, ?) WHERE id = ?`, now, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return message, nil
}

// GetMessages returns up to limit messages ascending by seq. When beforeSeq
// is non-nil only messages with seq < beforeSeq are returned (the page
// immediately preceding it).
func (s *Store) GetMessages(ctx context.Context, sessionID string, limit int, beforeSeq *int64) ([]*Message, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > maxMessagePageSize {
		limit = maxMessagePageSize
	}

	// Fetch the newest rows of the window descending, then reverse so the
	// caller always receives ascending seq.
	var (
		rows []*Message
		err  error
	)
	if beforeSeq != nil {
		err = s.ro.SelectContext(ctx, &rows, `
			SELECT * FROM messages WHERE session_id = ? AND seq < ? ORDER BY seq DESC LIMIT ?
		`, sessionID, *beforeSeq, limit)
	} else {
		err = s.ro.SelectContext(ctx, &rows, `
			SELECT * FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		`, sessionID, limit)
	}
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// MergeSessionMessages atomically moves all messages from one session to
// another, renumbering seq to continue after the target's current max.
// LocalIds that would collide with the target's are nulled; the target's own
// bindings are untouched.
func (s *Store) MergeSessionMessages(ctx context.Context, fromSessionID, toSessionID string) (*MergeResult, error) {
	result := &MergeResult{}
	err := inTx(s.db, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &result.OldMaxSeq, `SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`, toSessionID); err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &result.NewMaxSeq, `SELECT COALESCE(MAX(seq), 0) FROM messages WHERE session_id = ?`, fromSessionID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET local_id = NULL
			WHERE session_id = ? AND local_id IS NOT NULL
			  AND local_id IN (SELECT local_id FROM messages WHERE session_id = ? AND local_id IS NOT NULL)
		`, fromSessionID, toSessionID); err != nil {
			return fmt.Errorf("failed to null colliding localIds: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET session_id = ?, seq = seq + ? WHERE session_id = ?
		`, toSessionID, result.OldMaxSeq, fromSessionID)
		if err != nil {
			return fmt.Errorf("failed to move messages: %w", err)
		}
		result.Moved, err = res.RowsAffected()
		if err != nil {
			return err
		}

		if result.Moved > 0 {
			_, err = tx.ExecContext(ctx, `UPDATE sessions SET seq = seq + 1, updated_at = MAX(updated_at, ?) WHERE id = ?`, nowMs(), toSessionID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
