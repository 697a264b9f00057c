package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CredsID is the row id of the root credential blob for a session.
const CredsID = "creds"

// UpsertCredential stores an opaque serialized blob for a session. The blob
// must round-trip through JSON; callers treat a failure here as a soft skip,
// not a retryable condition.
func (db *DB) UpsertCredential(ctx context.Context, c *Credential) error {
	if !json.Valid(c.Data) {
		return fmt.Errorf("credential %q does not round-trip: invalid JSON", c.ID)
	}
	ctx, cancel := context.WithTimeout(ctx, singleOpTimeout)
	defer cancel()
	_, err := db.ExecContext(ctx, `
		INSERT INTO credentials (session_id, id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at`,
		c.SessionID, c.ID, string(c.Data), time.Now().UnixMilli())
	return err
}

// GetCredential returns one credential blob, or ErrNotFound.
func (db *DB) GetCredential(ctx context.Context, sessionID, id string) (*Credential, error) {
	var data string
	err := db.QueryRowContext(ctx,
		`SELECT data FROM credentials WHERE session_id = ? AND id = ?`, sessionID, id).
		Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Credential{SessionID: sessionID, ID: id, Data: json.RawMessage(data)}, nil
}

// GetKeys loads the blobs of one key category, keyed by bare id. Missing
// ids are simply absent from the result.
func (db *DB) GetKeys(ctx context.Context, sessionID, category string, ids []string) (map[string]json.RawMessage, error) {
	if len(ids) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	rowIDs := make([]any, 0, len(ids)+1)
	rowIDs = append(rowIDs, sessionID)
	for _, id := range ids {
		rowIDs = append(rowIDs, category+"-"+id)
	}
	rows, err := db.QueryContext(ctx,
		"SELECT id, data FROM credentials WHERE session_id = ? AND id IN ("+placeholders(len(ids))+")",
		rowIDs...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]json.RawMessage, len(ids))
	prefix := category + "-"
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		out[id[len(prefix):]] = json.RawMessage(data)
	}
	return out, rows.Err()
}

// SetKeys writes a map of key categories in one transaction. Each id is
// written independently; a nil value deletes the row.
func (db *DB) SetKeys(ctx context.Context, sessionID string, categories map[string]map[string]json.RawMessage) error {
	return db.withTx(ctx, singleOpTimeout, func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		for category, entries := range categories {
			for id, data := range entries {
				rowID := category + "-" + id
				if data == nil {
					if _, err := tx.ExecContext(ctx,
						`DELETE FROM credentials WHERE session_id = ? AND id = ?`,
						sessionID, rowID); err != nil {
						return fmt.Errorf("delete key %q: %w", rowID, err)
					}
					continue
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO credentials (session_id, id, data, updated_at)
					VALUES (?, ?, ?, ?)
					ON CONFLICT(session_id, id) DO UPDATE SET
						data = excluded.data,
						updated_at = excluded.updated_at`,
					sessionID, rowID, string(data), now); err != nil {
					return fmt.Errorf("set key %q: %w", rowID, err)
				}
			}
		}
		return nil
	})
}

// DeleteSession removes every row of every entity kind for a session.
// Used on logout and credential reset.
func (db *DB) DeleteSession(ctx context.Context, sessionID string) error {
	return db.withTx(ctx, singleOpTimeout, func(ctx context.Context, tx *sql.Tx) error {
		for _, table := range []string{"messages", "chats", "contacts", "credentials"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE session_id = ?", sessionID); err != nil {
				return fmt.Errorf("wipe %s: %w", table, err)
			}
		}
		return nil
	})
}
