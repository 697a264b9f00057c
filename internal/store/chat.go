package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const chatUpsertSQL = `
	INSERT INTO chats (session_id, jid, name, conversation_timestamp, unread_count,
		pinned, archived, read_only, mute_end_time, ephemeral_expiration, payload, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id, jid) DO UPDATE SET
		name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
		conversation_timestamp = MAX(chats.conversation_timestamp, excluded.conversation_timestamp),
		unread_count = CASE
			WHEN ? = 0 THEN chats.unread_count
			WHEN ? > 0 THEN chats.unread_count + ?
			ELSE 0
		END,
		pinned = excluded.pinned,
		archived = excluded.archived,
		read_only = excluded.read_only,
		mute_end_time = excluded.mute_end_time,
		ephemeral_expiration = excluded.ephemeral_expiration,
		payload = json_patch(chats.payload, excluded.payload),
		updated_at = excluded.updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execUpsertChat(ctx context.Context, ex execer, c *Chat) error {
	insertUnread := int64(0)
	if c.UnreadSet && c.UnreadCount > 0 {
		insertUnread = c.UnreadCount
	}
	_, err := ex.ExecContext(ctx, chatUpsertSQL,
		c.SessionID, c.JID, c.Name, c.ConversationTimestamp, insertUnread,
		c.Pinned, c.Archived, c.ReadOnly, c.MuteEndTime, c.EphemeralExpiration,
		payloadOrEmpty(c.Payload), time.Now().UnixMilli(),
		boolInt(c.UnreadSet), c.UnreadCount, c.UnreadCount)
	return err
}

// UpsertChat inserts or updates a chat record. A positive unread delta
// increments the stored counter; an explicit zero or negative value resets
// it; a record without an unread field leaves the counter alone.
func (db *DB) UpsertChat(ctx context.Context, c *Chat) error {
	ctx, cancel := context.WithTimeout(ctx, singleOpTimeout)
	defer cancel()
	return execUpsertChat(ctx, db.DB, c)
}

// BulkUpsertChats writes a chat collection in one transaction. Existing
// identities are read up front; the new subset is bulk-inserted and the
// existing subset updated row by row.
func (db *DB) BulkUpsertChats(ctx context.Context, timeout time.Duration, chats []*Chat) error {
	if len(chats) == 0 {
		return nil
	}
	return db.withTx(ctx, timeout, func(ctx context.Context, tx *sql.Tx) error {
		jids := make([]string, len(chats))
		for i, c := range chats {
			jids[i] = c.JID
		}
		existing, err := existingIDs(ctx, tx, "SELECT jid FROM chats WHERE session_id = ? AND jid IN", chats[0].SessionID, jids)
		if err != nil {
			return fmt.Errorf("pre-read chats: %w", err)
		}

		var fresh []*Chat
		for _, c := range chats {
			if existing[c.JID] {
				if err := execUpsertChat(ctx, tx, c); err != nil {
					return fmt.Errorf("update chat %q: %w", c.JID, err)
				}
				continue
			}
			fresh = append(fresh, c)
		}
		if err := bulkInsertChats(ctx, tx, fresh); err != nil {
			return err
		}
		return nil
	})
}

func bulkInsertChats(ctx context.Context, tx *sql.Tx, chats []*Chat) error {
	if len(chats) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	var sb strings.Builder
	sb.WriteString(`INSERT INTO chats (session_id, jid, name, conversation_timestamp, unread_count,
		pinned, archived, read_only, mute_end_time, ephemeral_expiration, payload, updated_at) VALUES `)
	args := make([]any, 0, len(chats)*12)
	for i, c := range chats {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		unread := int64(0)
		if c.UnreadSet && c.UnreadCount > 0 {
			unread = c.UnreadCount
		}
		args = append(args, c.SessionID, c.JID, c.Name, c.ConversationTimestamp, unread,
			c.Pinned, c.Archived, c.ReadOnly, c.MuteEndTime, c.EphemeralExpiration,
			payloadOrEmpty(c.Payload), now)
	}

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		// A row snuck in between the pre-read and the insert; retry each
		// record as an upsert instead of failing the batch.
		if isConstraintErr(err) {
			for _, c := range chats {
				if err := execUpsertChat(ctx, tx, c); err != nil {
					return fmt.Errorf("upsert chat %q after conflict: %w", c.JID, err)
				}
			}
			return nil
		}
		return fmt.Errorf("bulk insert chats: %w", err)
	}
	return nil
}

// UpdateChat applies a patch to an existing chat using a transactional
// read-merge-write. Without strict semantics a missing row falls back to
// create so no data is lost.
func (db *DB) UpdateChat(ctx context.Context, patch *Chat, strict bool) error {
	return db.withTx(ctx, singleOpTimeout, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := getChatTx(ctx, tx, patch.SessionID, patch.JID)
		if errors.Is(err, ErrNotFound) {
			if strict {
				return err
			}
			return execUpsertChat(ctx, tx, patch)
		}
		if err != nil {
			return err
		}
		merged, err := MergeChat(cur, patch)
		if err != nil {
			return err
		}
		return writeChatTx(ctx, tx, merged)
	})
}

// writeChatTx overwrites a full chat row.
func writeChatTx(ctx context.Context, tx *sql.Tx, c *Chat) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE chats SET name = ?, conversation_timestamp = ?, unread_count = ?,
			pinned = ?, archived = ?, read_only = ?, mute_end_time = ?,
			ephemeral_expiration = ?, payload = ?, updated_at = ?
		WHERE session_id = ? AND jid = ?`,
		c.Name, c.ConversationTimestamp, c.UnreadCount,
		c.Pinned, c.Archived, c.ReadOnly, c.MuteEndTime,
		c.EphemeralExpiration, payloadOrEmpty(c.Payload), time.Now().UnixMilli(),
		c.SessionID, c.JID)
	return err
}

// GetChat returns a single chat, or ErrNotFound.
func (db *DB) GetChat(ctx context.Context, sessionID, jid string) (*Chat, error) {
	return getChat(ctx, db.DB, sessionID, jid)
}

func getChatTx(ctx context.Context, tx *sql.Tx, sessionID, jid string) (*Chat, error) {
	return getChat(ctx, tx, sessionID, jid)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getChat(ctx context.Context, q querier, sessionID, jid string) (*Chat, error) {
	c := &Chat{}
	var payload string
	err := q.QueryRowContext(ctx, `
		SELECT session_id, jid, name, conversation_timestamp, unread_count,
			pinned, archived, read_only, mute_end_time, ephemeral_expiration, payload
		FROM chats WHERE session_id = ? AND jid = ?`, sessionID, jid).
		Scan(&c.SessionID, &c.JID, &c.Name, &c.ConversationTimestamp, &c.UnreadCount,
			&c.Pinned, &c.Archived, &c.ReadOnly, &c.MuteEndTime, &c.EphemeralExpiration, &payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.UnreadSet = true
	c.Payload = []byte(payload)
	return c, nil
}

// DeleteChats removes the given chats for a session.
func (db *DB) DeleteChats(ctx context.Context, sessionID string, jids []string) error {
	if len(jids) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, singleOpTimeout)
	defer cancel()
	query := "DELETE FROM chats WHERE session_id = ? AND jid IN (" + placeholders(len(jids)) + ")"
	args := make([]any, 0, len(jids)+1)
	args = append(args, sessionID)
	for _, j := range jids {
		args = append(args, j)
	}
	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// WipeChats clears the whole chat set for a session ahead of a full
// history rebuild.
func (db *DB) WipeChats(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, singleOpTimeout)
	defer cancel()
	_, err := db.ExecContext(ctx, `DELETE FROM chats WHERE session_id = ?`, sessionID)
	return err
}

// ChatCount returns the number of chats for a session.
func (db *DB) ChatCount(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chats WHERE session_id = ?`, sessionID).Scan(&count)
	return count, err
}

func payloadOrEmpty(p []byte) string {
	if len(p) == 0 {
		return "{}"
	}
	return string(p)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// existingIDs runs prefix + an IN list and returns the matched ids.
func existingIDs(ctx context.Context, tx *sql.Tx, prefix, sessionID string, ids []string) (map[string]bool, error) {
	query := prefix + " (" + placeholders(len(ids)) + ")"
	args := make([]any, 0, len(ids)+1)
	args = append(args, sessionID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}
