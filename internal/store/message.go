package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const messageUpsertSQL = `
	INSERT INTO messages (session_id, remote_jid, msg_id, key, message, message_timestamp,
		participant, push_name, from_me, broadcast, msg_status, reactions, user_receipt, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id, remote_jid, msg_id) DO UPDATE SET
		key = COALESCE(excluded.key, messages.key),
		message = COALESCE(excluded.message, messages.message),
		message_timestamp = MAX(messages.message_timestamp, excluded.message_timestamp),
		participant = CASE WHEN excluded.participant != '' THEN excluded.participant ELSE messages.participant END,
		push_name = CASE WHEN excluded.push_name != '' THEN excluded.push_name ELSE messages.push_name END,
		msg_status = CASE WHEN excluded.msg_status != '' THEN excluded.msg_status ELSE messages.msg_status END,
		reactions = COALESCE(excluded.reactions, messages.reactions),
		user_receipt = COALESCE(excluded.user_receipt, messages.user_receipt),
		updated_at = excluded.updated_at`

func execUpsertMessage(ctx context.Context, ex execer, m *Message) error {
	_, err := ex.ExecContext(ctx, messageUpsertSQL,
		m.SessionID, m.RemoteJID, m.MsgID, nullJSON(m.Key), nullJSON(m.Body),
		m.MessageTimestamp, m.Participant, m.PushName, m.FromMe, m.Broadcast,
		m.Status, nullJSON(m.Reactions), nullJSON(m.UserReceipt),
		time.Now().UnixMilli())
	return err
}

// UpsertMessage inserts or updates a message, idempotent on the full
// (session, chat, id) identity.
func (db *DB) UpsertMessage(ctx context.Context, m *Message) error {
	ctx, cancel := context.WithTimeout(ctx, singleOpTimeout)
	defer cancel()
	return execUpsertMessage(ctx, db.DB, m)
}

// BulkUpsertMessages writes a message collection in one transaction,
// bulk-inserting records whose identity is new and updating the rest
// row by row.
func (db *DB) BulkUpsertMessages(ctx context.Context, timeout time.Duration, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return db.withTx(ctx, timeout, func(ctx context.Context, tx *sql.Tx) error {
		existing, err := existingMessageIDs(ctx, tx, msgs)
		if err != nil {
			return fmt.Errorf("pre-read messages: %w", err)
		}

		var fresh []*Message
		for _, m := range msgs {
			if existing[m.RemoteJID+"\x00"+m.MsgID] {
				if err := execUpsertMessage(ctx, tx, m); err != nil {
					return fmt.Errorf("update message %q: %w", m.MsgID, err)
				}
				continue
			}
			fresh = append(fresh, m)
		}
		return bulkInsertMessages(ctx, tx, fresh)
	})
}

func existingMessageIDs(ctx context.Context, tx *sql.Tx, msgs []*Message) (map[string]bool, error) {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.MsgID
	}
	query := "SELECT remote_jid, msg_id FROM messages WHERE session_id = ? AND msg_id IN (" + placeholders(len(ids)) + ")"
	args := make([]any, 0, len(ids)+1)
	args = append(args, msgs[0].SessionID)
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
		var remote, id string
		if err := rows.Scan(&remote, &id); err != nil {
			return nil, err
		}
		out[remote+"\x00"+id] = true
	}
	return out, rows.Err()
}

func bulkInsertMessages(ctx context.Context, tx *sql.Tx, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	var sb strings.Builder
	sb.WriteString(`INSERT INTO messages (session_id, remote_jid, msg_id, key, message, message_timestamp,
		participant, push_name, from_me, broadcast, msg_status, reactions, user_receipt, updated_at) VALUES `)
	args := make([]any, 0, len(msgs)*14)
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, m.SessionID, m.RemoteJID, m.MsgID, nullJSON(m.Key), nullJSON(m.Body),
			m.MessageTimestamp, m.Participant, m.PushName, m.FromMe, m.Broadcast,
			m.Status, nullJSON(m.Reactions), nullJSON(m.UserReceipt), now)
	}

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		if isConstraintErr(err) {
			for _, m := range msgs {
				if err := execUpsertMessage(ctx, tx, m); err != nil {
					return fmt.Errorf("upsert message %q after conflict: %w", m.MsgID, err)
				}
			}
			return nil
		}
		return fmt.Errorf("bulk insert messages: %w", err)
	}
	return nil
}

// UpdateMessage applies a patch to an existing message via transactional
// read-merge-write. Strict mode surfaces ErrNotFound for unknown identities.
func (db *DB) UpdateMessage(ctx context.Context, patch *Message, strict bool) error {
	return db.withTx(ctx, singleOpTimeout, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := getMessage(ctx, tx, patch.SessionID, patch.RemoteJID, patch.MsgID)
		if errors.Is(err, ErrNotFound) {
			if strict {
				return err
			}
			return execUpsertMessage(ctx, tx, patch)
		}
		if err != nil {
			return err
		}
		return writeMessageTx(ctx, tx, MergeMessage(cur, patch))
	})
}

// MergeReactionInto folds a reaction into the message's reaction collection
// inside one transaction, so concurrent reaction handlers for the same
// message cannot lose updates.
func (db *DB) MergeReactionInto(ctx context.Context, sessionID, remoteJID, msgID string, reaction map[string]any) error {
	return db.mergeCollection(ctx, sessionID, remoteJID, msgID, "reactions", func(raw json.RawMessage) (json.RawMessage, error) {
		return MergeReaction(raw, reaction)
	})
}

// MergeReceiptInto folds a user receipt into the message's receipt
// collection inside one transaction.
func (db *DB) MergeReceiptInto(ctx context.Context, sessionID, remoteJID, msgID string, receipt map[string]any) error {
	return db.mergeCollection(ctx, sessionID, remoteJID, msgID, "user_receipt", func(raw json.RawMessage) (json.RawMessage, error) {
		return MergeReceipt(raw, receipt)
	})
}

func (db *DB) mergeCollection(ctx context.Context, sessionID, remoteJID, msgID, column string, merge func(json.RawMessage) (json.RawMessage, error)) error {
	return db.withTx(ctx, singleOpTimeout, func(ctx context.Context, tx *sql.Tx) error {
		var raw sql.NullString
		err := tx.QueryRowContext(ctx,
			"SELECT "+column+" FROM messages WHERE session_id = ? AND remote_jid = ? AND msg_id = ?",
			sessionID, remoteJID, msgID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var cur json.RawMessage
		if raw.Valid {
			cur = json.RawMessage(raw.String)
		}
		merged, err := merge(cur)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE messages SET "+column+" = ?, updated_at = ? WHERE session_id = ? AND remote_jid = ? AND msg_id = ?",
			string(merged), time.Now().UnixMilli(), sessionID, remoteJID, msgID)
		return err
	})
}

// GetMessage returns a message, or ErrNotFound.
func (db *DB) GetMessage(ctx context.Context, sessionID, remoteJID, msgID string) (*Message, error) {
	return getMessage(ctx, db.DB, sessionID, remoteJID, msgID)
}

func getMessage(ctx context.Context, q querier, sessionID, remoteJID, msgID string) (*Message, error) {
	m := &Message{}
	var key, body, reactions, receipt sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT session_id, remote_jid, msg_id, key, message, message_timestamp,
			participant, push_name, from_me, broadcast, msg_status, reactions, user_receipt
		FROM messages WHERE session_id = ? AND remote_jid = ? AND msg_id = ?`,
		sessionID, remoteJID, msgID).
		Scan(&m.SessionID, &m.RemoteJID, &m.MsgID, &key, &body, &m.MessageTimestamp,
			&m.Participant, &m.PushName, &m.FromMe, &m.Broadcast, &m.Status, &reactions, &receipt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Key = rawOrNil(key)
	m.Body = rawOrNil(body)
	m.Reactions = rawOrNil(reactions)
	m.UserReceipt = rawOrNil(receipt)
	return m, nil
}

func writeMessageTx(ctx context.Context, tx *sql.Tx, m *Message) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE messages SET key = ?, message = ?, message_timestamp = ?, participant = ?,
			push_name = ?, from_me = ?, broadcast = ?, msg_status = ?, reactions = ?,
			user_receipt = ?, updated_at = ?
		WHERE session_id = ? AND remote_jid = ? AND msg_id = ?`,
		nullJSON(m.Key), nullJSON(m.Body), m.MessageTimestamp, m.Participant,
		m.PushName, m.FromMe, m.Broadcast, m.Status, nullJSON(m.Reactions),
		nullJSON(m.UserReceipt), time.Now().UnixMilli(),
		m.SessionID, m.RemoteJID, m.MsgID)
	return err
}

// DeleteMessages removes the given messages from one chat. The live event
// router never calls this (incoming message-delete events are a deliberate
// no-op); it exists for session teardown and operator tooling.
func (db *DB) DeleteMessages(ctx context.Context, sessionID, remoteJID string, msgIDs []string) error {
	if len(msgIDs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, singleOpTimeout)
	defer cancel()
	query := "DELETE FROM messages WHERE session_id = ? AND remote_jid = ? AND msg_id IN (" + placeholders(len(msgIDs)) + ")"
	args := make([]any, 0, len(msgIDs)+2)
	args = append(args, sessionID, remoteJID)
	for _, id := range msgIDs {
		args = append(args, id)
	}
	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// MessageCount returns the number of messages for a session.
func (db *DB) MessageCount(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count)
	return count, err
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawOrNil(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}
