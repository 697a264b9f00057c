package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const contactUpsertSQL = `
	INSERT INTO contacts (session_id, jid, name, notify, verified_name, img_url, status, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id, jid) DO UPDATE SET
		name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
		notify = CASE WHEN excluded.notify != '' THEN excluded.notify ELSE contacts.notify END,
		verified_name = CASE WHEN excluded.verified_name != '' THEN excluded.verified_name ELSE contacts.verified_name END,
		img_url = CASE WHEN excluded.img_url != '' THEN excluded.img_url ELSE contacts.img_url END,
		status = CASE WHEN excluded.status != '' THEN excluded.status ELSE contacts.status END,
		updated_at = excluded.updated_at`

func execUpsertContact(ctx context.Context, ex execer, c *Contact) error {
	_, err := ex.ExecContext(ctx, contactUpsertSQL,
		c.SessionID, c.JID, c.Name, c.Notify, c.VerifiedName, c.ImgURL, c.Status,
		time.Now().UnixMilli())
	return err
}

// UpsertContact inserts or updates a contact. Empty incoming fields never
// clobber known values.
func (db *DB) UpsertContact(ctx context.Context, c *Contact) error {
	ctx, cancel := context.WithTimeout(ctx, singleOpTimeout)
	defer cancel()
	return execUpsertContact(ctx, db.DB, c)
}

// BulkUpsertContacts writes a contact collection in one transaction,
// pre-reading existing identities and bulk-inserting only the new subset.
func (db *DB) BulkUpsertContacts(ctx context.Context, timeout time.Duration, contacts []*Contact) error {
	if len(contacts) == 0 {
		return nil
	}
	return db.withTx(ctx, timeout, func(ctx context.Context, tx *sql.Tx) error {
		jids := make([]string, len(contacts))
		for i, c := range contacts {
			jids[i] = c.JID
		}
		existing, err := existingIDs(ctx, tx, "SELECT jid FROM contacts WHERE session_id = ? AND jid IN", contacts[0].SessionID, jids)
		if err != nil {
			return fmt.Errorf("pre-read contacts: %w", err)
		}

		now := time.Now().UnixMilli()
		for _, c := range contacts {
			if existing[c.JID] {
				if err := execUpsertContact(ctx, tx, c); err != nil {
					return fmt.Errorf("update contact %q: %w", c.JID, err)
				}
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO contacts (session_id, jid, name, notify, verified_name, img_url, status, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				c.SessionID, c.JID, c.Name, c.Notify, c.VerifiedName, c.ImgURL, c.Status, now); err != nil {
				if isConstraintErr(err) {
					if err := execUpsertContact(ctx, tx, c); err != nil {
						return fmt.Errorf("upsert contact %q after conflict: %w", c.JID, err)
					}
					continue
				}
				return fmt.Errorf("insert contact %q: %w", c.JID, err)
			}
		}
		return nil
	})
}

// UpdateContact patches an existing contact, falling back to create unless
// strict update semantics are requested.
func (db *DB) UpdateContact(ctx context.Context, patch *Contact, strict bool) error {
	return db.withTx(ctx, singleOpTimeout, func(ctx context.Context, tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM contacts WHERE session_id = ? AND jid = ?)`,
			patch.SessionID, patch.JID).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists && strict {
			return ErrNotFound
		}
		// Upsert covers both branches: empty fields keep current values.
		return execUpsertContact(ctx, tx, patch)
	})
}

// GetContact returns a contact, or ErrNotFound.
func (db *DB) GetContact(ctx context.Context, sessionID, jid string) (*Contact, error) {
	c := &Contact{}
	err := db.QueryRowContext(ctx, `
		SELECT session_id, jid, name, notify, verified_name, img_url, status
		FROM contacts WHERE session_id = ? AND jid = ?`, sessionID, jid).
		Scan(&c.SessionID, &c.JID, &c.Name, &c.Notify, &c.VerifiedName, &c.ImgURL, &c.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteContacts removes the given contacts for a session.
func (db *DB) DeleteContacts(ctx context.Context, sessionID string, jids []string) error {
	if len(jids) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, singleOpTimeout)
	defer cancel()
	query := "DELETE FROM contacts WHERE session_id = ? AND jid IN (" + placeholders(len(jids)) + ")"
	args := make([]any, 0, len(jids)+1)
	args = append(args, sessionID)
	for _, j := range jids {
		args = append(args, j)
	}
	_, err := db.ExecContext(ctx, query, args...)
	return err
}
