package store

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingID marks records the router must skip with a warning instead of
// failing the surrounding batch.
var ErrMissingID = errors.New("store: record has no id")

// chatColumns are the sanitized fields that map to typed chat columns.
// Everything else allowed by the sanitizer lands in the JSON payload.
var chatColumns = map[string]bool{
	"id":                    true,
	"name":                  true,
	"conversationTimestamp": true,
	"unreadCount":           true,
	"pinned":                true,
	"archived":              true,
	"readOnly":              true,
	"muteEndTime":           true,
	"ephemeralExpiration":   true,
}

// ChatFromRecord builds a Chat from a sanitized record.
func ChatFromRecord(sessionID string, rec map[string]any) (*Chat, error) {
	id := recString(rec, "id")
	if id == "" {
		return nil, ErrMissingID
	}

	c := &Chat{
		SessionID:             sessionID,
		JID:                   id,
		Name:                  recString(rec, "name"),
		ConversationTimestamp: recInt64(rec, "conversationTimestamp"),
		Pinned:                recInt64(rec, "pinned"),
		Archived:              recBool(rec, "archived"),
		ReadOnly:              recBool(rec, "readOnly"),
		MuteEndTime:           recInt64(rec, "muteEndTime"),
		EphemeralExpiration:   recInt64(rec, "ephemeralExpiration"),
	}
	if v, ok := rec["unreadCount"]; ok {
		c.UnreadSet = true
		c.UnreadCount = asInt64(v)
	}

	extra := make(map[string]any)
	for k, v := range rec {
		if !chatColumns[k] {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		payload, err := json.Marshal(extra)
		if err != nil {
			return nil, fmt.Errorf("encode chat payload for %q: %w", id, err)
		}
		c.Payload = payload
	}
	return c, nil
}

// ContactFromRecord builds a Contact from a sanitized record.
func ContactFromRecord(sessionID string, rec map[string]any) (*Contact, error) {
	id := recString(rec, "id")
	if id == "" {
		return nil, ErrMissingID
	}
	return &Contact{
		SessionID:    sessionID,
		JID:          id,
		Name:         recString(rec, "name"),
		Notify:       recString(rec, "notify"),
		VerifiedName: recString(rec, "verifiedName"),
		ImgURL:       recString(rec, "imgUrl"),
		Status:       recString(rec, "status"),
	}, nil
}

// MessageFromRecord builds a Message from a sanitized record. The message
// identity may live at the top level or inside the structural key.
func MessageFromRecord(sessionID string, rec map[string]any) (*Message, error) {
	key, _ := rec["key"].(map[string]any)

	id := recString(rec, "id")
	if id == "" {
		id = recString(key, "id")
	}
	remoteJID := recString(rec, "remoteJid")
	if remoteJID == "" {
		remoteJID = recString(key, "remoteJid")
	}
	if id == "" || remoteJID == "" {
		return nil, ErrMissingID
	}

	m := &Message{
		SessionID:        sessionID,
		RemoteJID:        remoteJID,
		MsgID:            id,
		MessageTimestamp: recInt64(rec, "messageTimestamp"),
		Participant:      recString(rec, "participant"),
		PushName:         recString(rec, "pushName"),
		Broadcast:        recBool(rec, "broadcast"),
		Status:           recString(rec, "status"),
	}
	if key != nil {
		m.FromMe = recBool(key, "fromMe")
		if m.Participant == "" {
			m.Participant = recString(key, "participant")
		}
		raw, err := json.Marshal(key)
		if err != nil {
			return nil, fmt.Errorf("encode message key for %q: %w", id, err)
		}
		m.Key = raw
	}
	if body, ok := rec["message"]; ok && body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode message body for %q: %w", id, err)
		}
		m.Body = raw
	}
	for field, dst := range map[string]*json.RawMessage{
		"reactions":   &m.Reactions,
		"userReceipt": &m.UserReceipt,
	} {
		if v, ok := rec[field]; ok && v != nil {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode message %s for %q: %w", field, id, err)
			}
			*dst = raw
		}
	}
	return m, nil
}

func recString(rec map[string]any, key string) string {
	if rec == nil {
		return ""
	}
	s, _ := rec[key].(string)
	return s
}

func recInt64(rec map[string]any, key string) int64 {
	if rec == nil {
		return 0
	}
	return asInt64(rec[key])
}

func recBool(rec map[string]any, key string) bool {
	if rec == nil {
		return false
	}
	switch v := rec[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int64:
		return v != 0
	}
	return false
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	case bool:
		if n {
			return 1
		}
	}
	return 0
}
