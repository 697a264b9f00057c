package store

import "encoding/json"

// Chat is a synced conversation, keyed by (SessionID, JID). JID is always
// the canonical address, never the hidden/LID alias.
type Chat struct {
	SessionID             string
	JID                   string
	Name                  string
	ConversationTimestamp int64
	UnreadCount           int64
	// UnreadSet marks whether the source supplied an unread delta at all.
	// A positive delta increments the stored count; zero or negative resets
	// it; absent keeps the current value.
	UnreadSet           bool
	Pinned              int64
	Archived            bool
	ReadOnly            bool
	MuteEndTime         int64
	EphemeralExpiration int64
	// Payload holds the remaining sanitized protocol fields as JSON.
	Payload json.RawMessage
}

// Contact is a synced contact. Only the fixed column set is persisted;
// everything else the source sends is dropped by the sanitizer.
type Contact struct {
	SessionID    string
	JID          string
	Name         string
	Notify       string
	VerifiedName string
	ImgURL       string
	Status       string
}

// Message is a synced message, keyed by (SessionID, RemoteJID, MsgID).
// Key and Body are structural JSON; Reactions and UserReceipt are JSON
// arrays maintained by replace-by-author merges.
type Message struct {
	SessionID        string
	RemoteJID        string
	MsgID            string
	Key              json.RawMessage
	Body             json.RawMessage
	MessageTimestamp int64
	Participant      string
	PushName         string
	FromMe           bool
	Broadcast        bool
	Status           string
	Reactions        json.RawMessage
	UserReceipt      json.RawMessage
}

// Credential is an opaque serialized blob persisted for session auth state,
// keyed by (SessionID, ID). IDs follow the "<category>-<id>" convention,
// with the root credentials stored under "creds".
type Credential struct {
	SessionID string
	ID        string
	Data      json.RawMessage
}
