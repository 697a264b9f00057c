package bus

import "time"

// Event kinds emitted by the event source adapter and consumed by the sync
// router. Payload shapes are documented on the router handlers.
const (
	// Bulk backfill: a history set of chats, contacts and messages.
	KindHistorySet = "source.history_set"

	KindChatsUpsert     = "source.chats_upsert"
	KindChatsUpdate     = "source.chats_update"
	KindChatsDelete     = "source.chats_delete"
	KindContactsUpsert  = "source.contacts_upsert"
	KindContactsUpdate  = "source.contacts_update"
	KindMessagesUpsert  = "source.messages_upsert"
	KindMessagesUpdate  = "source.messages_update"
	KindMessagesDelete  = "source.messages_delete"
	KindMessageReceipt  = "source.message_receipt"
	KindMessageReaction = "source.message_reaction"
	KindCredsUpdate     = "source.creds_update"
	KindLoggedOut       = "source.logged_out"

	// Derived events re-emitted by the router after successful writes.
	KindChatSynced    = "store.chat_synced"
	KindMessageSynced = "store.message_synced"
	KindHistorySynced = "store.history_synced"
)

// Event is a domain event published on the bus, scoped to one session.
type Event struct {
	Kind      string
	SessionID string
	Timestamp time.Time
	Payload   any
}
