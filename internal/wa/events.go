package wa

import (
	"time"

	"github.com/matheus3301/wastore/internal/bus"
	"github.com/matheus3301/wastore/internal/status"
	"github.com/matheus3301/wastore/internal/sync"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// EventHandler converts whatsmeow events into source records on the bus and
// drives the session state machine. It never writes to the store directly;
// the sync router subscribes to the bus independently.
type EventHandler struct {
	bus       *bus.Bus
	machine   *status.Machine
	adapter   *Adapter
	sessionID string
	logger    *zap.Logger
}

// NewEventHandler creates a new event handler. adapter may be nil; credential
// snapshots are then skipped.
func NewEventHandler(b *bus.Bus, machine *status.Machine, adapter *Adapter, sessionID string, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		bus:       b,
		machine:   machine,
		adapter:   adapter,
		sessionID: sessionID,
		logger:    logger,
	}
}

// Handle is the main whatsmeow event handler function.
func (h *EventHandler) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		h.handleMessage(evt)
	case *events.Receipt:
		h.handleReceipt(evt)
	case *events.HistorySync:
		h.handleHistorySync(evt)
	case *events.Contact:
		h.publish(bus.KindContactsUpsert, []map[string]any{{
			"id":   evt.JID.ToNonAD().String(),
			"name": evt.Action.GetFullName(),
		}})
	case *events.PushName:
		h.publish(bus.KindContactsUpdate, []map[string]any{{
			"id":     evt.JID.ToNonAD().String(),
			"notify": evt.NewPushName,
		}})
	case *events.Archive:
		h.publish(bus.KindChatsUpdate, []map[string]any{{
			"id":       evt.JID.String(),
			"archived": evt.Action.GetArchived(),
		}})
	case *events.Pin:
		h.publish(bus.KindChatsUpdate, []map[string]any{{
			"id":     evt.JID.String(),
			"pinned": boolToInt64(evt.Action.GetPinned()),
		}})
	case *events.Mute:
		rec := map[string]any{"id": evt.JID.String()}
		if evt.Action.GetMuted() {
			rec["muteEndTime"] = evt.Action.GetMuteEndTimestamp()
		} else {
			rec["muteEndTime"] = int64(0)
		}
		h.publish(bus.KindChatsUpdate, []map[string]any{rec})
	case *events.MarkChatAsRead:
		rec := map[string]any{"id": evt.JID.String()}
		if evt.Action.GetRead() {
			// Absolute zero resets the stored unread counter.
			rec["unreadCount"] = int64(0)
		} else {
			rec["markedAsUnread"] = true
		}
		h.publish(bus.KindChatsUpdate, []map[string]any{rec})
	case *events.DeleteChat:
		h.publish(bus.KindChatsDelete, []string{evt.JID.String()})
	case *events.PairSuccess:
		h.logger.Info("device paired", zap.String("device", evt.ID.String()))
		h.publishCreds()
	case *events.Connected:
		h.logger.Info("WhatsApp connected")
		current := h.machine.Current()
		if current == status.AuthRequired || current == status.Reconnecting {
			_ = h.machine.Transition(status.Connecting)
		}
		_ = h.machine.Transition(status.Syncing)
		h.publishCreds()
	case *events.Disconnected:
		h.logger.Warn("WhatsApp disconnected")
		_ = h.machine.Transition(status.Reconnecting)
	case *events.LoggedOut:
		h.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		_ = h.machine.Transition(status.AuthRequired)
		h.publish(bus.KindLoggedOut, evt.Reason.String())
	}
}

func (h *EventHandler) publish(kind string, payload any) {
	h.bus.Publish(bus.Event{
		Kind:      kind,
		SessionID: h.sessionID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// publishCreds snapshots the device identity and hands it to the router for
// persistence alongside the synced entities.
func (h *EventHandler) publishCreds() {
	if h.adapter == nil {
		return
	}
	snap := h.adapter.CredsSnapshot()
	if snap == nil {
		return
	}
	h.publish(bus.KindCredsUpdate, &sync.CredsUpdate{Data: snap})
}

func (h *EventHandler) handleMessage(evt *events.Message) {
	if h.machine.Current() == status.Syncing {
		_ = h.machine.Transition(status.Ready)
	}

	if reaction := evt.Message.GetReactionMessage(); reaction != nil {
		h.publish(bus.KindMessageReaction, &sync.CollectionUpdate{
			Key: map[string]any{
				"id":        reaction.GetKey().GetID(),
				"remoteJid": evt.Info.Chat.String(),
			},
			Entry: reactionEntry(evt, reaction),
		})
		return
	}

	h.publish(bus.KindMessagesUpsert, &sync.MessageUpsert{
		Records: []map[string]any{liveMessageRecord(evt)},
		Type:    "notify",
	})
}

func (h *EventHandler) handleReceipt(evt *events.Receipt) {
	entry := receiptEntry(evt)
	for _, id := range evt.MessageIDs {
		h.publish(bus.KindMessageReceipt, &sync.CollectionUpdate{
			Key: map[string]any{
				"id":        id,
				"remoteJid": evt.Chat.String(),
			},
			Entry: entry,
		})
	}
}

func (h *EventHandler) handleHistorySync(evt *events.HistorySync) {
	data := evt.Data
	if data == nil {
		return
	}

	hs := &sync.HistorySet{
		IsLatest: data.GetSyncType() == waHistorySync.HistorySync_INITIAL_BOOTSTRAP,
	}
	for _, conv := range data.GetConversations() {
		chatJID := conv.GetID()
		if chatJID == "" {
			continue
		}
		hs.Chats = append(hs.Chats, historyChatRecord(conv))
		for _, hm := range conv.GetMessages() {
			if rec := historyMessageRecord(chatJID, hm.GetMessage()); rec != nil {
				hs.Messages = append(hs.Messages, rec)
			}
		}
	}
	for _, pn := range data.GetPushnames() {
		if rec := pushnameRecord(pn); rec != nil {
			hs.Contacts = append(hs.Contacts, rec)
		}
	}

	if len(hs.Chats) == 0 && len(hs.Contacts) == 0 && len(hs.Messages) == 0 {
		return
	}
	h.logger.Info("history sync received",
		zap.String("type", data.GetSyncType().String()),
		zap.Int("chats", len(hs.Chats)),
		zap.Int("contacts", len(hs.Contacts)),
		zap.Int("messages", len(hs.Messages)))
	h.publish(bus.KindHistorySet, hs)
}

func boolToInt64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
