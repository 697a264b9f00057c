package wa

import (
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func TestExtractTextBody(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil message", nil, ""},
		{"conversation", &waE2E.Message{Conversation: proto.String("hello")}, "hello"},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("extended")}}, "extended"},
		{"image (no text)", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, ""},
		{"empty conversation", &waE2E.Message{Conversation: proto.String("")}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractTextBody(tt.msg)
			if got != tt.want {
				t.Errorf("extractTextBody() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectMessageType(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil", nil, "unknown"},
		{"text conversation", &waE2E.Message{Conversation: proto.String("hi")}, "text"},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("hi")}}, "text"},
		{"image", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, "image"},
		{"video", &waE2E.Message{VideoMessage: &waE2E.VideoMessage{}}, "video"},
		{"audio", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, "audio"},
		{"document", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{}}, "document"},
		{"sticker", &waE2E.Message{StickerMessage: &waE2E.StickerMessage{}}, "sticker"},
		{"contact", &waE2E.Message{ContactMessage: &waE2E.ContactMessage{}}, "contact"},
		{"location", &waE2E.Message{LocationMessage: &waE2E.LocationMessage{}}, "location"},
		{"empty message", &waE2E.Message{}, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := detectMessageType(tt.msg)
			if got != tt.want {
				t.Errorf("detectMessageType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLiveMessageRecord(t *testing.T) {
	ts := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	evt := &events.Message{
		Info: types.MessageInfo{
			PushName:  "Alice",
			Timestamp: ts,
			MessageSource: types.MessageSource{
				Chat:     types.JID{User: "chat", Server: "s.whatsapp.net"},
				Sender:   types.JID{User: "sender", Server: "s.whatsapp.net"},
				IsFromMe: true,
			},
			ID: "MSG123",
		},
		Message: &waE2E.Message{Conversation: proto.String("hello world")},
	}

	rec := liveMessageRecord(evt)

	key, ok := rec["key"].(map[string]any)
	if !ok {
		t.Fatal("record has no key map")
	}
	if key["id"] != "MSG123" {
		t.Errorf("key.id = %v, want MSG123", key["id"])
	}
	if key["remoteJid"] != "chat@s.whatsapp.net" {
		t.Errorf("key.remoteJid = %v, want chat@s.whatsapp.net", key["remoteJid"])
	}
	if key["fromMe"] != true {
		t.Errorf("key.fromMe = %v, want true", key["fromMe"])
	}
	if _, hasParticipant := key["participant"]; hasParticipant {
		t.Error("direct chat should not carry a participant")
	}
	if rec["pushName"] != "Alice" {
		t.Errorf("pushName = %v, want Alice", rec["pushName"])
	}
	if rec["messageTimestamp"] != ts.Unix() {
		t.Errorf("messageTimestamp = %v, want %d", rec["messageTimestamp"], ts.Unix())
	}
	body, ok := rec["message"].(map[string]any)
	if !ok {
		t.Fatal("record has no message body")
	}
	if body["conversation"] != "hello world" {
		t.Errorf("body.conversation = %v, want hello world", body["conversation"])
	}
	if body["type"] != "text" {
		t.Errorf("body.type = %v, want text", body["type"])
	}
}

func TestLiveMessageRecordGroupParticipant(t *testing.T) {
	evt := &events.Message{
		Info: types.MessageInfo{
			ID:        "G1",
			Timestamp: time.Now(),
			MessageSource: types.MessageSource{
				Chat:    types.JID{User: "120363123456", Server: "g.us"},
				Sender:  types.JID{User: "558592403672", Server: "s.whatsapp.net", Device: 3},
				IsGroup: true,
			},
		},
		Message: &waE2E.Message{Conversation: proto.String("hi group")},
	}

	rec := liveMessageRecord(evt)
	key := rec["key"].(map[string]any)
	if key["participant"] != "558592403672@s.whatsapp.net" {
		t.Errorf("participant = %v, want 558592403672@s.whatsapp.net (device suffix stripped)", key["participant"])
	}
}

func TestHistoryChatRecordMinimal(t *testing.T) {
	rec := historyChatRecord(&waHistorySync.Conversation{
		ID: proto.String("chat@s.whatsapp.net"),
	})
	if rec["id"] != "chat@s.whatsapp.net" {
		t.Errorf("id = %v, want chat@s.whatsapp.net", rec["id"])
	}
	// Absent optional fields must stay absent so merges keep stored values.
	if len(rec) != 1 {
		t.Errorf("record = %v, want only id for empty conversation", rec)
	}
}

func TestHistoryChatRecordFull(t *testing.T) {
	rec := historyChatRecord(&waHistorySync.Conversation{
		ID:                    proto.String("chat@s.whatsapp.net"),
		Name:                  proto.String("Work"),
		UnreadCount:           proto.Uint32(3),
		ConversationTimestamp: proto.Uint64(1700000000),
		Archived:              proto.Bool(true),
		Pinned:                proto.Uint32(1),
	})
	if rec["name"] != "Work" {
		t.Errorf("name = %v, want Work", rec["name"])
	}
	if rec["unreadCount"] != int64(3) {
		t.Errorf("unreadCount = %v, want 3", rec["unreadCount"])
	}
	if rec["conversationTimestamp"] != int64(1700000000) {
		t.Errorf("conversationTimestamp = %v, want 1700000000", rec["conversationTimestamp"])
	}
	if rec["archived"] != true {
		t.Errorf("archived = %v, want true", rec["archived"])
	}
	if rec["pinned"] != int64(1) {
		t.Errorf("pinned = %v, want 1", rec["pinned"])
	}
}

func TestHistoryMessageRecord(t *testing.T) {
	msgTS := uint64(1700000000)
	rec := historyMessageRecord("chat@g.us", &waWeb.WebMessageInfo{
		Key: &waCommon.MessageKey{
			ID:          proto.String("hm1"),
			FromMe:      proto.Bool(false),
			RemoteJID:   proto.String("chat@g.us"),
			Participant: proto.String("member@s.whatsapp.net"),
		},
		MessageTimestamp: &msgTS,
		PushName:         proto.String("Eric"),
		Message:          &waE2E.Message{Conversation: proto.String("history msg")},
	})
	if rec == nil {
		t.Fatal("record is nil")
	}
	key := rec["key"].(map[string]any)
	if key["id"] != "hm1" {
		t.Errorf("key.id = %v, want hm1", key["id"])
	}
	if key["remoteJid"] != "chat@g.us" {
		t.Errorf("key.remoteJid = %v, want chat@g.us", key["remoteJid"])
	}
	if key["participant"] != "member@s.whatsapp.net" {
		t.Errorf("key.participant = %v, want member@s.whatsapp.net", key["participant"])
	}
	if rec["messageTimestamp"] != int64(1700000000) {
		t.Errorf("messageTimestamp = %v, want 1700000000", rec["messageTimestamp"])
	}
	if rec["pushName"] != "Eric" {
		t.Errorf("pushName = %v, want Eric", rec["pushName"])
	}
}

func TestHistoryMessageRecordStub(t *testing.T) {
	if rec := historyMessageRecord("chat@g.us", nil); rec != nil {
		t.Errorf("nil message record = %v, want nil", rec)
	}
	if rec := historyMessageRecord("chat@g.us", &waWeb.WebMessageInfo{}); rec != nil {
		t.Errorf("keyless message record = %v, want nil", rec)
	}
}

func TestPushnameRecord(t *testing.T) {
	rec := pushnameRecord(&waHistorySync.Pushname{
		ID:       proto.String("558592403672@s.whatsapp.net"),
		Pushname: proto.String("Eric"),
	})
	if rec["id"] != "558592403672@s.whatsapp.net" {
		t.Errorf("id = %v", rec["id"])
	}
	if rec["notify"] != "Eric" {
		t.Errorf("notify = %v, want Eric", rec["notify"])
	}

	if rec := pushnameRecord(&waHistorySync.Pushname{ID: proto.String("x@s.whatsapp.net")}); rec != nil {
		t.Errorf("record without pushname = %v, want nil", rec)
	}
}

func TestReceiptEntry(t *testing.T) {
	ts := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	evt := &events.Receipt{
		MessageSource: types.MessageSource{
			Chat:   types.JID{User: "chat", Server: "s.whatsapp.net"},
			Sender: types.JID{User: "reader", Server: "s.whatsapp.net", Device: 2},
		},
		Timestamp: ts,
		Type:      types.ReceiptTypeRead,
	}

	entry := receiptEntry(evt)
	if entry["userJid"] != "reader@s.whatsapp.net" {
		t.Errorf("userJid = %v, want reader@s.whatsapp.net", entry["userJid"])
	}
	if entry["receiptTimestamp"] != ts.Unix() {
		t.Errorf("receiptTimestamp = %v, want %d", entry["receiptTimestamp"], ts.Unix())
	}
	if entry["readTimestamp"] != ts.Unix() {
		t.Errorf("readTimestamp = %v, want %d for read receipt", entry["readTimestamp"], ts.Unix())
	}
}

func TestReceiptEntryDelivered(t *testing.T) {
	evt := &events.Receipt{
		MessageSource: types.MessageSource{
			Sender: types.JID{User: "reader", Server: "s.whatsapp.net"},
		},
		Timestamp: time.Now(),
	}
	entry := receiptEntry(evt)
	if _, has := entry["readTimestamp"]; has {
		t.Error("delivered receipt should not carry readTimestamp")
	}
}

func TestReactionEntry(t *testing.T) {
	ts := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	evt := &events.Message{
		Info: types.MessageInfo{
			ID:        "R1",
			Timestamp: ts,
			MessageSource: types.MessageSource{
				Chat:   types.JID{User: "chat", Server: "s.whatsapp.net"},
				Sender: types.JID{User: "reactor", Server: "s.whatsapp.net"},
			},
		},
	}
	reaction := &waE2E.ReactionMessage{
		Key: &waCommon.MessageKey{
			ID:        proto.String("target1"),
			RemoteJID: proto.String("chat@s.whatsapp.net"),
		},
		Text: proto.String("👍"),
	}

	entry := reactionEntry(evt, reaction)
	if entry["text"] != "👍" {
		t.Errorf("text = %v, want 👍", entry["text"])
	}
	if entry["senderTimestampMs"] != ts.UnixMilli() {
		t.Errorf("senderTimestampMs = %v, want %d", entry["senderTimestampMs"], ts.UnixMilli())
	}
	key := entry["key"].(map[string]any)
	if key["id"] != "R1" {
		t.Errorf("key.id = %v, want the reactor's message id R1", key["id"])
	}
}
