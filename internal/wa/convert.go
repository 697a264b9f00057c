package wa

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// Converters from protocol structures to the loosely-typed source records the
// sanitizer expects. Absent optional fields stay absent from the record so
// merges do not clobber stored values with zeroes.

// liveMessageRecord converts a live message event to a raw message record.
func liveMessageRecord(evt *events.Message) map[string]any {
	info := evt.Info
	key := map[string]any{
		"id":        info.ID,
		"remoteJid": info.Chat.String(),
		"fromMe":    info.IsFromMe,
	}
	if info.IsGroup && !info.IsFromMe {
		key["participant"] = info.Sender.ToNonAD().String()
	}
	rec := map[string]any{
		"key":              key,
		"messageTimestamp": info.Timestamp.Unix(),
	}
	if info.PushName != "" {
		rec["pushName"] = info.PushName
	}
	if body := bodyRecord(evt.Message); body != nil {
		rec["message"] = body
	}
	return rec
}

// historyChatRecord converts a history sync conversation to a raw chat record.
func historyChatRecord(conv *waHistorySync.Conversation) map[string]any {
	rec := map[string]any{
		"id": conv.GetID(),
	}
	if v := conv.GetName(); v != "" {
		rec["name"] = v
	}
	if v := conv.GetConversationTimestamp(); v != 0 {
		rec["conversationTimestamp"] = int64(v)
	}
	if v := conv.GetUnreadCount(); v != 0 {
		rec["unreadCount"] = int64(v)
	}
	if conv.GetReadOnly() {
		rec["readOnly"] = true
	}
	if conv.GetArchived() {
		rec["archived"] = true
	}
	if v := conv.GetPinned(); v != 0 {
		rec["pinned"] = int64(v)
	}
	if v := conv.GetMuteEndTime(); v != 0 {
		rec["muteEndTime"] = int64(v)
	}
	if v := conv.GetEphemeralExpiration(); v != 0 {
		rec["ephemeralExpiration"] = int64(v)
	}
	if conv.GetMarkedAsUnread() {
		rec["markedAsUnread"] = true
	}
	if v := conv.GetLidJID(); v != "" {
		rec["lidJid"] = v
	}
	if v := conv.GetPnJID(); v != "" {
		rec["pnJid"] = v
	}
	return rec
}

// historyMessageRecord converts one backfilled message to a raw record.
// Returns nil for stub entries without content.
func historyMessageRecord(chatJID string, wmsg *waWeb.WebMessageInfo) map[string]any {
	if wmsg == nil || wmsg.GetKey().GetID() == "" {
		return nil
	}
	key := map[string]any{
		"id":        wmsg.GetKey().GetID(),
		"remoteJid": chatJID,
		"fromMe":    wmsg.GetKey().GetFromMe(),
	}
	if p := wmsg.GetKey().GetParticipant(); p != "" {
		key["participant"] = p
	}
	rec := map[string]any{
		"key":              key,
		"messageTimestamp": int64(wmsg.GetMessageTimestamp()),
	}
	if v := wmsg.GetPushName(); v != "" {
		rec["pushName"] = v
	}
	if wmsg.GetBroadcast() {
		rec["broadcast"] = true
	}
	if s := wmsg.GetStatus(); s != 0 {
		rec["status"] = s.String()
	}
	if body := bodyRecord(wmsg.GetMessage()); body != nil {
		rec["message"] = body
	}
	return rec
}

// pushnameRecord converts a history sync push name to a raw contact record.
func pushnameRecord(pn *waHistorySync.Pushname) map[string]any {
	if pn.GetID() == "" || pn.GetPushname() == "" {
		return nil
	}
	return map[string]any{
		"id":     pn.GetID(),
		"notify": pn.GetPushname(),
	}
}

// receiptEntry builds one receipt collection entry from a receipt event.
func receiptEntry(evt *events.Receipt) map[string]any {
	entry := map[string]any{
		"userJid":          evt.Sender.ToNonAD().String(),
		"receiptTimestamp": evt.Timestamp.Unix(),
	}
	switch evt.Type {
	case types.ReceiptTypeRead:
		entry["readTimestamp"] = evt.Timestamp.Unix()
	case types.ReceiptTypePlayed:
		entry["playedTimestamp"] = evt.Timestamp.Unix()
	}
	return entry
}

// reactionEntry builds one reaction collection entry. The author identity
// lives in the nested key, mirroring the message key layout.
func reactionEntry(evt *events.Message, reaction *waE2E.ReactionMessage) map[string]any {
	key := map[string]any{
		"id":        evt.Info.ID,
		"remoteJid": evt.Info.Chat.String(),
		"fromMe":    evt.Info.IsFromMe,
	}
	if evt.Info.IsGroup && !evt.Info.IsFromMe {
		key["participant"] = evt.Info.Sender.ToNonAD().String()
	}
	return map[string]any{
		"key":               key,
		"text":              reaction.GetText(),
		"senderTimestampMs": evt.Info.Timestamp.UnixMilli(),
	}
}

// bodyRecord reduces a message body to its structural JSON form: the text
// content plus a coarse content type.
func bodyRecord(msg *waE2E.Message) map[string]any {
	if msg == nil {
		return nil
	}
	body := map[string]any{
		"type": detectMessageType(msg),
	}
	if text := extractTextBody(msg); text != "" {
		body["conversation"] = text
	}
	return body
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

func detectMessageType(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetLocationMessage() != nil:
		return "location"
	default:
		return "unknown"
	}
}
