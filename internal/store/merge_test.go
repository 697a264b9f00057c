package store

import (
	"encoding/json"
	"testing"
)

func TestMergeReactionReplaceByAuthor(t *testing.T) {
	existing := json.RawMessage(`[
		{"text":"👍","key":{"participant":"a@s.whatsapp.net"}},
		{"text":"❤️","key":{"participant":"b@s.whatsapp.net"}}
	]`)

	merged, err := MergeReaction(existing, map[string]any{
		"text": "😂",
		"key":  map[string]any{"participant": "a@s.whatsapp.net"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var list []map[string]any
	if err := json.Unmarshal(merged, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d reactions, want 2", len(list))
	}
	for _, r := range list {
		key := r["key"].(map[string]any)
		if key["participant"] == "a@s.whatsapp.net" && r["text"] != "😂" {
			t.Errorf("a's reaction = %v, want 😂", r["text"])
		}
		if key["participant"] == "b@s.whatsapp.net" && r["text"] != "❤️" {
			t.Errorf("b's reaction = %v, want ❤️ untouched", r["text"])
		}
	}
}

func TestMergeReactionEmptyTextRemoves(t *testing.T) {
	existing := json.RawMessage(`[{"text":"👍","key":{"participant":"a@s.whatsapp.net"}}]`)
	merged, err := MergeReaction(existing, map[string]any{
		"text": "",
		"key":  map[string]any{"participant": "a@s.whatsapp.net"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(merged) != "[]" {
		t.Errorf("merged = %s, want []", merged)
	}
}

func TestMergeReactionNilCollection(t *testing.T) {
	merged, err := MergeReaction(nil, map[string]any{
		"text": "👍",
		"key":  map[string]any{"fromMe": true},
	})
	if err != nil {
		t.Fatal(err)
	}
	var list []map[string]any
	if err := json.Unmarshal(merged, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d reactions, want 1", len(list))
	}
}

func TestMergeReceiptReplaceByUser(t *testing.T) {
	existing := json.RawMessage(`[{"userJid":"a@s.whatsapp.net","receiptTimestamp":1}]`)
	merged, err := MergeReceipt(existing, map[string]any{
		"userJid":       "a@s.whatsapp.net",
		"readTimestamp": float64(9),
	})
	if err != nil {
		t.Fatal(err)
	}
	var list []map[string]any
	if err := json.Unmarshal(merged, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d receipts, want 1", len(list))
	}
	if list[0]["readTimestamp"] != float64(9) {
		t.Errorf("receipt = %v", list[0])
	}
}

func TestMergeChatUnreadSemantics(t *testing.T) {
	cur := &Chat{SessionID: "s1", JID: "x@s.whatsapp.net", UnreadCount: 3, UnreadSet: true, Name: "X"}

	inc, err := MergeChat(cur, &Chat{UnreadSet: true, UnreadCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	if inc.UnreadCount != 5 {
		t.Errorf("unread = %d, want 5", inc.UnreadCount)
	}
	if inc.Name != "X" {
		t.Errorf("name = %q, want X preserved", inc.Name)
	}

	reset, err := MergeChat(cur, &Chat{UnreadSet: true, UnreadCount: 0})
	if err != nil {
		t.Fatal(err)
	}
	if reset.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", reset.UnreadCount)
	}

	keep, err := MergeChat(cur, &Chat{Name: "Y"})
	if err != nil {
		t.Fatal(err)
	}
	if keep.UnreadCount != 3 || keep.Name != "Y" {
		t.Errorf("merged = %+v", keep)
	}
}

func TestMergeMessagePatch(t *testing.T) {
	cur := &Message{
		SessionID: "s1", RemoteJID: "c@s.whatsapp.net", MsgID: "m1",
		Body:   json.RawMessage(`{"conversation":"v1"}`),
		Status: "DELIVERY_ACK",
	}
	out := MergeMessage(cur, &Message{Status: "READ"})
	if out.Status != "READ" {
		t.Errorf("status = %q, want READ", out.Status)
	}
	if string(out.Body) != `{"conversation":"v1"}` {
		t.Errorf("body = %s, want preserved", out.Body)
	}
}
