package store

import (
	"encoding/json"
	"fmt"
)

// MergeChat applies a patch onto the current chat row. Empty patch fields
// keep the current value; the unread counter follows increment semantics
// (positive delta adds, explicit zero or negative resets, absent keeps).
func MergeChat(cur, patch *Chat) (*Chat, error) {
	out := *cur
	if patch.Name != "" {
		out.Name = patch.Name
	}
	if patch.ConversationTimestamp > out.ConversationTimestamp {
		out.ConversationTimestamp = patch.ConversationTimestamp
	}
	if patch.UnreadSet {
		if patch.UnreadCount > 0 {
			out.UnreadCount = cur.UnreadCount + patch.UnreadCount
		} else {
			out.UnreadCount = 0
		}
	}
	if patch.Pinned != 0 {
		out.Pinned = patch.Pinned
	}
	if patch.Archived {
		out.Archived = true
	}
	if patch.ReadOnly {
		out.ReadOnly = true
	}
	if patch.MuteEndTime != 0 {
		out.MuteEndTime = patch.MuteEndTime
	}
	if patch.EphemeralExpiration != 0 {
		out.EphemeralExpiration = patch.EphemeralExpiration
	}
	if len(patch.Payload) > 0 {
		merged, err := mergeJSONObjects(cur.Payload, patch.Payload)
		if err != nil {
			return nil, fmt.Errorf("merge chat payload for %q: %w", cur.JID, err)
		}
		out.Payload = merged
	}
	return &out, nil
}

// MergeMessage applies a patch onto the current message row. Structural
// fields overwrite when present; collections are left to their dedicated
// merge functions.
func MergeMessage(cur, patch *Message) *Message {
	out := *cur
	if len(patch.Key) > 0 {
		out.Key = patch.Key
	}
	if len(patch.Body) > 0 {
		out.Body = patch.Body
	}
	if patch.MessageTimestamp != 0 {
		out.MessageTimestamp = patch.MessageTimestamp
	}
	if patch.Participant != "" {
		out.Participant = patch.Participant
	}
	if patch.PushName != "" {
		out.PushName = patch.PushName
	}
	if patch.Status != "" {
		out.Status = patch.Status
	}
	if len(patch.Reactions) > 0 {
		out.Reactions = patch.Reactions
	}
	if len(patch.UserReceipt) > 0 {
		out.UserReceipt = patch.UserReceipt
	}
	return &out
}

// MergeReaction folds one reaction into a reaction collection: the entry
// from the same author is replaced, everyone else's entries are untouched,
// and an empty reaction text removes the author's entry.
func MergeReaction(existing json.RawMessage, reaction map[string]any) (json.RawMessage, error) {
	list, err := decodeList(existing)
	if err != nil {
		return nil, fmt.Errorf("decode reactions: %w", err)
	}

	author := reactionAuthor(reaction)
	out := make([]map[string]any, 0, len(list)+1)
	for _, r := range list {
		if reactionAuthor(r) == author {
			continue
		}
		out = append(out, r)
	}
	if text, _ := reaction["text"].(string); text != "" {
		out = append(out, reaction)
	}
	return json.Marshal(out)
}

// MergeReceipt folds one user receipt into a receipt collection, replacing
// any prior receipt from the same user.
func MergeReceipt(existing json.RawMessage, receipt map[string]any) (json.RawMessage, error) {
	list, err := decodeList(existing)
	if err != nil {
		return nil, fmt.Errorf("decode receipts: %w", err)
	}

	user, _ := receipt["userJid"].(string)
	out := make([]map[string]any, 0, len(list)+1)
	for _, r := range list {
		if u, _ := r["userJid"].(string); u == user {
			continue
		}
		out = append(out, r)
	}
	out = append(out, receipt)
	return json.Marshal(out)
}

// reactionAuthor derives the author key of a reaction from its structural
// message key: the participant when present, otherwise the owner flag or
// the remote address.
func reactionAuthor(reaction map[string]any) string {
	key, _ := reaction["key"].(map[string]any)
	if key == nil {
		return ""
	}
	if p, _ := key["participant"].(string); p != "" {
		return p
	}
	if fromMe, _ := key["fromMe"].(bool); fromMe {
		return "me"
	}
	remote, _ := key["remoteJid"].(string)
	return remote
}

func decodeList(raw json.RawMessage) ([]map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var list []map[string]any
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func mergeJSONObjects(base, patch json.RawMessage) (json.RawMessage, error) {
	merged := make(map[string]any)
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, err
		}
	}
	var p map[string]any
	if err := json.Unmarshal(patch, &p); err != nil {
		return nil, err
	}
	for k, v := range p {
		merged[k] = v
	}
	return json.Marshal(merged)
}
