// Package sanitize normalizes raw event payloads into storage-safe records.
//
// Incoming records are loosely-typed maps whose shape varies by protocol
// version. Clean reduces them to a fixed relational shape: non-data values
// are stripped, binary and boxed-integer encodings are normalized, and each
// entity kind keeps only its allowlisted fields.
package sanitize

import (
	"reflect"
	"sort"
	"strconv"
	"time"
)

// Kind selects the field allowlist applied to a record.
type Kind string

const (
	KindSession Kind = "session"
	KindChat    Kind = "chat"
	KindContact Kind = "contact"
	KindMessage Kind = "message"
)

// allowlists maps each entity kind to the set of fields that survive Clean.
// Anything else the source sends is dropped and reported to the caller.
var allowlists = map[Kind]map[string]bool{
	KindSession: {
		"id":   true,
		"data": true,
	},
	KindChat: {
		"id":                        true,
		"name":                      true,
		"conversationTimestamp":     true,
		"unreadCount":               true,
		"readOnly":                  true,
		"pinned":                    true,
		"archived":                  true,
		"muteEndTime":               true,
		"ephemeralExpiration":       true,
		"ephemeralSettingTimestamp": true,
		"endOfHistoryTransfer":      true,
		"endOfHistoryTransferType":  true,
		"lastMsgTimestamp":          true,
		"lidJid":                    true,
		"pnJid":                     true,
		"newJid":                    true,
		"oldJid":                    true,
		"notSpam":                   true,
		"markedAsUnread":            true,
		"displayName":               true,
	},
	KindContact: {
		"id":           true,
		"name":         true,
		"notify":       true,
		"verifiedName": true,
		"imgUrl":       true,
		"status":       true,
	},
	KindMessage: {
		"id":                    true,
		"remoteJid":             true,
		"fromMe":                true,
		"key":                   true,
		"message":               true,
		"messageTimestamp":      true,
		"participant":           true,
		"pushName":              true,
		"broadcast":             true,
		"status":                true,
		"reactions":             true,
		"userReceipt":           true,
		"messageSecret":         true,
		"mediaCiphertextSha256": true,
	},
}

// timestampFields are coerced to int64 regardless of incoming encoding.
// A value that cannot be parsed becomes zero rather than failing the record.
var timestampFields = map[string]bool{
	"conversationTimestamp":     true,
	"messageTimestamp":          true,
	"lastMsgTimestamp":          true,
	"muteEndTime":               true,
	"ephemeralSettingTimestamp": true,
}

// Clean sanitizes a raw record for the given entity kind. It returns the
// cleaned record and the names of fields removed by the allowlist, for
// diagnostic logging. Clean never fails; offending values are dropped or
// zeroed field by field.
func Clean(raw map[string]any, kind Kind) (map[string]any, []string) {
	allowed := allowlists[kind]
	out := make(map[string]any, len(raw))
	var filtered []string

	for key, val := range raw {
		if allowed != nil && !allowed[key] {
			filtered = append(filtered, key)
			continue
		}
		clean, ok := cleanValue(val)
		if !ok {
			// Non-data value: remove the key entirely.
			continue
		}
		if timestampFields[key] {
			clean = coerceTimestamp(clean)
		}
		out[key] = clean
	}

	sort.Strings(filtered)
	return out, filtered
}

// cleanValue normalizes a single value. The second return is false when the
// value is non-data and its key must be dropped from the enclosing record.
func cleanValue(val any) (any, bool) {
	switch v := val.(type) {
	case nil:
		return nil, true
	case time.Time:
		return v.UTC().Format(time.RFC3339), true
	case map[string]any:
		if b, ok := decodeByteObject(v); ok {
			return b, true
		}
		if n, ok := decodeBoxedInt64(v); ok {
			return n, true
		}
		out := make(map[string]any, len(v))
		for k, inner := range v {
			c, ok := cleanValue(inner)
			if !ok {
				continue
			}
			out[k] = c
		}
		return out, true
	case []any:
		out := make([]any, 0, len(v))
		for _, inner := range v {
			c, ok := cleanValue(inner)
			if !ok {
				continue
			}
			out = append(out, c)
		}
		return out, true
	case []byte, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v, true
	}

	switch reflect.ValueOf(val).Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return nil, false
	}
	return val, true
}

// decodeBoxedInt64 recognizes the {low, high, unsigned} encoding of 64-bit
// integers and folds it into a native int64.
func decodeBoxedInt64(m map[string]any) (int64, bool) {
	lowVal, hasLow := m["low"]
	highVal, hasHigh := m["high"]
	if !hasLow || !hasHigh {
		return 0, false
	}
	low, ok := toInt64(lowVal)
	if !ok {
		return 0, false
	}
	high, ok := toInt64(highVal)
	if !ok {
		return 0, false
	}
	if _, hasFlag := m["unsigned"]; !hasFlag && len(m) > 2 {
		return 0, false
	}
	return high<<32 | int64(uint32(low)), true
}

// decodeByteObject recognizes byte arrays encoded as objects: either a
// {"type":"Buffer","data":[...]} wrapper or a map of ordered numeric keys
// to byte values. Returns the raw bytes.
func decodeByteObject(m map[string]any) ([]byte, bool) {
	if t, ok := m["type"].(string); ok && t == "Buffer" {
		data, ok := m["data"].([]any)
		if !ok {
			return nil, false
		}
		return bytesFromList(data)
	}

	if len(m) == 0 {
		return nil, false
	}
	buf := make([]byte, len(m))
	for k, v := range m {
		idx, err := strconv.Atoi(k)
		if err != nil || idx < 0 || idx >= len(buf) {
			return nil, false
		}
		n, ok := toInt64(v)
		if !ok || n < 0 || n > 255 {
			return nil, false
		}
		buf[idx] = byte(n)
	}
	return buf, true
}

func bytesFromList(list []any) ([]byte, bool) {
	buf := make([]byte, len(list))
	for i, v := range list {
		n, ok := toInt64(v)
		if !ok || n < 0 || n > 255 {
			return nil, false
		}
		buf[i] = byte(n)
	}
	return buf, true
}

// coerceTimestamp forces a timestamp field to int64. Numeric strings parse;
// anything unparseable becomes zero so one bad timestamp never sinks the
// whole record.
func coerceTimestamp(val any) int64 {
	if n, ok := toInt64(val); ok {
		return n
	}
	if s, ok := val.(string); ok {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(f)
		}
	}
	return 0
}

func toInt64(val any) (int64, bool) {
	switch n := val.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
