package chat

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"
)

// MaxContentLength is the largest accepted message content, in characters.
const MaxContentLength = 50000

var allowedRoles = map[string]struct{}{
	"system":    {},
	"user":      {},
	"assistant": {},
}

// DecodeMessages validates the raw "messages" field of a chat body and decodes it.
// A missing field is treated as an empty list.
func DecodeMessages(raw json.RawMessage) ([]Message, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, ValidateMessages(nil)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, badRequest("Messages must be an array")
	}
	if len(items) == 0 {
		return nil, ValidateMessages(nil)
	}
	out := make([]Message, 0, len(items))
	for _, item := range items {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil || fields == nil {
			return nil, badRequest("Each message must be an object")
		}
		roleRaw, hasRole := fields["role"]
		contentRaw, hasContent := fields["content"]
		if !hasRole || isFalsy(roleRaw) || !hasContent || isFalsy(contentRaw) {
			return nil, badRequest("Each message must have role and content fields")
		}
		role, ok := stringField(fields, "role")
		if _, allowed := allowedRoles[role]; !ok || !allowed {
			return nil, badRequest("Message role must be system, user, or assistant")
		}
		content, ok := stringField(fields, "content")
		if !ok {
			return nil, badRequest("Message content must be a string")
		}
		out = append(out, Message{Role: role, Content: content})
	}
	if err := ValidateMessages(out); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateMessages checks already-typed messages.
func ValidateMessages(msgs []Message) error {
	if len(msgs) == 0 {
		return badRequest("At least one message is required")
	}
	for _, m := range msgs {
		if m.Role == "" || m.Content == "" {
			return badRequest("Each message must have role and content fields")
		}
		if _, ok := allowedRoles[m.Role]; !ok {
			return badRequest("Message role must be system, user, or assistant")
		}
		if utf8.RuneCountInString(m.Content) > MaxContentLength {
			return badRequest("Message content too long (max %d characters)", MaxContentLength)
		}
	}
	return nil
}

// stringField returns the field as a string; ok is false when it is absent or not a string.
func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func isFalsy(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", "false", "0", `""`:
		return true
	}
	return false
}
