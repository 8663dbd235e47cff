// Package chatmodel holds the plain data types shared by every core
// component. Ids coming from the chat platform are always strings: the
// webhook decoder preserves big integers that would overflow a 64-bit
// signed integer, so nothing downstream may convert them back to a numeric
// type.
package chatmodel

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"
)

// Role is the speaker of a stored or transient conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// UserProfile is upserted by user id. UtmSource is write-once-wins: a nil
// UtmSource on a later save must never overwrite a previously stored
// non-nil value; that rule is enforced by the storage adapter, not here.
type UserProfile struct {
	UserID       string
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
	UtmSource    *string
	Metadata     map[string]any
	UpdatedAt    time.Time
}

// StoredMessage is a persisted conversation turn. Metadata is canonicalized
// (sorted keys) before it reaches storage so duplicate detection can compare
// it byte-for-byte.
type StoredMessage struct {
	UserID    string
	ChatID    string
	ThreadID  string
	Role      Role
	Text      string
	Timestamp time.Time
	Metadata  json.RawMessage
}

// ConversationTurn is the transient shape passed to the AI port.
type ConversationTurn struct {
	Role Role
	Text string
}

// ChatRef identifies the chat coordinates of an inbound message.
type ChatRef struct {
	ID       string
	ThreadID string
}

// IncomingMessage is the transient result of decoding one webhook update.
type IncomingMessage struct {
	User       UserProfile
	Chat       ChatRef
	Text       string
	MessageID  string
	ReceivedAt time.Time
}

// CanonicalizeMetadata produces deterministic JSON for an arbitrary metadata
// value: object keys are sorted recursively so permutation-equivalent inputs
// marshal to identical bytes. A nil map canonicalizes to "{}".
func CanonicalizeMetadata(v map[string]any) (json.RawMessage, error) {
	if v == nil {
		v = map[string]any{}
	}
	return canonicalizeValue(v)
}

func canonicalizeValue(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			valBytes, err := canonicalizeValue(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(valBytes)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			elBytes, err := canonicalizeValue(e)
			if err != nil {
				return nil, err
			}
			buf.Write(elBytes)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		return json.Marshal(t)
	}
}

// MetadataEqual reports whether two canonicalized metadata blobs are
// byte-equal, treating an empty/nil blob as the canonical empty object.
func MetadataEqual(a, b json.RawMessage) bool {
	if len(a) == 0 {
		a = json.RawMessage("{}")
	}
	if len(b) == 0 {
		b = json.RawMessage("{}")
	}
	return bytes.Equal(a, b)
}
