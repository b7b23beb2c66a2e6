// Package protocol defines the JSON event protocol spoken over the
// persistent websocket channel, plus the wire form of stored messages.
//
// Every frame is a single JSON object with a "type" tag and an optional
// "data" payload:
//
//	{"type": "chat_message", "data": {"msg": "hi", "type": "text"}}
//
// Client events: chat_message, ping, clear_history, load_more.
// Server events: message_created, history_page, history_cleared,
// ping_event, error.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventType tags a wire envelope.
type EventType string

// Client-originated events.
const (
	EventChatMessage  EventType = "chat_message"
	EventPing         EventType = "ping"
	EventClearHistory EventType = "clear_history"
	EventLoadMore     EventType = "load_more"
)

// Server-originated events.
const (
	EventMessageCreated EventType = "message_created"
	EventHistoryPage    EventType = "history_page"
	EventHistoryCleared EventType = "history_cleared"
	EventPingEvent      EventType = "ping_event"
	EventError          EventType = "error"
)

// Message kinds. A text message carries its body literally; the other
// kinds carry a reference URL produced by the upload endpoint.
const (
	KindText  = "text"
	KindImage = "image"
	KindVideo = "video"
	KindAudio = "audio"
	KindFile  = "file"
)

// ValidKind reports whether k is a known message kind.
func ValidKind(k string) bool {
	switch k {
	case KindText, KindImage, KindVideo, KindAudio, KindFile:
		return true
	}
	return false
}

// ErrorKind identifies an error event on the wire.
type ErrorKind string

const (
	ErrKindUnauthorized  ErrorKind = "unauthorized"
	ErrKindBlocked       ErrorKind = "blocked"
	ErrKindInvalidReply  ErrorKind = "invalid_reply"
	ErrKindEmptyBody     ErrorKind = "empty_body"
	ErrKindInvalidCursor ErrorKind = "invalid_cursor"
	ErrKindUploadFailed  ErrorKind = "upload_failed"
	ErrKindServerError   ErrorKind = "server_error"
)

var (
	// ErrMissingType is returned when an envelope has no "type" tag.
	ErrMissingType = errors.New("missing event type")
	// ErrMissingData is returned when a payload-carrying event has no "data".
	ErrMissingData = errors.New("missing event data")
	// ErrInvalidCursor is returned when a load_more cursor is malformed.
	ErrInvalidCursor = errors.New("invalid cursor")
)

// Envelope is the outer wire frame.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DecodeEnvelope parses one inbound frame.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}
	return &env, nil
}

// Bind unmarshals the envelope payload into v.
func (e *Envelope) Bind(v interface{}) error {
	if len(e.Data) == 0 {
		return ErrMissingData
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", e.Type, err)
	}
	return nil
}

// MarshalEvent builds one outbound frame. A nil data produces an
// envelope with the type tag only (history_cleared, ping).
func MarshalEvent(t EventType, data interface{}) ([]byte, error) {
	env := Envelope{Type: t}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s data: %w", t, err)
		}
		env.Data = raw
	}
	return json.Marshal(&env)
}

// ChatMessage is the client payload for EventChatMessage. Kind rides in
// the "type" field, matching the stored message wire form.
type ChatMessage struct {
	Msg     string `json:"msg"`
	Kind    string `json:"type"`
	ReplyTo *int64 `json:"reply_to,omitempty"`
}

// Normalize applies the default kind and trims the body of text
// messages. Media bodies are URLs and stay untouched.
func (m *ChatMessage) Normalize() {
	if m.Kind == "" {
		m.Kind = KindText
	}
	if m.Kind == KindText {
		m.Msg = strings.TrimSpace(m.Msg)
	}
}

// LoadMore is the client payload for EventLoadMore.
type LoadMore struct {
	BeforeTS int64 `json:"before_ts"`
	Limit    int   `json:"limit"`
}

// Validate rejects cursors that cannot address any message.
func (l *LoadMore) Validate() error {
	if l.BeforeTS <= 0 {
		return ErrInvalidCursor
	}
	return nil
}

// ReplySnapshot is the denormalized view of a replied-to message,
// captured when the reply is appended. It stays renderable after the
// original entry is cleared.
type ReplySnapshot struct {
	Author string `json:"author"`
	Kind   string `json:"type"`
	Msg    string `json:"msg"`
}

// Message is the wire form of a stored message.
type Message struct {
	ID        int64          `json:"id"`
	Author    string         `json:"author"`
	Msg       string         `json:"msg"`
	Kind      string         `json:"type"`
	Timestamp int64          `json:"ts"`
	ReplyTo   *int64         `json:"reply_to,omitempty"`
	Reply     *ReplySnapshot `json:"reply,omitempty"`
}

// PingEvent is the server payload for EventPingEvent.
type PingEvent struct {
	From string `json:"from"`
}

// HistoryPage is the server payload for EventHistoryPage, also reused by
// the REST history endpoint. Messages are ordered oldest to newest.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// ErrorEvent is the server payload for EventError. It is only ever sent
// to the connection whose event failed.
type ErrorEvent struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}
