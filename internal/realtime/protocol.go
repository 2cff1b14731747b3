// Package realtime is the relay gateway: it authenticates websocket
// connections, joins them to their channels and moves chat events between
// clients and the broker.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Frame is the JSON text frame exchanged with clients.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ref   string          `json:"ref,omitempty"`
}

// Client events
const (
	EventSendPublic  = "sendPublicMessage"
	EventSendPrivate = "sendPrivateMessage"
	EventSendRoom    = "sendRoomMessage"
	EventNewMessage  = "newMessage"
	EventJoinRoom    = "joinRoom"
	EventLeaveRoom   = "leaveRoom"
	EventHeartbeat   = "heartbeat"
)

// Server events
const (
	EventPublicMessage  = "publicMessage"
	EventPrivateMessage = "privateMessage"
	EventRoomMessage    = "newMessage"
	EventChatMessage    = "message"
	EventNotice         = "notice"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventError          = "error"
	EventReply          = "reply"
)

// Error codes carried by error events.
const (
	CodeUnauthorized      = "unauthorized"
	CodeForbidden         = "forbidden"
	CodeInvalidChannel    = "invalid_channel"
	CodeInvalidPayload    = "invalid_payload"
	CodeUnknownEvent      = "unknown_event"
	CodeRateLimited       = "rate_limited"
	CodeBrokerUnavailable = "broker_unavailable"
	CodeInternal          = "internal"
)

// ProtocolError is a rejected inbound frame. It is echoed to the sender as an
// error event.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Code + ": " + e.Message
}

func protoErr(code, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Inbound is one decoded client event.
type Inbound interface {
	inbound()
}

type PublicMsg struct {
	Content string
}

type DirectMsg struct {
	To      string
	Content string
}

type RoomMsg struct {
	RoomID  string
	Content string
}

// ChatMsg is the legacy newMessage event relayed on the chat channel.
type ChatMsg struct {
	Topic    string
	Content  string
	SenderID string
	MemberID string
}

type JoinRoom struct {
	RoomID string
}

type LeaveRoom struct {
	RoomID string
}

type Heartbeat struct{}

func (PublicMsg) inbound() {}
func (DirectMsg) inbound() {}
func (RoomMsg) inbound()   {}
func (ChatMsg) inbound()   {}
func (JoinRoom) inbound()  {}
func (LeaveRoom) inbound() {}
func (Heartbeat) inbound() {}

// Decode parses a client frame into its event variant. The frame is returned
// even on error so the caller can echo its ref.
func Decode(data []byte) (Frame, Inbound, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, nil, protoErr(CodeInvalidPayload, "malformed frame")
	}

	switch f.Event {
	case EventSendPublic:
		content, err := decodeContent(f.Data)
		if err != nil {
			return f, nil, err
		}
		return f, PublicMsg{Content: content}, nil

	case EventSendPrivate:
		var d struct {
			To      string `json:"to"`
			Message string `json:"message"`
		}
		if err := decodeObject(f.Data, &d); err != nil {
			return f, nil, err
		}
		if d.To == "" {
			return f, nil, protoErr(CodeInvalidPayload, "to is required")
		}
		if strings.TrimSpace(d.Message) == "" {
			return f, nil, protoErr(CodeInvalidPayload, "message is required")
		}
		return f, DirectMsg{To: d.To, Content: d.Message}, nil

	case EventSendRoom:
		var d struct {
			RoomID  string `json:"roomId"`
			Message string `json:"message"`
		}
		if err := decodeObject(f.Data, &d); err != nil {
			return f, nil, err
		}
		if d.RoomID == "" {
			return f, nil, protoErr(CodeInvalidPayload, "roomId is required")
		}
		if strings.TrimSpace(d.Message) == "" {
			return f, nil, protoErr(CodeInvalidPayload, "message is required")
		}
		return f, RoomMsg{RoomID: d.RoomID, Content: d.Message}, nil

	case EventNewMessage:
		var d struct {
			Channel  string `json:"channel"`
			Content  string `json:"content"`
			SenderID string `json:"senderId"`
			MemberID string `json:"memberId"`
		}
		if err := decodeObject(f.Data, &d); err != nil {
			return f, nil, err
		}
		if strings.TrimSpace(d.Content) == "" {
			return f, nil, protoErr(CodeInvalidPayload, "content is required")
		}
		return f, ChatMsg{Topic: d.Channel, Content: d.Content, SenderID: d.SenderID, MemberID: d.MemberID}, nil

	case EventJoinRoom, EventLeaveRoom:
		var d struct {
			RoomID string `json:"roomId"`
		}
		if err := decodeObject(f.Data, &d); err != nil {
			return f, nil, err
		}
		if d.RoomID == "" {
			return f, nil, protoErr(CodeInvalidPayload, "roomId is required")
		}
		if f.Event == EventJoinRoom {
			return f, JoinRoom{RoomID: d.RoomID}, nil
		}
		return f, LeaveRoom{RoomID: d.RoomID}, nil

	case EventHeartbeat:
		return f, Heartbeat{}, nil

	case "":
		return f, nil, protoErr(CodeInvalidPayload, "event is required")
	}
	return f, nil, protoErr(CodeUnknownEvent, "unknown event %q", f.Event)
}

// decodeContent accepts a bare JSON string or {"message": "..."}.
func decodeContent(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var d struct {
			Message string `json:"message"`
		}
		if err := decodeObject(raw, &d); err != nil {
			return "", err
		}
		s = d.Message
	}
	if strings.TrimSpace(s) == "" {
		return "", protoErr(CodeInvalidPayload, "message is required")
	}
	return s, nil
}

func decodeObject(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return protoErr(CodeInvalidPayload, "data is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return protoErr(CodeInvalidPayload, "malformed data")
	}
	return nil
}

// Envelope kinds
const (
	KindPublic   = "public"
	KindDirect   = "direct"
	KindRoom     = "room"
	KindChat     = "chat"
	KindNotice   = "notice"
	KindPresence = "presence"
)

// Envelope is the broker payload. Every process renders it into the client
// frame for its own listeners.
type Envelope struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Channel  string    `json:"channel"`
	SenderID string    `json:"sender_id"`
	To       string    `json:"to,omitempty"`
	RoomID   string    `json:"room_id,omitempty"`
	MemberID string    `json:"member_id,omitempty"`
	Topic    string    `json:"topic,omitempty"`
	Event    string    `json:"event,omitempty"`
	Content  string    `json:"content"`
	Ts       time.Time `json:"ts"`
	// Origin is the connection id that must not receive its own envelope.
	Origin string `json:"origin,omitempty"`
}

// Render turns an envelope into the outbound frame clients receive.
func (e Envelope) Render() ([]byte, error) {
	var event string
	var data any

	switch e.Kind {
	case KindPublic:
		event = EventPublicMessage
		data = map[string]any{"id": e.ID, "senderId": e.SenderID, "content": e.Content, "ts": e.Ts}
	case KindDirect:
		event = EventPrivateMessage
		data = map[string]any{"id": e.ID, "senderId": e.SenderID, "to": e.To, "content": e.Content, "ts": e.Ts}
	case KindRoom:
		event = EventRoomMessage
		data = map[string]any{"id": e.ID, "roomId": e.RoomID, "senderId": e.SenderID, "content": e.Content, "ts": e.Ts}
	case KindChat:
		event = EventChatMessage
		data = map[string]any{
			"id": e.ID, "channel": e.Topic, "senderId": e.SenderID, "memberId": e.MemberID,
			"content": e.Content, "ts": e.Ts,
		}
	case KindNotice:
		event = EventNotice
		data = map[string]any{"id": e.ID, "content": e.Content, "ts": e.Ts}
	case KindPresence:
		if e.Event != EventUserJoined && e.Event != EventUserLeft {
			return nil, fmt.Errorf("unknown presence event %q", e.Event)
		}
		event = e.Event
		data = map[string]any{"message": e.Content, "id": e.SenderID}
	default:
		return nil, fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
	return encodeFrame(event, data, "")
}

func encodeFrame(event string, data any, ref string) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw, Ref: ref})
}

// errorFrame renders an error event for the sender of ref.
func errorFrame(err error, ref string) []byte {
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		pe = &ProtocolError{Code: CodeInternal, Message: "internal error"}
	}
	data, _ := encodeFrame(EventError, map[string]string{
		"code":    pe.Code,
		"message": pe.Message,
		"ref":     ref,
	}, ref)
	return data
}

func replyFrame(ref string) []byte {
	data, _ := encodeFrame(EventReply, map[string]string{"status": "ok", "ref": ref}, ref)
	return data
}
