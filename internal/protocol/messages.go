// Package protocol defines the WebSocket event types and structures used for
// communication between the client and server. All events are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
//
// The wire protocol evolved two spellings for most events (hyphenated and
// underscored). Both are accepted on the inbound path and mapped to a single
// canonical constant before any handler sees them; outbound events are always
// emitted with the canonical hyphenated spelling.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Event type constants (canonical spellings)
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	EventAuthenticate    = "authenticate"
	EventSendMessage     = "send-message"
	EventJoinChat        = "join-chat"
	EventLeaveChat       = "leave-chat"
	EventMarkRead        = "mark-read"
	EventMarkAllRead     = "mark-all-read"
	EventMessageReceived = "message-received"
	EventTypingStart     = "typing-start"
	EventTypingStop      = "typing-stop"
	EventDeleteMessage   = "delete-message"
	EventPing            = "ping"
)

// Server -> Client event types.
const (
	EventAuthenticated     = "authenticated"
	EventNewMessage        = "new-message"
	EventMessageSent       = "message-sent"
	EventMessageError      = "message-error"
	EventMessagesDelivered = "messages-delivered"
	EventMessageRead       = "message-read"
	EventMessageDeleted    = "message-deleted"
	EventOnlineUsers       = "online-users"
	EventUserOnline        = "user-online"
	EventUserOffline       = "user-offline"
	EventError             = "error"
	EventPong              = "pong"
)

// ErrInvalidPayload is returned when an event's payload does not decode into
// the typed struct for its event type, or is missing required fields.
var ErrInvalidPayload = errors.New("protocol: invalid payload")

// canonicalize maps every accepted external spelling to its canonical event
// constant. Underscored spellings are transport-level synonyms, never distinct
// events; internal logic must not branch on spelling.
func canonicalize(eventType string) string {
	return strings.ReplaceAll(eventType, "_", "-")
}

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// AuthenticateMsg binds the connection to a user identity. The identity is
// issued by the external auth layer; the gateway trusts it as given.
type AuthenticateMsg struct {
	Type     string `json:"type"`
	UserID   int64  `json:"userId"`
	UserName string `json:"userName"`
}

// SendMessageMsg submits a new chat message. ClientTempID is an optimistic
// client-side identifier echoed back verbatim in the message-sent
// confirmation so the client can reconcile it with the server-assigned ID.
type SendMessageMsg struct {
	Type         string `json:"type"`
	ChatID       int64  `json:"chatId"`
	Content      string `json:"content"`
	Kind         string `json:"kind"`
	ClientTempID string `json:"clientTempId"`
}

// JoinChatMsg subscribes the connection to a chat room.
type JoinChatMsg struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chatId"`
}

// LeaveChatMsg unsubscribes the connection from a chat room.
type LeaveChatMsg struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chatId"`
}

// MarkReadMsg acknowledges that the user has read a single message.
type MarkReadMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"messageId"`
	ChatID    int64  `json:"chatId"`
	ChatType  string `json:"chatType"`
}

// MarkAllReadMsg acknowledges every unread message in a chat at once.
type MarkAllReadMsg struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chatId"`
}

// MessageReceivedMsg is an explicit delivery acknowledgment: the client
// confirms it rendered a specific message.
type MessageReceivedMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"messageId"`
	ChatID    int64  `json:"chatId"`
	ChatType  string `json:"chatType"`
}

// TypingStartMsg signals that the user started typing in a chat.
type TypingStartMsg struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chatId"`
}

// TypingStopMsg signals that the user stopped typing in a chat.
type TypingStopMsg struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chatId"`
}

// DeleteMessageMsg requests a soft delete of a message the user sent.
type DeleteMessageMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"messageId"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// AuthenticatedMsg confirms the connection is bound to a user.
type AuthenticatedMsg struct {
	Type     string `json:"type"`
	UserID   int64  `json:"userId"`
	UserName string `json:"userName"`
}

// NewMessageMsg carries a freshly persisted message to the other chat
// participants.
type NewMessageMsg struct {
	Type         string `json:"type"`
	MessageID    int64  `json:"messageId"`
	ChatID       int64  `json:"chatId"`
	ChatType     string `json:"chatType"`
	SenderID     int64  `json:"senderId"`
	SenderName   string `json:"senderName"`
	Content      string `json:"content"`
	Kind         string `json:"kind"`
	SentAt       string `json:"sentAt"`
	ClientTempID string `json:"clientTempId,omitempty"`
}

// MessageSentMsg is the send confirmation echoed to the sender, carrying the
// authoritative message ID alongside the client's temporary one.
type MessageSentMsg struct {
	Type         string `json:"type"`
	ClientTempID string `json:"clientTempId,omitempty"`
	MessageID    int64  `json:"messageId"`
	ChatID       int64  `json:"chatId"`
	ChatType     string `json:"chatType"`
	Timestamp    string `json:"timestamp"`
}

// MessageErrorMsg reports a failed send, echoing the client temp ID so the
// client can roll back optimistic UI.
type MessageErrorMsg struct {
	Type         string `json:"type"`
	Code         string `json:"code"`
	Message      string `json:"message"`
	ClientTempID string `json:"clientTempId,omitempty"`
}

// MessagesDeliveredMsg is a batch delivery notification to a sender: all
// listed messages were delivered to the given recipient in one action.
type MessagesDeliveredMsg struct {
	Type            string  `json:"type"`
	MessageIDs      []int64 `json:"messageIds"`
	UserID          int64   `json:"userId"`
	DeliveredByName string  `json:"deliveredByName,omitempty"`
	ChatID          int64   `json:"chatId"`
	ChatType        string  `json:"chatType"`
	Timestamp       string  `json:"timestamp"`
}

// MessageReadMsg is a read receipt for a single message.
type MessageReadMsg struct {
	Type       string `json:"type"`
	MessageID  int64  `json:"messageId"`
	UserID     int64  `json:"userId"`
	ReadByName string `json:"readByName"`
	ChatID     int64  `json:"chatId"`
	ChatType   string `json:"chatType"`
	Timestamp  string `json:"timestamp"`
}

// MessagesReadMsg is the batched form of a read receipt, produced by
// mark-all-read: every listed message was read by the same user in one
// action. It is emitted under the same message-read event type.
type MessagesReadMsg struct {
	Type       string  `json:"type"`
	MessageIDs []int64 `json:"messageIds"`
	UserID     int64   `json:"userId"`
	ReadByName string  `json:"readByName"`
	ChatID     int64   `json:"chatId"`
	ChatType   string  `json:"chatType"`
	Timestamp  string  `json:"timestamp"`
}

// MessageDeletedMsg announces a tombstoned message to the chat.
type MessageDeletedMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"messageId"`
	ChatID    int64  `json:"chatId"`
	DeletedBy int64  `json:"deletedBy"`
	Timestamp string `json:"timestamp"`
}

// OnlineUsersMsg is the snapshot of online user IDs sent on authenticate.
type OnlineUsersMsg struct {
	Type    string  `json:"type"`
	UserIDs []int64 `json:"userIds"`
}

// UserOnlineMsg announces that a user came online.
type UserOnlineMsg struct {
	Type      string `json:"type"`
	UserID    int64  `json:"userId"`
	UserName  string `json:"userName"`
	Timestamp string `json:"timestamp"`
}

// UserOfflineMsg announces that a user went offline.
type UserOfflineMsg struct {
	Type      string `json:"type"`
	UserID    int64  `json:"userId"`
	UserName  string `json:"userName"`
	Timestamp string `json:"timestamp"`
}

// TypingMsg relays a typing indicator to the chat room. It is used for both
// typing-start and typing-stop outbound events.
type TypingMsg struct {
	Type     string `json:"type"`
	ChatID   int64  `json:"chatId"`
	UserID   int64  `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

// ErrorMsg communicates an error condition to the client.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
	Time string `json:"time"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientEvent parses raw WebSocket bytes into a typed client event.
// It returns the canonical event type, the decoded struct, and any error.
// Underscored spellings are accepted and canonicalized; unknown types and
// payloads that fail to decode or miss required fields return an error
// wrapping ErrInvalidPayload where appropriate.
func ParseClientEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	eventType := canonicalize(env.Type)

	var (
		msg interface{}
		err error
	)

	switch eventType {
	case EventAuthenticate:
		var m AuthenticateMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.UserID <= 0 {
			err = fmt.Errorf("missing userId")
		}
		msg = m
	case EventSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.ChatID <= 0 {
			err = fmt.Errorf("missing chatId")
		}
		msg = m
	case EventJoinChat:
		var m JoinChatMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.ChatID <= 0 {
			err = fmt.Errorf("missing chatId")
		}
		msg = m
	case EventLeaveChat:
		var m LeaveChatMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.ChatID <= 0 {
			err = fmt.Errorf("missing chatId")
		}
		msg = m
	case EventMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && (m.MessageID <= 0 || m.ChatID <= 0) {
			err = fmt.Errorf("missing messageId or chatId")
		}
		msg = m
	case EventMarkAllRead:
		var m MarkAllReadMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.ChatID <= 0 {
			err = fmt.Errorf("missing chatId")
		}
		msg = m
	case EventMessageReceived:
		var m MessageReceivedMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.MessageID <= 0 {
			err = fmt.Errorf("missing messageId")
		}
		msg = m
	case EventTypingStart:
		var m TypingStartMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.ChatID <= 0 {
			err = fmt.Errorf("missing chatId")
		}
		msg = m
	case EventTypingStop:
		var m TypingStopMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.ChatID <= 0 {
			err = fmt.Errorf("missing chatId")
		}
		msg = m
	case EventDeleteMessage:
		var m DeleteMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		if err == nil && m.MessageID <= 0 {
			err = fmt.Errorf("missing messageId")
		}
		msg = m
	case EventPing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return eventType, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}

	if err != nil {
		return eventType, nil, fmt.Errorf("%w: %q: %v", ErrInvalidPayload, eventType, err)
	}
	return eventType, msg, nil
}

// NewServerEvent creates a JSON-encoded byte slice for a server event. The
// eventType is injected into the payload under the "type" key. The payload
// should be one of the server event structs above.
func NewServerEvent(eventType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = eventType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server event: %w", err)
	}
	return out, nil
}
