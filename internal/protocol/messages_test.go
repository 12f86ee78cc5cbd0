package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid send-message event
// ---------------------------------------------------------------------------

func TestParseClientEvent_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send-message","chatId":42,"content":"Hello!","kind":"text","clientTempId":"tmp-1"}`)

	eventType, msg, err := ParseClientEvent(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eventType != EventSendMessage {
		t.Fatalf("expected type %q, got %q", EventSendMessage, eventType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.ChatID != 42 {
		t.Errorf("expected chatId 42, got %d", sm.ChatID)
	}
	if sm.Content != "Hello!" {
		t.Errorf("expected content %q, got %q", "Hello!", sm.Content)
	}
	if sm.ClientTempID != "tmp-1" {
		t.Errorf("expected clientTempId %q, got %q", "tmp-1", sm.ClientTempID)
	}
}

// ---------------------------------------------------------------------------
// Test: Underscore spellings map to the same canonical event
// ---------------------------------------------------------------------------

func TestParseClientEvent_UnderscoreSynonyms(t *testing.T) {
	cases := []struct {
		input     string
		canonical string
	}{
		{`{"type":"send_message","chatId":1,"content":"hi"}`, EventSendMessage},
		{`{"type":"mark_read","messageId":7,"chatId":1}`, EventMarkRead},
		{`{"type":"mark_all_read","chatId":1}`, EventMarkAllRead},
		{`{"type":"message_received","messageId":7,"chatId":1}`, EventMessageReceived},
		{`{"type":"join_chat","chatId":3}`, EventJoinChat},
		{`{"type":"typing_start","chatId":3}`, EventTypingStart},
		{`{"type":"delete_message","messageId":9}`, EventDeleteMessage},
	}

	for _, tc := range cases {
		eventType, msg, err := ParseClientEvent([]byte(tc.input))
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tc.input, err)
			continue
		}
		if eventType != tc.canonical {
			t.Errorf("%s: expected canonical type %q, got %q", tc.input, tc.canonical, eventType)
		}
		if msg == nil {
			t.Errorf("%s: expected decoded struct, got nil", tc.input)
		}
	}
}

// Both spellings of the same event must decode to identical structs.
func TestParseClientEvent_SynonymsDecodeIdentically(t *testing.T) {
	_, hyphen, err := ParseClientEvent([]byte(`{"type":"mark-read","messageId":5,"chatId":2,"chatType":"group"}`))
	if err != nil {
		t.Fatalf("hyphen spelling: %v", err)
	}
	_, underscore, err := ParseClientEvent([]byte(`{"type":"mark_read","messageId":5,"chatId":2,"chatType":"group"}`))
	if err != nil {
		t.Fatalf("underscore spelling: %v", err)
	}

	h := hyphen.(MarkReadMsg)
	u := underscore.(MarkReadMsg)
	if h.MessageID != u.MessageID || h.ChatID != u.ChatID || h.ChatType != u.ChatType {
		t.Errorf("spellings decoded differently: %+v vs %+v", h, u)
	}
}

// ---------------------------------------------------------------------------
// Test: Validation of required fields
// ---------------------------------------------------------------------------

func TestParseClientEvent_MissingRequiredFields(t *testing.T) {
	cases := []string{
		`{"type":"send-message","content":"hi"}`,           // no chatId
		`{"type":"send-message","chatId":0,"content":"x"}`, // zero chatId
		`{"type":"mark-read","chatId":1}`,                  // no messageId
		`{"type":"authenticate"}`,                          // no userId
		`{"type":"join-chat"}`,                             // no chatId
		`{"type":"delete-message"}`,                        // no messageId
	}

	for _, input := range cases {
		_, _, err := ParseClientEvent([]byte(input))
		if err == nil {
			t.Errorf("%s: expected error, got nil", input)
			continue
		}
		if !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("%s: expected ErrInvalidPayload, got %v", input, err)
		}
	}
}

func TestParseClientEvent_UnknownType(t *testing.T) {
	_, _, err := ParseClientEvent([]byte(`{"type":"warp-drive"}`))
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestParseClientEvent_MissingType(t *testing.T) {
	_, _, err := ParseClientEvent([]byte(`{"chatId":1}`))
	if err == nil {
		t.Fatal("expected error for missing type field")
	}
}

func TestParseClientEvent_InvalidJSON(t *testing.T) {
	_, _, err := ParseClientEvent([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Server event construction
// ---------------------------------------------------------------------------

func TestNewServerEvent_InjectsType(t *testing.T) {
	payload := MessagesDeliveredMsg{
		MessageIDs: []int64{1, 2, 3},
		UserID:     9,
		ChatID:     4,
		ChatType:   "group",
		Timestamp:  "2026-01-02T03:04:05Z",
	}

	data, err := NewServerEvent(EventMessagesDelivered, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if m["type"] != EventMessagesDelivered {
		t.Errorf("expected type %q, got %v", EventMessagesDelivered, m["type"])
	}
	ids, ok := m["messageIds"].([]interface{})
	if !ok || len(ids) != 3 {
		t.Errorf("expected 3 messageIds, got %v", m["messageIds"])
	}
	if m["userId"] != float64(9) {
		t.Errorf("expected userId 9, got %v", m["userId"])
	}
}

// Outbound events always use the canonical hyphenated spelling.
func TestNewServerEvent_HyphenatedSpelling(t *testing.T) {
	data, err := NewServerEvent(EventMessageRead, MessageReadMsg{MessageID: 1, UserID: 2, ChatID: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(string(data), "message_read") {
		t.Errorf("outbound event used underscore spelling: %s", data)
	}
	if !strings.Contains(string(data), `"message-read"`) {
		t.Errorf("outbound event missing canonical spelling: %s", data)
	}
}
