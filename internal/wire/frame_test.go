package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/roteiro/chatsync/internal/chat"
)

func TestDecodeChatMessage(t *testing.T) {
	raw := []byte(`{
		"type": "chat_message",
		"data": {
			"message": {
				"id": "m1",
				"conversation_id": "c1",
				"sender": {"id": "u2", "name": "Ana"},
				"type": "text",
				"content": "chegando no hotel",
				"created_at": "2026-03-01T12:00:00Z"
			}
		}
	}`)

	evt := Decode(raw)
	cm, ok := evt.(ChatMessage)
	if !ok {
		t.Fatalf("decoded %T, want ChatMessage", evt)
	}
	if cm.Message.ID != "m1" || cm.Message.Sender.ID != "u2" {
		t.Errorf("message = %+v", cm.Message)
	}
	if cm.Message.Type != chat.TextMessage {
		t.Errorf("type = %q, want text", cm.Message.Type)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !cm.Message.CreatedAt.Equal(want) {
		t.Errorf("created_at = %v, want %v", cm.Message.CreatedAt, want)
	}
}

func TestDecodeVariants(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"typing start", `{"type":"typing_start","data":{"user_id":"u2"}}`, TypeTypingStart},
		{"typing stop", `{"type":"typing_stop","data":{"user_id":"u2"}}`, TypeTypingStop},
		{"message read", `{"type":"message_read","data":{"user_id":"u2","message_ids":["m1","m2"]}}`, TypeMessageRead},
		{"user joined", `{"type":"user_joined","data":{"user":{"id":"u3","name":"Bia"}}}`, TypeUserJoined},
		{"user left", `{"type":"user_left","data":{"user":{"id":"u3","name":"Bia"}}}`, TypeUserLeft},
		{"server error", `{"type":"error","data":{"message":"rate limited"}}`, TypeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := Decode([]byte(tt.raw))
			if evt.frameType() != tt.want {
				t.Errorf("decoded %T (%s), want %s", evt, evt.frameType(), tt.want)
			}
		})
	}
}

func TestDecodeMessageRead(t *testing.T) {
	evt := Decode([]byte(`{"type":"message_read","data":{"user_id":"u2","message_ids":["m1","m2"]}}`))
	mr, ok := evt.(MessageRead)
	if !ok {
		t.Fatalf("decoded %T, want MessageRead", evt)
	}
	if len(mr.MessageIDs) != 2 || mr.MessageIDs[0] != "m1" {
		t.Errorf("message_ids = %v", mr.MessageIDs)
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	evt := Decode([]byte(`{"type": "chat_mess`))
	if _, ok := evt.(ErrorEvent); !ok {
		t.Errorf("decoded %T, want ErrorEvent", evt)
	}
}

func TestDecodeMalformedData(t *testing.T) {
	evt := Decode([]byte(`{"type":"chat_message","data":{"message":"not an object"}}`))
	if _, ok := evt.(ErrorEvent); !ok {
		t.Errorf("decoded %T, want ErrorEvent", evt)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	evt := Decode([]byte(`{"type":"presence_ping","data":{}}`))
	u, ok := evt.(Unknown)
	if !ok {
		t.Fatalf("decoded %T, want Unknown", evt)
	}
	if u.Type != "presence_ping" {
		t.Errorf("type = %q", u.Type)
	}
}

func TestDecodeErrorWithoutMessage(t *testing.T) {
	evt := Decode([]byte(`{"type":"error","data":{}}`))
	e, ok := evt.(ErrorEvent)
	if !ok {
		t.Fatalf("decoded %T, want ErrorEvent", evt)
	}
	if e.Message == "" {
		t.Error("error event has empty message")
	}
}

func TestEncodeTyping(t *testing.T) {
	for _, active := range []bool{true, false} {
		raw, err := EncodeTyping(active)
		if err != nil {
			t.Fatal(err)
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatal(err)
		}
		want := TypeTypingStop
		if active {
			want = TypeTypingStart
		}
		if f.Type != want {
			t.Errorf("type = %q, want %q", f.Type, want)
		}
	}
}

func TestEncodeReadReceipt(t *testing.T) {
	raw, err := EncodeReadReceipt([]chat.MessageID{"m1", "m2"})
	if err != nil {
		t.Fatal(err)
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatal(err)
	}
	if f.Type != TypeMessageRead {
		t.Errorf("type = %q, want message_read", f.Type)
	}
	var data struct {
		MessageIDs []string `json:"message_ids"`
	}
	if err := json.Unmarshal(f.Data, &data); err != nil {
		t.Fatal(err)
	}
	if len(data.MessageIDs) != 2 {
		t.Errorf("message_ids = %v", data.MessageIDs)
	}
}
