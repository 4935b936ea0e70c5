package wire

import (
	"encoding/json"

	"github.com/roteiro/chatsync/internal/chat"
)

// Frame is the envelope every socket frame uses, in both directions.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Frame type strings recognized on the wire.
const (
	TypeChatMessage = "chat_message"
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"
	TypeMessageRead = "message_read"
	TypeUserJoined  = "user_joined"
	TypeUserLeft    = "user_left"
	TypeError       = "error"
)

// Event is an inbound frame decoded to its concrete variant. The set of
// variants is closed; Decode maps anything unrecognized to ErrorEvent or
// Unknown so a bad frame never surfaces as a decode error.
type Event interface {
	frameType() string
}

// ChatMessage carries a newly delivered message.
type ChatMessage struct {
	Message chat.Message `json:"message"`
}

// TypingStart reports that a participant began composing.
type TypingStart struct {
	UserID chat.UserID `json:"user_id"`
}

// TypingStop reports that a participant stopped composing.
type TypingStop struct {
	UserID chat.UserID `json:"user_id"`
}

// MessageRead reports messages read by another participant.
type MessageRead struct {
	UserID     chat.UserID      `json:"user_id"`
	MessageIDs []chat.MessageID `json:"message_ids"`
}

// UserJoined reports a participant joining the conversation channel.
type UserJoined struct {
	User chat.UserSummary `json:"user"`
}

// UserLeft reports a participant leaving the conversation channel.
type UserLeft struct {
	User chat.UserSummary `json:"user"`
}

// ErrorEvent is a server-reported error, or a frame this client failed to
// decode.
type ErrorEvent struct {
	Message string `json:"message"`
}

// Unknown is a well-formed frame with an unrecognized type. Kept as its own
// variant so listeners can log it without treating it as an error.
type Unknown struct {
	Type string
	Data json.RawMessage
}

func (ChatMessage) frameType() string { return TypeChatMessage }
func (TypingStart) frameType() string { return TypeTypingStart }
func (TypingStop) frameType() string  { return TypeTypingStop }
func (MessageRead) frameType() string { return TypeMessageRead }
func (UserJoined) frameType() string  { return TypeUserJoined }
func (UserLeft) frameType() string    { return TypeUserLeft }
func (ErrorEvent) frameType() string  { return TypeError }
func (Unknown) frameType() string     { return "unknown" }

// Decode parses a raw inbound frame into its typed variant. It never returns
// an error: malformed payloads come back as ErrorEvent and unrecognized
// types as Unknown, keeping the read loop alive.
func Decode(raw []byte) Event {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return ErrorEvent{Message: "malformed frame: " + err.Error()}
	}

	switch f.Type {
	case TypeChatMessage:
		var msg chat.Message
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			return ErrorEvent{Message: "malformed chat_message: " + err.Error()}
		}
		return ChatMessage{Message: msg}
	case TypeTypingStart:
		return decodeInto[TypingStart](f)
	case TypeTypingStop:
		return decodeInto[TypingStop](f)
	case TypeMessageRead:
		return decodeInto[MessageRead](f)
	case TypeUserJoined:
		return decodeInto[UserJoined](f)
	case TypeUserLeft:
		return decodeInto[UserLeft](f)
	case TypeError:
		var e ErrorEvent
		if err := json.Unmarshal(f.Data, &e); err != nil || e.Message == "" {
			e.Message = "server error"
		}
		return e
	default:
		return Unknown{Type: f.Type, Data: f.Data}
	}
}

func decodeInto[T Event](f Frame) Event {
	var v T
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &v); err != nil {
			return ErrorEvent{Message: "malformed " + f.Type + ": " + err.Error()}
		}
	}
	return v
}

// EncodeTyping builds the outbound typing_start/typing_stop frame. The data
// object is empty: the server attributes the signal to the authenticated
// connection.
func EncodeTyping(active bool) ([]byte, error) {
	t := TypeTypingStop
	if active {
		t = TypeTypingStart
	}
	return json.Marshal(Frame{Type: t, Data: json.RawMessage(`{}`)})
}

// EncodeReadReceipt builds the outbound message_read frame.
func EncodeReadReceipt(ids []chat.MessageID) ([]byte, error) {
	data, err := json.Marshal(struct {
		MessageIDs []chat.MessageID `json:"message_ids"`
	}{MessageIDs: ids})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: TypeMessageRead, Data: data})
}
