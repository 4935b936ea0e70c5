package conn

import "github.com/roteiro/chatsync/internal/chat"

// InboundMessage is the payload for socket.chat_message events.
type InboundMessage struct {
	ConversationID chat.ConversationID
	Message        chat.Message
}

// TypingSignal is the payload for socket.typing events.
type TypingSignal struct {
	ConversationID chat.ConversationID
	UserID         chat.UserID
	Active         bool
}

// ReadMarker is the payload for socket.message_read events.
type ReadMarker struct {
	ConversationID chat.ConversationID
	UserID         chat.UserID
	MessageIDs     []chat.MessageID
}

// Presence is the payload for socket.presence events.
type Presence struct {
	ConversationID chat.ConversationID
	User           chat.UserSummary
	Joined         bool
}

// SocketError is the payload for socket.error events. Non-fatal: the
// connection stays open.
type SocketError struct {
	ConversationID chat.ConversationID
	Message        string
}
