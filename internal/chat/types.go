package chat

import "time"

// ConversationID identifies a chat conversation. Opaque, never reused.
type ConversationID = string

// UserID identifies a user.
type UserID = string

// MessageID identifies a message within a conversation.
type MessageID = string

// ConversationKind distinguishes 1:1 chats from group chats.
type ConversationKind string

const (
	Direct ConversationKind = "direct"
	Group  ConversationKind = "group"
)

// MessageType is the content type of a message.
type MessageType string

const (
	TextMessage     MessageType = "text"
	ImageMessage    MessageType = "image"
	LocationMessage MessageType = "location"
	FileMessage     MessageType = "file"
	SystemMessage   MessageType = "system"
)

// UserSummary is the minimal participant view embedded in conversations and messages.
type UserSummary struct {
	ID        UserID `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// AttachmentMeta carries metadata for image/file/location messages.
type AttachmentMeta struct {
	URL       string  `json:"url,omitempty"`
	FileName  string  `json:"file_name,omitempty"`
	FileSize  int64   `json:"file_size,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// Message is a single chat message. Immutable once constructed.
type Message struct {
	ID             MessageID       `json:"id"`
	ConversationID ConversationID  `json:"conversation_id"`
	Sender         UserSummary     `json:"sender"`
	Type           MessageType     `json:"type"`
	Content        string          `json:"content"`
	Attachment     *AttachmentMeta `json:"attachment,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Conversation is one entry in the conversation list.
type Conversation struct {
	ID            ConversationID   `json:"id"`
	Kind          ConversationKind `json:"kind"`
	Participants  []UserSummary    `json:"participants"`
	LastMessage   *Message         `json:"last_message,omitempty"`
	LastMessageAt time.Time        `json:"last_message_at,omitzero"`
	UnreadCount   int              `json:"unread_count"`
	IsActive      bool             `json:"is_active"`
}

// PageCursor tracks how far back a conversation's message history has been paged.
type PageCursor struct {
	BeforeID MessageID
	HasMore  bool
}
