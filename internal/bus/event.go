package bus

import "time"

// Event is a domain event published on the bus. Payload types are owned by
// the publishing package; subscribers type-assert based on Kind.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Dotted namespaces allow prefix subscription: a subscriber to
// "socket." receives every inbound socket event, one to "message.inserted"
// receives only that kind.
const (
	// Published by conn.
	KindSocketMessage     = "socket.chat_message"
	KindSocketTyping      = "socket.typing"
	KindSocketMessageRead = "socket.message_read"
	KindSocketPresence    = "socket.presence"
	KindSocketError       = "socket.error"
	KindConnState         = "conn.state_changed"

	// Published by store.
	KindMessageInserted   = "message.inserted"
	KindMessagePageLoaded = "message.page_loaded"
	KindMessageLoadFailed = "message.load_failed"

	// Published by index.
	KindConversationLoaded    = "conversation.loaded"
	KindConversationUpdated   = "conversation.updated"
	KindConversationReordered = "conversation.reordered"
	KindTypingChanged         = "typing.changed"
	KindSearchResults         = "search.results"

	// Published by the coordinator.
	KindSyncError   = "sync.error"
	KindReadMarkers = "sync.read_markers"
)
