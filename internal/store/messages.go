// Package store holds the per-conversation message cache. It is the only
// owner of cached message sequences and pagination cursors; all mutation goes
// through its methods.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roteiro/chatsync/internal/bus"
	"github.com/roteiro/chatsync/internal/chat"
	"github.com/roteiro/chatsync/internal/rest"
	"go.uber.org/zap"
)

// ErrLoadInFlight is returned when a page load is requested for a
// conversation that already has one running.
var ErrLoadInFlight = errors.New("page load already in flight")

// Pager fetches message history pages. *rest.Client satisfies it.
type Pager interface {
	Messages(ctx context.Context, id chat.ConversationID, beforeID chat.MessageID) (rest.MessagePage, error)
}

// Inserted is the payload for message.inserted events. Inserted is false when
// the message id was already cached and the event only signals that summary
// state may need refreshing.
type Inserted struct {
	ConversationID chat.ConversationID
	Message        chat.Message
	Inserted       bool
}

// PageLoaded is the payload for message.page_loaded events.
type PageLoaded struct {
	ConversationID chat.ConversationID
	Count          int
	Refresh        bool
	HasMore        bool
}

// LoadFailed is the payload for message.load_failed events. Retryable: the
// cache and cursor are left untouched.
type LoadFailed struct {
	ConversationID chat.ConversationID
	Err            error
}

type convCache struct {
	messages []chat.Message // newest first
	ids      map[chat.MessageID]struct{}
	cursor   chat.PageCursor
	loading  bool
}

// MessageStore is the per-conversation message cache with pagination and
// id-based de-duplication. Sequences are kept newest first; realtime pushes
// go to the head without timestamp comparison against neighbors.
type MessageStore struct {
	pager  Pager
	bus    *bus.Bus
	logger *zap.Logger

	mu    sync.Mutex
	convs map[chat.ConversationID]*convCache
}

// NewMessageStore creates an empty store backed by the given pager.
func NewMessageStore(pager Pager, b *bus.Bus, logger *zap.Logger) *MessageStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageStore{
		pager:  pager,
		bus:    b,
		logger: logger,
		convs:  make(map[chat.ConversationID]*convCache),
	}
}

func (s *MessageStore) cacheLocked(id chat.ConversationID) *convCache {
	c, ok := s.convs[id]
	if !ok {
		c = &convCache{ids: make(map[chat.MessageID]struct{}), cursor: chat.PageCursor{HasMore: true}}
		s.convs[id] = c
	}
	return c
}

// LoadPage fetches the next older history page for a conversation, or the
// first page when refresh is set (discarding the cache and cursor). A call
// while a load is already in flight for the same conversation returns
// ErrLoadInFlight without touching state.
func (s *MessageStore) LoadPage(ctx context.Context, id chat.ConversationID, refresh bool) error {
	s.mu.Lock()
	c := s.cacheLocked(id)
	if c.loading {
		s.mu.Unlock()
		return ErrLoadInFlight
	}
	c.loading = true
	beforeID := c.cursor.BeforeID
	if refresh {
		beforeID = ""
	}
	s.mu.Unlock()

	page, err := s.pager.Messages(ctx, id, beforeID)

	s.mu.Lock()
	c.loading = false
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("page load failed", zap.String("conversation_id", string(id)), zap.Error(err))
		s.bus.Publish(bus.Event{Kind: bus.KindMessageLoadFailed, Timestamp: time.Now(),
			Payload: LoadFailed{ConversationID: id, Err: err}})
		return err
	}

	if refresh {
		c.messages = nil
		c.ids = make(map[chat.MessageID]struct{})
	}
	for _, m := range page.Messages {
		if _, dup := c.ids[m.ID]; dup {
			continue
		}
		c.messages = append(c.messages, m)
		c.ids[m.ID] = struct{}{}
	}
	c.cursor = chat.PageCursor{BeforeID: page.NextCursor, HasMore: page.HasMore}
	count := len(page.Messages)
	s.mu.Unlock()

	s.bus.Publish(bus.Event{Kind: bus.KindMessagePageLoaded, Timestamp: time.Now(),
		Payload: PageLoaded{ConversationID: id, Count: count, Refresh: refresh, HasMore: page.HasMore}})
	return nil
}

// InsertRealtime inserts a realtime-pushed message at the head of the cache
// unless its id is already present. The notification is published either way
// since conversation summaries may still need updating. Returns whether the
// message was inserted.
func (s *MessageStore) InsertRealtime(id chat.ConversationID, msg chat.Message) bool {
	s.mu.Lock()
	c := s.cacheLocked(id)
	_, dup := c.ids[msg.ID]
	if !dup {
		c.messages = append([]chat.Message{msg}, c.messages...)
		c.ids[msg.ID] = struct{}{}
	}
	s.mu.Unlock()

	s.bus.Publish(bus.Event{Kind: bus.KindMessageInserted, Timestamp: time.Now(),
		Payload: Inserted{ConversationID: id, Message: msg, Inserted: !dup}})
	return !dup
}

// InsertOptimistic inserts a just-sent message at the head of the cache. The
// id comes fresh from the send response; it is recorded so a later realtime
// echo of the same message is dropped.
func (s *MessageStore) InsertOptimistic(id chat.ConversationID, msg chat.Message) {
	s.mu.Lock()
	c := s.cacheLocked(id)
	c.messages = append([]chat.Message{msg}, c.messages...)
	c.ids[msg.ID] = struct{}{}
	s.mu.Unlock()

	s.bus.Publish(bus.Event{Kind: bus.KindMessageInserted, Timestamp: time.Now(),
		Payload: Inserted{ConversationID: id, Message: msg, Inserted: true}})
}

// Messages returns a snapshot of the cached sequence, newest first.
func (s *MessageStore) Messages(id chat.ConversationID) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil
	}
	out := make([]chat.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Cursor returns the conversation's pagination cursor.
func (s *MessageStore) Cursor(id chat.ConversationID) chat.PageCursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return chat.PageCursor{HasMore: true}
	}
	return c.cursor
}

// Evict drops one conversation's cache.
func (s *MessageStore) Evict(id chat.ConversationID) {
	s.mu.Lock()
	delete(s.convs, id)
	s.mu.Unlock()
}

// Reset drops every cached conversation. Used on session teardown.
func (s *MessageStore) Reset() {
	s.mu.Lock()
	s.convs = make(map[chat.ConversationID]*convCache)
	s.mu.Unlock()
}
