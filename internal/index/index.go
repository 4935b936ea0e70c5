// Package index maintains the ordered conversation list and its aggregate
// state: most-recent-first ordering, unread counters, typing-user sets, and a
// debounced server-side search cache.
package index

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/roteiro/chatsync/internal/bus"
	"github.com/roteiro/chatsync/internal/chat"
	"go.uber.org/zap"
)

// ErrLoadInFlight is returned when a list load is already running.
var ErrLoadInFlight = errors.New("conversation load already in flight")

// Lister fetches and searches the conversation list. *rest.Client satisfies it.
type Lister interface {
	Conversations(ctx context.Context) ([]chat.Conversation, error)
	SearchConversations(ctx context.Context, query string) ([]chat.Conversation, error)
}

// Options configures index timing. Zero values use production defaults.
type Options struct {
	SearchDebounce time.Duration
	TypingTTL      time.Duration
}

func (o *Options) defaults() {
	if o.SearchDebounce == 0 {
		o.SearchDebounce = 300 * time.Millisecond
	}
	if o.TypingTTL == 0 {
		o.TypingTTL = 3 * time.Second
	}
}

// Loaded is the payload for conversation.loaded events.
type Loaded struct {
	Count int
}

// Updated is the payload for conversation.updated events (in-place change,
// no reorder).
type Updated struct {
	ConversationID chat.ConversationID
}

// Reordered is the payload for conversation.reordered events.
type Reordered struct {
	ConversationID chat.ConversationID
}

// TypingChanged is the payload for typing.changed events.
type TypingChanged struct {
	ConversationID chat.ConversationID
	UserID         chat.UserID
	Active         bool
}

// SearchResults is the payload for search.results events. An empty Query
// means the search cache was cleared.
type SearchResults struct {
	Query string
	Count int
}

// Index is the ordered conversation list. The full list and the search cache
// are separate: Conversations returns the search cache while a search is
// active, the full list otherwise.
type Index struct {
	lister Lister
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	mu            sync.Mutex
	conversations []chat.Conversation
	loaded        bool
	loading       bool
	typing        map[chat.ConversationID]map[chat.UserID]*typingEntry
	searchTimer   *time.Timer
	searchGen     int
	searchActive  bool
	searchResults []chat.Conversation
}

// New creates an empty index backed by the given lister.
func New(lister Lister, opts Options, b *bus.Bus, logger *zap.Logger) *Index {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		lister: lister,
		bus:    b,
		logger: logger,
		opts:   opts,
		typing: make(map[chat.ConversationID]map[chat.UserID]*typingEntry),
	}
}

// typingEntry tracks one user's typing timer. gen guards against a stopped
// timer that had already fired removing a freshly re-armed entry.
type typingEntry struct {
	timer *time.Timer
	gen   int
}

// Load fetches the conversation list and replaces the cached one. Without
// refresh, a list that was already loaded is kept as-is. A call while a load
// is in flight returns ErrLoadInFlight.
func (ix *Index) Load(ctx context.Context, refresh bool) error {
	ix.mu.Lock()
	if ix.loading {
		ix.mu.Unlock()
		return ErrLoadInFlight
	}
	if ix.loaded && !refresh {
		ix.mu.Unlock()
		return nil
	}
	ix.loading = true
	ix.mu.Unlock()

	convs, err := ix.lister.Conversations(ctx)

	ix.mu.Lock()
	ix.loading = false
	if err != nil {
		ix.mu.Unlock()
		ix.logger.Warn("conversation load failed", zap.Error(err))
		return err
	}
	ix.conversations = convs
	ix.loaded = true
	ix.mu.Unlock()

	ix.bus.Publish(bus.Event{Kind: bus.KindConversationLoaded, Timestamp: time.Now(),
		Payload: Loaded{Count: len(convs)}})
	return nil
}

// Upsert inserts a new conversation at the head, or updates an existing one
// in place without reordering.
func (ix *Index) Upsert(conv chat.Conversation) {
	ix.mu.Lock()
	pos := ix.positionLocked(conv.ID)
	if pos >= 0 {
		ix.conversations[pos] = conv
		ix.mu.Unlock()
		ix.bus.Publish(bus.Event{Kind: bus.KindConversationUpdated, Timestamp: time.Now(),
			Payload: Updated{ConversationID: conv.ID}})
		return
	}
	ix.conversations = append([]chat.Conversation{conv}, ix.conversations...)
	ix.mu.Unlock()
	ix.bus.Publish(bus.Event{Kind: bus.KindConversationReordered, Timestamp: time.Now(),
		Payload: Reordered{ConversationID: conv.ID}})
}

// BumpToTop moves a conversation to index 0 and updates its preview fields.
// This is how sending or receiving a message reorders the list. Unknown ids
// are ignored.
func (ix *Index) BumpToTop(id chat.ConversationID, lastMsg *chat.Message, at time.Time) {
	ix.mu.Lock()
	pos := ix.positionLocked(id)
	if pos < 0 {
		ix.mu.Unlock()
		ix.logger.Debug("bump for unknown conversation", zap.String("conversation_id", string(id)))
		return
	}
	conv := ix.conversations[pos]
	conv.LastMessage = lastMsg
	conv.LastMessageAt = at
	ix.conversations = append(ix.conversations[:pos], ix.conversations[pos+1:]...)
	ix.conversations = append([]chat.Conversation{conv}, ix.conversations...)
	ix.mu.Unlock()

	ix.bus.Publish(bus.Event{Kind: bus.KindConversationReordered, Timestamp: time.Now(),
		Payload: Reordered{ConversationID: id}})
}

// MarkRead decrements a conversation's unread counter, clamped at zero.
func (ix *Index) MarkRead(id chat.ConversationID, count int) {
	ix.mu.Lock()
	pos := ix.positionLocked(id)
	if pos < 0 {
		ix.mu.Unlock()
		return
	}
	ix.conversations[pos].UnreadCount = max(0, ix.conversations[pos].UnreadCount-count)
	ix.mu.Unlock()

	ix.bus.Publish(bus.Event{Kind: bus.KindConversationUpdated, Timestamp: time.Now(),
		Payload: Updated{ConversationID: id}})
}

// UnreadCount returns a conversation's unread counter.
func (ix *Index) UnreadCount(id chat.ConversationID) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	pos := ix.positionLocked(id)
	if pos < 0 {
		return 0
	}
	return ix.conversations[pos].UnreadCount
}

func (ix *Index) positionLocked(id chat.ConversationID) int {
	for i, c := range ix.conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// Conversations returns the active list: the search cache while a search is
// active, otherwise the full list.
func (ix *Index) Conversations() []chat.Conversation {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	src := ix.conversations
	if ix.searchActive {
		src = ix.searchResults
	}
	out := make([]chat.Conversation, len(src))
	copy(out, src)
	return out
}

// Search runs a debounced server-side search. Only the last call within the
// debounce window issues a request; a result arriving for a superseded query
// is discarded. Errors are swallowed and the previous results kept; search
// never surfaces a hard error. An empty query clears the cache immediately.
func (ix *Index) Search(ctx context.Context, query string) {
	ix.mu.Lock()
	if ix.searchTimer != nil {
		ix.searchTimer.Stop()
		ix.searchTimer = nil
	}
	ix.searchGen++
	gen := ix.searchGen

	if query == "" {
		ix.searchActive = false
		ix.searchResults = nil
		ix.mu.Unlock()
		ix.bus.Publish(bus.Event{Kind: bus.KindSearchResults, Timestamp: time.Now(),
			Payload: SearchResults{Query: ""}})
		return
	}

	ix.searchTimer = time.AfterFunc(ix.opts.SearchDebounce, func() {
		ix.runSearch(ctx, gen, query)
	})
	ix.mu.Unlock()
}

func (ix *Index) runSearch(ctx context.Context, gen int, query string) {
	results, err := ix.lister.SearchConversations(ctx, query)

	ix.mu.Lock()
	if gen != ix.searchGen {
		ix.mu.Unlock()
		return
	}
	if err != nil {
		ix.mu.Unlock()
		ix.logger.Warn("conversation search failed", zap.String("query", query), zap.Error(err))
		return
	}
	ix.searchResults = results
	ix.searchActive = true
	ix.mu.Unlock()

	ix.bus.Publish(bus.Event{Kind: bus.KindSearchResults, Timestamp: time.Now(),
		Payload: SearchResults{Query: query, Count: len(results)}})
}

// SetTyping adds or removes a user in a conversation's typing set. Adding
// arms a self-expiring removal; re-adding re-arms it atomically so rapid
// toggles never leak timers.
func (ix *Index) SetTyping(id chat.ConversationID, userID chat.UserID, typing bool) {
	ix.mu.Lock()
	users, ok := ix.typing[id]
	if !ok {
		users = make(map[chat.UserID]*typingEntry)
		ix.typing[id] = users
	}

	changed := false
	if typing {
		e, present := users[userID]
		if present {
			e.timer.Stop()
		} else {
			e = &typingEntry{}
			users[userID] = e
			changed = true
		}
		e.gen++
		gen := e.gen
		e.timer = time.AfterFunc(ix.opts.TypingTTL, func() {
			ix.expireTyping(id, userID, gen)
		})
	} else {
		if e, present := users[userID]; present {
			e.timer.Stop()
			delete(users, userID)
			changed = true
		}
	}
	ix.mu.Unlock()

	if changed {
		ix.bus.Publish(bus.Event{Kind: bus.KindTypingChanged, Timestamp: time.Now(),
			Payload: TypingChanged{ConversationID: id, UserID: userID, Active: typing}})
	}
}

func (ix *Index) expireTyping(id chat.ConversationID, userID chat.UserID, gen int) {
	ix.mu.Lock()
	users, ok := ix.typing[id]
	if !ok {
		ix.mu.Unlock()
		return
	}
	e, present := users[userID]
	if !present || e.gen != gen {
		ix.mu.Unlock()
		return
	}
	delete(users, userID)
	ix.mu.Unlock()

	ix.bus.Publish(bus.Event{Kind: bus.KindTypingChanged, Timestamp: time.Now(),
		Payload: TypingChanged{ConversationID: id, UserID: userID, Active: false}})
}

// TypingUsers returns the users currently typing in a conversation, sorted
// for stable presentation.
func (ix *Index) TypingUsers(id chat.ConversationID) []chat.UserID {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	users := ix.typing[id]
	out := make([]chat.UserID, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}

// Close cancels every outstanding timer. Late expiries after Close must not
// fire into torn-down state.
func (ix *Index) Close() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.searchTimer != nil {
		ix.searchTimer.Stop()
		ix.searchTimer = nil
	}
	ix.searchGen++
	for id, users := range ix.typing {
		for u, e := range users {
			e.timer.Stop()
			delete(users, u)
		}
		delete(ix.typing, id)
	}
}
