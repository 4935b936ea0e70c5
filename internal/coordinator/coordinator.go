// Package coordinator is the composition point of the sync layer: it routes
// inbound socket events into the message store and conversation index, and
// owns the user-initiated action surface (send, mark read, open/close).
package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/roteiro/chatsync/internal/bus"
	"github.com/roteiro/chatsync/internal/chat"
	"github.com/roteiro/chatsync/internal/conn"
	"github.com/roteiro/chatsync/internal/index"
	"github.com/roteiro/chatsync/internal/rest"
	"github.com/roteiro/chatsync/internal/store"
	"go.uber.org/zap"
)

// API is the REST surface the coordinator consumes. *rest.Client satisfies it.
type API interface {
	Conversation(ctx context.Context, id chat.ConversationID) (chat.Conversation, error)
	SendText(ctx context.Context, id chat.ConversationID, content string) (chat.Message, error)
	SendImage(ctx context.Context, id chat.ConversationID, imageURL string) (chat.Message, error)
	SendLocation(ctx context.Context, id chat.ConversationID, lat, lng float64) (chat.Message, error)
	SendFile(ctx context.Context, id chat.ConversationID, fileURL, fileName string, fileSize int64) (chat.Message, error)
	MarkRead(ctx context.Context, id chat.ConversationID, ids []chat.MessageID) error
	CreateDirect(ctx context.Context, userID chat.UserID) (rest.DirectResult, error)
}

// OpError is the payload for sync.error events: an operation-level failure
// surfaced for the presentation layer to retry or display. Cached state was
// not mutated.
type OpError struct {
	Op             string
	ConversationID chat.ConversationID
	Err            error
}

// ReadMarkers is the payload for sync.read_markers events.
type ReadMarkers struct {
	ConversationID chat.ConversationID
	UserID         chat.UserID
	MessageIDs     []chat.MessageID
}

// Coordinator wires the connection registry, message store, and conversation
// index together. It is the only component that calls into more than one of
// them, keeping mutation paths acyclic.
type Coordinator struct {
	api       API
	registry  *conn.Registry
	store     *store.MessageStore
	index     *index.Index
	bus       *bus.Bus
	logger    *zap.Logger
	localUser chat.UserID
	token     string
	cancel    context.CancelFunc
}

// New creates a coordinator for the authenticated user.
func New(api API, registry *conn.Registry, st *store.MessageStore, ix *index.Index,
	b *bus.Bus, localUser chat.UserID, token string, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		api:       api,
		registry:  registry,
		store:     st,
		index:     ix,
		bus:       b,
		logger:    logger,
		localUser: localUser,
		token:     token,
	}
}

// Start subscribes to inbound socket events and routes them until Close.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	ch, unsub := c.bus.Subscribe("socket.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				c.route(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close tears the whole layer down: stops routing, disconnects every socket,
// cancels index timers, and drops cached state. Used on logout.
func (c *Coordinator) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.registry.ReleaseAll()
	c.index.Close()
	c.store.Reset()
	c.logger.Info("sync layer closed")
}

func (c *Coordinator) route(evt bus.Event) {
	switch evt.Kind {
	case bus.KindSocketMessage:
		in, ok := evt.Payload.(conn.InboundMessage)
		if !ok {
			return
		}
		c.handleInbound(in)
	case bus.KindSocketTyping:
		sig, ok := evt.Payload.(conn.TypingSignal)
		if !ok {
			return
		}
		c.index.SetTyping(sig.ConversationID, sig.UserID, sig.Active)
	case bus.KindSocketMessageRead:
		rm, ok := evt.Payload.(conn.ReadMarker)
		if !ok {
			return
		}
		c.bus.Publish(bus.Event{Kind: bus.KindReadMarkers, Timestamp: time.Now(),
			Payload: ReadMarkers{ConversationID: rm.ConversationID, UserID: rm.UserID, MessageIDs: rm.MessageIDs}})
	case bus.KindSocketError:
		se, ok := evt.Payload.(conn.SocketError)
		if !ok {
			return
		}
		c.logger.Warn("socket diagnostic",
			zap.String("conversation_id", string(se.ConversationID)),
			zap.String("message", se.Message))
	}
}

// handleInbound merges a realtime push. An echo of the local user's own send
// is dropped: the optimistic insert already recorded it.
func (c *Coordinator) handleInbound(in conn.InboundMessage) {
	if in.Message.Sender.ID == c.localUser {
		return
	}
	c.store.InsertRealtime(in.ConversationID, in.Message)
	msg := in.Message
	c.index.BumpToTop(in.ConversationID, &msg, msg.CreatedAt)
}

// OpenConversation connects the conversation's socket and refreshes its first
// message page. A connect failure is not fatal here: the service keeps
// retrying on its own schedule.
func (c *Coordinator) OpenConversation(ctx context.Context, id chat.ConversationID) error {
	svc := c.registry.GetOrCreate(id)
	if err := svc.Connect(ctx, id, c.token); err != nil {
		c.logger.Warn("initial connect failed, reconnect scheduled",
			zap.String("conversation_id", string(id)), zap.Error(err))
	}
	if err := c.store.LoadPage(ctx, id, true); err != nil && !errors.Is(err, store.ErrLoadInFlight) {
		return err
	}
	return nil
}

// CloseConversation disconnects and discards the conversation's socket.
func (c *Coordinator) CloseConversation(id chat.ConversationID) {
	c.registry.Release(id)
}

// LoadConversations loads or refreshes the conversation list.
func (c *Coordinator) LoadConversations(ctx context.Context, refresh bool) error {
	err := c.index.Load(ctx, refresh)
	if errors.Is(err, index.ErrLoadInFlight) {
		return nil
	}
	return err
}

// RefreshConversation re-fetches one conversation's detail and updates it in
// place in the index, without reordering the list.
func (c *Coordinator) RefreshConversation(ctx context.Context, id chat.ConversationID) error {
	conv, err := c.api.Conversation(ctx, id)
	if err != nil {
		c.fail("refresh_conversation", id, err)
		return err
	}
	c.index.Upsert(conv)
	return nil
}

// LoadOlderMessages pages further back in a conversation's history.
func (c *Coordinator) LoadOlderMessages(ctx context.Context, id chat.ConversationID) error {
	err := c.store.LoadPage(ctx, id, false)
	if errors.Is(err, store.ErrLoadInFlight) {
		return nil
	}
	return err
}

// Search runs a debounced conversation search.
func (c *Coordinator) Search(ctx context.Context, query string) {
	c.index.Search(ctx, query)
}

// SetComposing forwards the local user's typing state to the conversation's
// socket, if one is open.
func (c *Coordinator) SetComposing(ctx context.Context, id chat.ConversationID, active bool) error {
	svc, ok := c.registry.Get(id)
	if !ok {
		return nil
	}
	return svc.SendTyping(ctx, active)
}

// SendText sends a text message. On success the created message is inserted
// optimistically and the conversation bumped; on failure nothing is mutated
// and the error is surfaced as a sync.error event.
func (c *Coordinator) SendText(ctx context.Context, id chat.ConversationID, content string) (chat.Message, error) {
	return c.send("send_text", id, func() (chat.Message, error) {
		return c.api.SendText(ctx, id, content)
	})
}

// SendImage sends an image message referencing an uploaded URL.
func (c *Coordinator) SendImage(ctx context.Context, id chat.ConversationID, imageURL string) (chat.Message, error) {
	return c.send("send_image", id, func() (chat.Message, error) {
		return c.api.SendImage(ctx, id, imageURL)
	})
}

// SendLocation sends a location message.
func (c *Coordinator) SendLocation(ctx context.Context, id chat.ConversationID, lat, lng float64) (chat.Message, error) {
	return c.send("send_location", id, func() (chat.Message, error) {
		return c.api.SendLocation(ctx, id, lat, lng)
	})
}

// SendFile sends a file message referencing an uploaded URL.
func (c *Coordinator) SendFile(ctx context.Context, id chat.ConversationID, fileURL, fileName string, fileSize int64) (chat.Message, error) {
	return c.send("send_file", id, func() (chat.Message, error) {
		return c.api.SendFile(ctx, id, fileURL, fileName, fileSize)
	})
}

func (c *Coordinator) send(op string, id chat.ConversationID, call func() (chat.Message, error)) (chat.Message, error) {
	msg, err := call()
	if err != nil {
		c.fail(op, id, err)
		return chat.Message{}, err
	}
	c.store.InsertOptimistic(id, msg)
	c.index.BumpToTop(id, &msg, msg.CreatedAt)
	return msg, nil
}

// MarkMessagesRead reports messages as read to the API, decrements the local
// unread counter, and fires the read receipt over the socket when one is open.
func (c *Coordinator) MarkMessagesRead(ctx context.Context, id chat.ConversationID, ids []chat.MessageID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.api.MarkRead(ctx, id, ids); err != nil {
		c.fail("mark_read", id, err)
		return err
	}
	c.index.MarkRead(id, len(ids))
	if svc, ok := c.registry.Get(id); ok {
		if err := svc.SendReadReceipt(ctx, ids); err != nil {
			c.logger.Warn("read receipt not delivered",
				zap.String("conversation_id", string(id)), zap.Error(err))
		}
	}
	return nil
}

// CreateDirectConversation opens (or returns the existing) 1:1 conversation
// with a user and places it in the index.
func (c *Coordinator) CreateDirectConversation(ctx context.Context, userID chat.UserID) (chat.Conversation, bool, error) {
	res, err := c.api.CreateDirect(ctx, userID)
	if err != nil {
		c.fail("create_direct", "", err)
		return chat.Conversation{}, false, err
	}
	c.index.Upsert(res.Conversation)
	return res.Conversation, res.Created, nil
}

func (c *Coordinator) fail(op string, id chat.ConversationID, err error) {
	c.logger.Warn("operation failed", zap.String("op", op),
		zap.String("conversation_id", string(id)), zap.Error(err))
	c.bus.Publish(bus.Event{Kind: bus.KindSyncError, Timestamp: time.Now(),
		Payload: OpError{Op: op, ConversationID: id, Err: err}})
}
