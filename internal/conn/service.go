package conn

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/roteiro/chatsync/internal/bus"
	"github.com/roteiro/chatsync/internal/chat"
	"github.com/roteiro/chatsync/internal/wire"
	"go.uber.org/zap"
)

// Options configures a Service. Zero values fall back to production defaults.
type Options struct {
	Dialer         Dialer
	ReconnectDelay time.Duration
	MaxReconnects  int
	TypingExpiry   time.Duration
}

func (o *Options) defaults() {
	if o.Dialer == nil {
		o.Dialer = DialWebsocket
	}
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = 2 * time.Second
	}
	if o.MaxReconnects == 0 {
		o.MaxReconnects = 5
	}
	if o.TypingExpiry == 0 {
		o.TypingExpiry = 3 * time.Second
	}
}

// Service manages one logical realtime connection bound to a conversation
// and auth token. Inbound frames are decoded and published on the bus as
// socket.* events; outbound signals (typing, read receipts) are fire-and-forget.
//
// Reconnection is a fixed-delay bounded retry: after MaxReconnects consecutive
// failures the service parks in Disconnected until Connect is called again.
type Service struct {
	socketBase string
	opts       Options
	bus        *bus.Bus
	machine    *Machine
	logger     *zap.Logger

	mu             sync.Mutex
	conversationID chat.ConversationID
	token          string
	sock           Socket
	cancelRead     context.CancelFunc
	attempts       int
	reconnectTimer *time.Timer
	typingTimer    *time.Timer
	typingActive   bool
	// gen is bumped on every teardown so late callbacks from a previous
	// connection (read-loop exit, timers) are ignored.
	gen int
}

// NewService creates a disconnected service. socketBase is the scheme+host
// part of the socket endpoint, e.g. "wss://api.example.com".
func NewService(socketBase string, opts Options, b *bus.Bus, logger *zap.Logger) *Service {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		socketBase: socketBase,
		opts:       opts,
		bus:        b,
		machine:    NewMachine(b),
		logger:     logger,
	}
}

// State returns the current connection state.
func (s *Service) State() State {
	return s.machine.Current()
}

// Connect opens the socket for the given conversation. A call while already
// Connecting or Connected to the same conversation is a no-op; pointing at a
// different conversation tears the previous connection down first. A dial
// failure schedules a reconnect and returns the error.
func (s *Service) Connect(ctx context.Context, id chat.ConversationID, token string) error {
	s.mu.Lock()
	st := s.machine.Current()
	if (st == Connecting || st == Connected) && id == s.conversationID {
		s.mu.Unlock()
		return nil
	}
	s.teardownLocked()
	s.conversationID = id
	s.token = token
	s.attempts = 0
	s.machine.Bind(id)
	_ = s.machine.Transition(Connecting)
	gen := s.gen
	s.mu.Unlock()

	return s.dial(ctx, gen)
}

// Disconnect releases the transport and cancels every pending timer. It never
// triggers a reconnect and is safe to call repeatedly.
func (s *Service) Disconnect() {
	s.mu.Lock()
	s.teardownLocked()
	s.conversationID = ""
	s.token = ""
	s.attempts = 0
	s.mu.Unlock()
}

// teardownLocked closes the transport, cancels timers, and forces the state
// to Disconnected. Must hold s.mu.
func (s *Service) teardownLocked() {
	s.gen++
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typingActive = false
	if s.cancelRead != nil {
		s.cancelRead()
		s.cancelRead = nil
	}
	if s.sock != nil {
		_ = s.sock.Close()
		s.sock = nil
	}
	_ = s.machine.Transition(Disconnected)
}

func (s *Service) socketURL(id chat.ConversationID, token string) string {
	base := strings.TrimSuffix(s.socketBase, "/")
	return fmt.Sprintf("%s/ws/chat/%s/?token=%s", base, id, url.QueryEscape(token))
}

// dial attempts the transport handshake for the given generation and, on
// success, installs the socket and starts the read loop.
func (s *Service) dial(ctx context.Context, gen int) error {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return nil
	}
	id, token := s.conversationID, s.token
	s.mu.Unlock()

	sock, err := s.opts.Dialer(ctx, s.socketURL(id, token))

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if err == nil {
			_ = sock.Close()
		}
		return nil
	}
	if err != nil {
		_ = s.machine.Transition(Failed)
		s.scheduleReconnectLocked()
		s.mu.Unlock()
		s.logger.Warn("socket connect failed",
			zap.String("conversation_id", string(id)), zap.Error(err))
		return fmt.Errorf("connect conversation %s: %w", id, err)
	}

	s.sock = sock
	readCtx, cancel := context.WithCancel(context.Background())
	s.cancelRead = cancel
	s.attempts = 0
	_ = s.machine.Transition(Connected)
	s.mu.Unlock()

	s.logger.Info("conversation socket connected", zap.String("conversation_id", string(id)))
	go s.readLoop(readCtx, sock, id, gen)
	return nil
}

func (s *Service) readLoop(ctx context.Context, sock Socket, id chat.ConversationID, gen int) {
	for {
		data, err := sock.Read(ctx)
		if err != nil {
			s.handleReadError(id, gen, err)
			return
		}
		s.dispatch(id, wire.Decode(data))
	}
}

// handleReadError runs the transport-failure path: abnormal closes and read
// errors move the machine to Failed and schedule a reconnect. A failure
// belonging to a superseded generation means Disconnect or a fresh Connect
// already happened and is ignored.
func (s *Service) handleReadError(id chat.ConversationID, gen int, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if s.sock != nil {
		_ = s.sock.Close()
		s.sock = nil
	}
	if s.cancelRead != nil {
		s.cancelRead()
		s.cancelRead = nil
	}
	_ = s.machine.Transition(Failed)
	s.scheduleReconnectLocked()
	s.mu.Unlock()

	s.logger.Warn("socket closed abnormally",
		zap.String("conversation_id", string(id)), zap.Error(err))
}

// scheduleReconnectLocked arms the fixed-delay retry timer, or parks the
// service in Disconnected once the budget is spent. Must hold s.mu.
func (s *Service) scheduleReconnectLocked() {
	if s.conversationID == "" || s.token == "" {
		_ = s.machine.Transition(Disconnected)
		return
	}
	if s.attempts >= s.opts.MaxReconnects {
		s.logger.Warn("reconnect budget exhausted",
			zap.String("conversation_id", string(s.conversationID)),
			zap.Int("attempts", s.attempts))
		_ = s.machine.Transition(Disconnected)
		return
	}
	s.attempts++
	_ = s.machine.Transition(Reconnecting)
	gen := s.gen
	s.reconnectTimer = time.AfterFunc(s.opts.ReconnectDelay, func() { s.retry(gen) })
}

func (s *Service) retry(gen int) {
	s.mu.Lock()
	if gen != s.gen || s.machine.Current() != Reconnecting {
		s.mu.Unlock()
		return
	}
	_ = s.machine.Transition(Connecting)
	s.mu.Unlock()

	_ = s.dial(context.Background(), gen)
}

// SendTyping emits a typing signal. Setting true arms an auto-expiring timer
// that sends false after the typing window; setting false cancels it. A call
// that would not change the cached flag, or while not connected, is a no-op.
func (s *Service) SendTyping(ctx context.Context, active bool) error {
	s.mu.Lock()
	if s.machine.Current() != Connected || s.sock == nil {
		s.mu.Unlock()
		return nil
	}
	if active == s.typingActive {
		s.mu.Unlock()
		return nil
	}
	s.typingActive = active
	sock := s.sock
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	if active {
		gen := s.gen
		s.typingTimer = time.AfterFunc(s.opts.TypingExpiry, func() { s.expireTyping(gen) })
	}
	s.mu.Unlock()

	frame, err := wire.EncodeTyping(active)
	if err != nil {
		return err
	}
	if err := sock.Write(ctx, frame); err != nil {
		return fmt.Errorf("send typing: %w", err)
	}
	return nil
}

func (s *Service) expireTyping(gen int) {
	s.mu.Lock()
	if gen != s.gen || !s.typingActive {
		s.mu.Unlock()
		return
	}
	s.typingActive = false
	s.typingTimer = nil
	sock := s.sock
	s.mu.Unlock()

	if sock == nil {
		return
	}
	frame, err := wire.EncodeTyping(false)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sock.Write(ctx, frame); err != nil {
		s.logger.Warn("typing auto-stop failed", zap.Error(err))
	}
}

// SendReadReceipt reports the given messages as read. Fire-and-forget; a call
// while not connected or with no ids is a no-op.
func (s *Service) SendReadReceipt(ctx context.Context, ids []chat.MessageID) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.machine.Current() != Connected || s.sock == nil {
		s.mu.Unlock()
		return nil
	}
	sock := s.sock
	s.mu.Unlock()

	frame, err := wire.EncodeReadReceipt(ids)
	if err != nil {
		return err
	}
	if err := sock.Write(ctx, frame); err != nil {
		return fmt.Errorf("send read receipt: %w", err)
	}
	return nil
}

func (s *Service) dispatch(id chat.ConversationID, evt wire.Event) {
	now := time.Now()
	switch e := evt.(type) {
	case wire.ChatMessage:
		s.bus.Publish(bus.Event{Kind: bus.KindSocketMessage, Timestamp: now,
			Payload: InboundMessage{ConversationID: id, Message: e.Message}})
	case wire.TypingStart:
		s.bus.Publish(bus.Event{Kind: bus.KindSocketTyping, Timestamp: now,
			Payload: TypingSignal{ConversationID: id, UserID: e.UserID, Active: true}})
	case wire.TypingStop:
		s.bus.Publish(bus.Event{Kind: bus.KindSocketTyping, Timestamp: now,
			Payload: TypingSignal{ConversationID: id, UserID: e.UserID, Active: false}})
	case wire.MessageRead:
		s.bus.Publish(bus.Event{Kind: bus.KindSocketMessageRead, Timestamp: now,
			Payload: ReadMarker{ConversationID: id, UserID: e.UserID, MessageIDs: e.MessageIDs}})
	case wire.UserJoined:
		s.bus.Publish(bus.Event{Kind: bus.KindSocketPresence, Timestamp: now,
			Payload: Presence{ConversationID: id, User: e.User, Joined: true}})
	case wire.UserLeft:
		s.bus.Publish(bus.Event{Kind: bus.KindSocketPresence, Timestamp: now,
			Payload: Presence{ConversationID: id, User: e.User, Joined: false}})
	case wire.ErrorEvent:
		s.logger.Warn("socket error frame",
			zap.String("conversation_id", string(id)), zap.String("message", e.Message))
		s.bus.Publish(bus.Event{Kind: bus.KindSocketError, Timestamp: now,
			Payload: SocketError{ConversationID: id, Message: e.Message}})
	case wire.Unknown:
		s.logger.Debug("unrecognized frame type",
			zap.String("conversation_id", string(id)), zap.String("type", e.Type))
	}
}
