package conn

import (
	"sync"

	"github.com/roteiro/chatsync/internal/chat"
	"go.uber.org/zap"
)

// Factory constructs the Service for a conversation. Supplied by the
// composition root so the registry stays free of transport configuration.
type Factory func(id chat.ConversationID) *Service

// Registry is the single owner of per-conversation connection services. It
// guarantees at most one Service per conversation id and is released as a
// whole on session teardown.
type Registry struct {
	mu       sync.Mutex
	services map[chat.ConversationID]*Service
	factory  Factory
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(factory Factory, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		services: make(map[chat.ConversationID]*Service),
		factory:  factory,
		logger:   logger,
	}
}

// GetOrCreate returns the service for a conversation, constructing it on
// first use.
func (r *Registry) GetOrCreate(id chat.ConversationID) *Service {
	r.mu.Lock()
	defer r.mu.Unlock()

	if svc, ok := r.services[id]; ok {
		return svc
	}
	svc := r.factory(id)
	r.services[id] = svc
	r.logger.Debug("connection service created",
		zap.String("conversation_id", string(id)),
		zap.Int("total", len(r.services)))
	return svc
}

// Get returns the service for a conversation without creating one.
func (r *Registry) Get(id chat.ConversationID) (*Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[id]
	return svc, ok
}

// Release disconnects and discards the service for one conversation, if any.
func (r *Registry) Release(id chat.ConversationID) {
	r.mu.Lock()
	svc, ok := r.services[id]
	if ok {
		delete(r.services, id)
	}
	r.mu.Unlock()

	if ok {
		svc.Disconnect()
	}
}

// ReleaseAll disconnects and discards every managed service. Used on logout.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	services := make([]*Service, 0, len(r.services))
	for _, svc := range r.services {
		services = append(services, svc)
	}
	r.services = make(map[chat.ConversationID]*Service)
	r.mu.Unlock()

	for _, svc := range services {
		svc.Disconnect()
	}
	r.logger.Info("all connection services released", zap.Int("count", len(services)))
}
