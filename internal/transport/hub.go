// Package transport fans room envelopes out to connected parties.
package transport

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/negotiation-room/internal/model"
	"github.com/capitalize-ai/negotiation-room/pkg/logger"
	"github.com/capitalize-ai/negotiation-room/pkg/metrics"
)

// ErrSlowConsumer is reported by a subscription the hub dropped because its
// buffer was full. The client reconciles by reconnecting with a replay cursor.
var ErrSlowConsumer = errors.New("subscriber too slow, reconnect with after_sequence")

// Subscription receives the envelopes of one room visible to one viewer.
type Subscription struct {
	hub        *Hub
	contractID string
	viewer     model.PartyRole
	transport  string
	ch         chan model.Envelope

	mu      sync.Mutex
	err     error
	removed bool
}

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan model.Envelope { return s.ch }

// Err returns ErrSlowConsumer if the hub dropped the subscription.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s, nil)
}

// Hub is an in-process broadcaster keyed by contract id. It never blocks the
// publisher: a subscriber whose buffer is full is dropped.
type Hub struct {
	mu     sync.Mutex
	rooms  map[string]map[*Subscription]struct{}
	buffer int
	logger *logger.Logger
}

// NewHub creates a hub with a per-subscriber buffer.
func NewHub(buffer int, log *logger.Logger) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Hub{
		rooms:  make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: log,
	}
}

// Subscribe registers viewer for a room. transport labels the connection in
// metrics ("sse", "websocket").
func (h *Hub) Subscribe(contractID string, viewer model.PartyRole, transport string) *Subscription {
	sub := &Subscription{
		hub:        h,
		contractID: contractID,
		viewer:     viewer,
		transport:  transport,
		ch:         make(chan model.Envelope, h.buffer),
	}

	h.mu.Lock()
	subs, ok := h.rooms[contractID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.rooms[contractID] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	metrics.IncrementStreamConnections(transport)
	return sub
}

// Broadcast delivers env to every subscriber of its room that may see it,
// projected onto the subscriber's perspective.
func (h *Hub) Broadcast(env model.Envelope) {
	h.mu.Lock()
	var slow []*Subscription
	for sub := range h.rooms[env.SessionID] {
		if !env.VisibleTo(sub.viewer) {
			continue
		}
		select {
		case sub.ch <- env.ForViewer(sub.viewer):
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range slow {
		h.logger.Warn("dropping slow subscriber",
			zap.String("contract_id", sub.contractID),
			zap.String("viewer", string(sub.viewer)),
			zap.String("transport", sub.transport),
		)
		metrics.TransportFailuresTotal.WithLabelValues(sub.transport).Inc()
		h.remove(sub, ErrSlowConsumer)
	}
}

// Subscribers returns the number of live subscriptions to a room.
func (h *Hub) Subscribers(contractID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[contractID])
}

func (h *Hub) remove(sub *Subscription, reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub.mu.Lock()
	if sub.removed {
		sub.mu.Unlock()
		return
	}
	sub.removed = true
	sub.err = reason
	sub.mu.Unlock()

	if subs, ok := h.rooms[sub.contractID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.rooms, sub.contractID)
		}
	}
	close(sub.ch)
	metrics.DecrementStreamConnections(sub.transport)
}

// Fanout broadcasts to several broadcasters in order.
type Fanout []interface{ Broadcast(model.Envelope) }

// Broadcast implements negotiation.Broadcaster.
func (f Fanout) Broadcast(env model.Envelope) {
	for _, b := range f {
		b.Broadcast(env)
	}
}
