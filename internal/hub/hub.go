package hub

import (
	"sync"

	"github.com/hyesung/avatarlink/internal/observability"
	"github.com/hyesung/avatarlink/internal/protocol"
)

const channelDepth = 256

// Hub fans server messages out to the websocket writers registered per
// session. Sends never block: a saturated client channel drops the message
// and counts it.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[chan protocol.ServerMessage]struct{}
	metrics *observability.Metrics
}

func New(metrics *observability.Metrics) *Hub {
	return &Hub{
		subs:    make(map[string]map[chan protocol.ServerMessage]struct{}),
		metrics: metrics,
	}
}

// Register adds a subscriber for the session and returns its channel plus an
// unregister func. Unregister closes the channel.
func (h *Hub) Register(sessionID string) (<-chan protocol.ServerMessage, func()) {
	ch := make(chan protocol.ServerMessage, channelDepth)

	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[chan protocol.ServerMessage]struct{})
		h.subs[sessionID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	unregister := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[sessionID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, sessionID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, unregister
}

// Emit delivers a message to every subscriber of the session.
func (h *Hub) Emit(sessionID string, msg protocol.ServerMessage) {
	msg.SessionID = sessionID

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[sessionID] {
		select {
		case ch <- msg:
		default:
			if h.metrics != nil {
				h.metrics.OutboundDropped.WithLabelValues(string(msg.Path)).Inc()
			}
		}
	}
}

// Subscribers reports how many channels are registered for the session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}
