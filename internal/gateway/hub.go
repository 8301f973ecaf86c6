// Package gateway serves the MemoVoz UI surface: a chi-routed HTTP server
// with health and metrics endpoints, a REST view of local turn history, and
// a WebSocket stream that both pushes session events to connected clients
// and remotes the speech capability — browsers run recognition and audio
// playback themselves and bridge the results back, while hardware voice
// clients stream Opus frames for server-side transcription.
package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/memovoz/memovoz/internal/conversation"
	"github.com/memovoz/memovoz/internal/feedback"
	"github.com/memovoz/memovoz/internal/observe"
	"github.com/memovoz/memovoz/internal/session"
)

// sendQueueSize bounds each client's outbound event queue. A client that
// cannot drain this many events is considered dead and disconnected.
const sendQueueSize = 64

// clientCaps records what a connected client offered in its hello.
type clientCaps struct {
	capture     bool
	playback    bool
	nativeAudio bool
}

// client is one connected WebSocket peer. The handler owns the read side;
// the hub owns the send queue.
type client struct {
	id   string
	send chan []byte

	mu     sync.Mutex
	caps   clientCaps
	closed bool
}

// setCaps records the client's hello.
func (c *client) setCaps(caps clientCaps) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caps = caps
}

// capabilities returns the client's announced capabilities.
func (c *client) capabilities() clientCaps {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// enqueue queues data for delivery; reports false when the client is
// detached or its queue is full. The lock pairs with [client.closeSend] so a
// send can never race the close of the queue.
func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend marks the client detached and closes its send queue. The hub's
// client map guarantees it runs at most once per client.
func (c *client) closeSend() {
	c.mu.Lock()
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}

// Hub tracks connected clients and fans session events out to all of them.
// It implements [session.EventSink] and [feedback.Notifier], so the session
// controller and the signaler stay unaware of how many UIs are watching.
type Hub struct {
	metrics *observe.Metrics

	mu      sync.Mutex
	clients map[*client]struct{}
	onDrop  func(*client)
}

// Compile-time interface assertions.
var (
	_ session.EventSink = (*Hub)(nil)
	_ feedback.Notifier = (*Hub)(nil)
)

// NewHub creates an empty Hub. metrics may be nil.
func NewHub(metrics *observe.Metrics) *Hub {
	return &Hub{
		metrics: metrics,
		clients: make(map[*client]struct{}),
	}
}

// setOnDrop registers a callback invoked when the hub disconnects a stalled
// client, so the handler can release its capability registrations.
func (h *Hub) setOnDrop(fn func(*client)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDrop = fn
}

// attach registers a client.
func (h *Hub) attach(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ActiveClients.Add(context.Background(), 1)
	}
}

// detach removes a client and closes its send queue. Safe to call twice.
func (h *Hub) detach(c *client) {
	h.mu.Lock()
	_, present := h.clients[c]
	if present {
		delete(h.clients, c)
		c.closeSend()
	}
	h.mu.Unlock()
	if present && h.metrics != nil {
		h.metrics.ActiveClients.Add(context.Background(), -1)
	}
}

// clientCount returns the number of attached clients.
func (h *Hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// captureClient returns a client that announced capture support, or nil.
func (h *Hub) captureClient() *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.capabilities().capture {
			return c
		}
	}
	return nil
}

// playbackClient returns a client that announced playback support, or nil.
func (h *Hub) playbackClient() *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.capabilities().playback {
			return c
		}
	}
	return nil
}

// broadcast sends an event to every attached client. Clients whose queue is
// full are dropped; a stalled UI must not stall the session.
func (h *Hub) broadcast(ev event) {
	data, err := encodeEvent(ev)
	if err != nil {
		slog.Error("broadcast encode failed", "type", ev.Type, "error", err)
		return
	}

	h.mu.Lock()
	var stalled []*client
	for c := range h.clients {
		if !c.enqueue(data) {
			stalled = append(stalled, c)
		}
	}
	onDrop := h.onDrop
	h.mu.Unlock()

	for _, c := range stalled {
		slog.Warn("dropping stalled gateway client", "client_id", c.id)
		h.detach(c)
		if onDrop != nil {
			onDrop(c)
		}
	}
}

// sendTo delivers an event to a single client. Reports false when the
// client's queue is full.
func (h *Hub) sendTo(c *client, ev event) bool {
	data, err := encodeEvent(ev)
	if err != nil {
		slog.Error("send encode failed", "type", ev.Type, "error", err)
		return false
	}
	return c.enqueue(data)
}

// --- session.EventSink ---

// StatusChanged pushes a status event to all clients.
func (h *Hub) StatusChanged(status session.Status) {
	h.broadcast(event{Type: eventStatus, Status: status})
}

// MessageAppended pushes a new conversation message to all clients.
func (h *Hub) MessageAppended(msg conversation.Message) {
	h.broadcast(event{Type: eventMessage, Message: &msg})
}

// SaveOffered pushes the save-conversation prompt.
func (h *Hub) SaveOffered() {
	h.broadcast(event{Type: eventOfferSave})
}

// SaveDismissed retracts the save-conversation prompt.
func (h *Hub) SaveDismissed() {
	h.broadcast(event{Type: eventOfferDismissed})
}

// Notice pushes transient user-visible text.
func (h *Hub) Notice(text string) {
	h.broadcast(event{Type: eventNotice, Text: text})
}

// --- feedback.Notifier ---

// FeedbackCue pushes the visual half of a feedback cue.
func (h *Hub) FeedbackCue(kind feedback.Kind) {
	h.broadcast(event{Type: eventFeedback, Kind: string(kind)})
}
