package events

import "sync"

// Hub fans events out to in-process subscribers such as SSE clients. A slow
// subscriber loses events rather than stalling publishers.
type Hub struct {
	mu      sync.Mutex
	clients map[chan string]struct{}
	closed  bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan string]struct{})}
}

// Subscribe returns a buffered channel of serialized events. After Close it
// returns an already closed channel.
func (h *Hub) Subscribe() chan string {
	ch := make(chan string, 16)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.clients[ch] = struct{}{}
	return ch
}

func (h *Hub) Unsubscribe(ch chan string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

func (h *Hub) Publish(evt string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Close ends every subscription so that long-lived streams return before the
// HTTP server shuts down.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.clients {
		delete(h.clients, ch)
		close(ch)
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
