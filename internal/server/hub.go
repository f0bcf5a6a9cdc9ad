package server

import (
	"sync"

	"github.com/dreamware/pixelcanvas/internal/canvas"
)

// subscriberBuffer is how many changes a live reader may lag behind before
// it is disconnected.
const subscriberBuffer = 256

// subscriber receives committed changes until its channel is closed.
type subscriber struct {
	ch chan canvas.Change
}

// hub fans committed store changes out to websocket readers.
// publish never blocks: a subscriber whose buffer is full is dropped and
// its channel closed, and the client is expected to resubscribe.
type hub struct {
	subs   map[*subscriber]struct{}
	mu     sync.Mutex
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

func (h *hub) subscribe() *subscriber {
	sub := &subscriber{ch: make(chan canvas.Change, subscriberBuffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

func (h *hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

func (h *hub) publish(c canvas.Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- c:
		default:
			delete(h.subs, sub)
			close(sub.ch)
		}
	}
}

func (h *hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
}
