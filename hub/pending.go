package hub

import "github.com/tenzoki/agen/meshbus/internal/envelope"

func (h *Hub) addPending(id string) chan *envelope.Envelope {
	ch := make(chan *envelope.Envelope, 1)
	h.pendingMu.Lock()
	h.pending[id] = ch
	h.pendingMu.Unlock()
	return ch
}

func (h *Hub) takePending(id string) (chan *envelope.Envelope, bool) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	ch, ok := h.pending[id]
	if ok {
		delete(h.pending, id)
	}
	return ch, ok
}

func (h *Hub) dropPending(id string) {
	h.pendingMu.Lock()
	delete(h.pending, id)
	h.pendingMu.Unlock()
}
