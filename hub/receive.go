package hub

import (
	"context"

	"github.com/tenzoki/agen/meshbus/internal/envelope"
	"github.com/tenzoki/agen/meshbus/internal/registry"
	"github.com/tenzoki/agen/meshbus/internal/xerrors"
)

// receiveLoop is the hub's single consumer of its transport. It does not
// run handler/callback work itself: Request dispatch, stream handlers, and
// subscription callbacks are all handed off to their own goroutines
// (spec §4.5), so one slow service cannot delay delivery to anyone else
// sharing this hub. The one exception is a busy subscriber whose policy is
// BlockWithDeadline: Dispatch waits for it, up to its deadline, on this
// loop.
func (h *Hub) receiveLoop() {
	defer close(h.loopDone)
	ctx := context.Background()

	for {
		env, err := h.transport.Receive(ctx)
		if err != nil {
			h.failAllPending(err)
			h.logf("debug", "hub %s: receive loop ending: %v", h.label, err)
			return
		}

		h.touchPeer(env.Source)

		switch env.Kind {
		case envelope.KindResponse, envelope.KindError:
			h.routeCorrelated(env)

		case envelope.KindEvent:
			h.subs.Dispatch(ctx, env)

		case envelope.KindRequest:
			go h.handleRequest(ctx, env)

		case envelope.KindSubscribe:
			go h.handleSubscribe(ctx, env)

		case envelope.KindUnsubscribe:
			h.streams.Close(env.Topic)

		case envelope.KindHeartbeat:
			// touchPeer above already recorded liveness.

		case envelope.KindShutdown:
			h.logf("debug", "hub %s: peer %s departed", h.label, env.Source)
		}
	}
}

func (h *Hub) handleRequest(ctx context.Context, req *envelope.Envelope) {
	resp := h.registry.Dispatch(ctx, h.label, req)
	if err := h.transport.Send(ctx, resp); err != nil {
		h.logf("error", "hub %s: send response for %s: %v", h.label, req.ID, err)
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, sub *envelope.Envelope) {
	handler, ok := h.lookupStreamHandler(sub.Topic)
	if !ok {
		errEnv := envelope.NewErrorFor(h.label, sub, []byte("no stream handler for "+sub.Topic))
		_ = h.transport.Send(ctx, errEnv)
		return
	}
	h.streams.Open(ctx, h.label, h.transport, sub, handler)
}

// routeCorrelated delivers a Response/Error to whichever caller is
// waiting on its correlation id: a one-shot Call's pending channel, or a
// streaming subscription's clientStream (which tells its own first
// envelope, the accept/reject ack, apart from the values that follow).
func (h *Hub) routeCorrelated(env *envelope.Envelope) {
	if ch, ok := h.takePending(env.CorrelationID); ok {
		ch <- env
		return
	}
	if cs, ok := h.lookupStreamClient(env.CorrelationID); ok {
		cs.routeEnvelope(env)
		return
	}
	h.logf("debug", "hub %s: unmatched correlation id %s", h.label, env.CorrelationID)
}

func (h *Hub) failAllPending(err error) {
	kind, ok := xerrors.KindOf(err)
	if !ok {
		kind = xerrors.TransportClosed
	}
	var codec envelope.PayloadCodec
	payload, encErr := codec.Marshal(registry.ErrorPayload{Kind: string(kind), Message: err.Error()})
	if encErr != nil {
		payload = []byte(err.Error())
	}

	h.pendingMu.Lock()
	pending := h.pending
	h.pending = make(map[string]chan *envelope.Envelope)
	h.pendingMu.Unlock()
	for _, ch := range pending {
		errEnv := &envelope.Envelope{Kind: envelope.KindError, Payload: payload}
		select {
		case ch <- errEnv:
		default:
		}
	}

	h.streamMu.Lock()
	clients := h.streamClients
	h.streamClients = make(map[string]*clientStream)
	h.streamMu.Unlock()
	for _, cs := range clients {
		select {
		case cs.errs <- err:
		default:
		}
		close(cs.values)
	}
}
