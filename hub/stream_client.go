package hub

import (
	"context"
	"sync"

	"github.com/tenzoki/agen/meshbus/internal/envelope"
	"github.com/tenzoki/agen/meshbus/internal/xerrors"
)

// clientStream holds the channels a streaming subscription delivers
// through, from the subscriber's side: ack carries the one-time
// accept/reject Response/Error, values carries each subsequent pushed
// value, errs surfaces rejection and delivery problems. Every envelope
// correlated to this stream's id arrives as a Response (accept, then any
// number of values) or an Error (reject, or a mid-stream failure); acked
// distinguishes the first of those, which belongs on ack, from the rest,
// which belong on values/errs.
type clientStream struct {
	ack    chan *envelope.Envelope
	values chan []byte
	errs   chan error

	mu    sync.Mutex
	acked bool
}

// routeEnvelope dispatches one correlated envelope to the right channel:
// the first one always goes to ack (the accept/reject handshake), every
// one after that is a stream value (Response) or a mid-stream failure
// (Error).
func (cs *clientStream) routeEnvelope(env *envelope.Envelope) {
	cs.mu.Lock()
	first := !cs.acked
	cs.acked = true
	cs.mu.Unlock()

	if first {
		select {
		case cs.ack <- env:
		default:
		}
		return
	}

	if env.Kind == envelope.KindError {
		select {
		case cs.errs <- decodeErrorPayload(env.Payload):
		default:
		}
		return
	}

	select {
	case cs.values <- env.Payload:
	default:
		select {
		case cs.errs <- xerrors.New(xerrors.SubscriptionRejected, "stream value dropped, consumer too slow"):
		default:
		}
	}
}

func (h *Hub) lookupStreamClient(id string) (*clientStream, bool) {
	h.streamMu.Lock()
	defer h.streamMu.Unlock()
	cs, ok := h.streamClients[id]
	return cs, ok
}

const streamValueBuffer = 32

// OpenStream subscribes to pattern on target's streaming endpoint and
// blocks until the endpoint accepts or rejects it (spec §4.4's
// pending -> accept/reject handshake). On acceptance it returns a values
// channel fed by the endpoint's SendValue calls, an errs channel for
// delivery problems, and an unsubscribe func the caller should defer.
func (h *Hub) OpenStream(ctx context.Context, target, pattern string) (values <-chan []byte, errs <-chan error, unsubscribe func(), err error) {
	sub := envelope.NewSubscribe(h.label, target, pattern)
	cs := &clientStream{
		ack:    make(chan *envelope.Envelope, 1),
		values: make(chan []byte, streamValueBuffer),
		errs:   make(chan error, 1),
	}

	h.streamMu.Lock()
	h.streamClients[sub.ID] = cs
	h.streamMu.Unlock()

	cleanup := func() {
		h.streamMu.Lock()
		delete(h.streamClients, sub.ID)
		h.streamMu.Unlock()
	}

	if sendErr := h.transport.Send(ctx, sub); sendErr != nil {
		cleanup()
		return nil, nil, nil, sendErr
	}

	select {
	case ackEnv := <-cs.ack:
		if ackEnv.Kind == envelope.KindError {
			cleanup()
			return nil, nil, nil, decodeErrorPayload(ackEnv.Payload)
		}
	case <-ctx.Done():
		cleanup()
		return nil, nil, nil, ctx.Err()
	}

	unsubscribe = func() {
		unsub := envelope.NewUnsubscribe(h.label, target, sub.ID)
		_ = h.transport.Send(context.Background(), unsub)
		cleanup()
	}
	return cs.values, cs.errs, unsubscribe, nil
}
