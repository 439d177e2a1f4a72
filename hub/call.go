package hub

import (
	"context"
	"time"

	"github.com/tenzoki/agen/meshbus/internal/envelope"
	"github.com/tenzoki/agen/meshbus/internal/registry"
	"github.com/tenzoki/agen/meshbus/internal/subscription"
	"github.com/tenzoki/agen/meshbus/internal/xerrors"
)

// Call sends a Request to target's "namespace/method" and blocks for the
// matching Response (or Error), honoring ctx's deadline and falling back
// to the hub's configured default timeout when ctx carries none.
func (h *Hub) Call(ctx context.Context, target, topic string, payload []byte) ([]byte, error) {
	deadline := h.effectiveDeadline(ctx)
	if _, ok := ctx.Deadline(); !ok && deadline != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, *deadline)
		defer cancel()
	}
	req, err := envelope.NewRequest(h.label, topic, payload, deadline)
	if err != nil {
		return nil, err
	}
	req.Target = target

	ch := h.addPending(req.ID)
	defer h.dropPending(req.ID)

	if err := h.transport.Send(ctx, req); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Kind == envelope.KindError {
			return nil, decodeErrorPayload(resp.Payload)
		}
		return resp.Payload, nil
	case <-ctx.Done():
		return nil, xerrors.Wrap(xerrors.Timeout, "call canceled", ctx.Err())
	}
}

func (h *Hub) effectiveDeadline(ctx context.Context) *time.Time {
	if d, ok := ctx.Deadline(); ok {
		return &d
	}
	if h.cfg.Hub.DefaultTimeout > 0 {
		d := time.Now().Add(h.cfg.Hub.DefaultTimeout)
		return &d
	}
	return nil
}

func decodeErrorPayload(payload []byte) error {
	var ep registry.ErrorPayload
	var codec envelope.PayloadCodec
	if err := codec.Unmarshal(payload, &ep); err != nil {
		return xerrors.New(xerrors.ServiceError, string(payload))
	}
	kind := xerrors.Kind(ep.Kind)
	return xerrors.New(kind, ep.Message)
}

// Publish emits an Event on topic, broadcast to every other attached
// process. The bus does not echo a broadcast back to its sender, so this
// hub's own local subscriptions do not receive it.
func (h *Hub) Publish(ctx context.Context, topic string, payload []byte) error {
	evt, err := envelope.NewEvent(h.label, topic, payload)
	if err != nil {
		return err
	}
	return h.transport.Send(ctx, evt)
}

// Subscribe registers cb against pattern for events this hub observes
// (spec §4.4). Deadline is only consulted when policy is
// subscription.BlockWithDeadline.
func (h *Hub) Subscribe(pattern string, policy subscription.Policy, deadline time.Duration, cb subscription.Callback) (string, error) {
	return h.subs.Subscribe(pattern, policy, deadline, cb)
}

// Unsubscribe removes a previously registered local subscription.
func (h *Hub) Unsubscribe(id string) {
	h.subs.Unsubscribe(id)
}
