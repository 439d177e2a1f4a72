// Package registry implements the Service Registry & Dispatch component:
// a "namespace/method" keyed table of handlers and the logic that turns an
// inbound Request envelope into a Response or Error envelope. Grounded on
// cellorg's internal/broker/service.go handleRequest dispatch switch,
// generalized from a fixed set of built-in broker operations to an
// open-ended table of caller-registered service methods.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/tenzoki/agen/meshbus/internal/envelope"
	"github.com/tenzoki/agen/meshbus/internal/xerrors"
)

// Handler processes one Request's already-decoded payload and returns the
// bytes to carry back in the Response. Handlers run off the hub's receive
// loop (spec §4.3, §4.5): one misbehaving handler must not stall delivery
// to anyone else.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// ErrorPayload is the structured reason carried by an Error envelope's
// payload, encoded with envelope.PayloadCodec so a remote caller can
// recover Kind without string-matching Message.
type ErrorPayload struct {
	Kind    string
	Message string
}

// Registry is the namespace/method -> Handler table. Safe for concurrent
// use: Register is expected at setup time, Dispatch continuously from the
// hub's receive loop.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs h under "namespace/method". Keys are unique within a
// registry (spec §4.3): re-registering an already-bound key fails rather
// than silently replacing the existing handler.
func (r *Registry) Register(namespace, method string, h Handler) error {
	if namespace == "" || method == "" {
		return xerrors.New(xerrors.InvalidRequest, "namespace and method are required")
	}
	key := namespace + "/" + method
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		return xerrors.New(xerrors.InvalidRequest, fmt.Sprintf("service key %q is already registered", key))
	}
	r.handlers[key] = h
	return nil
}

// Lookup resolves topic ("namespace/method") to its handler.
func (r *Registry) Lookup(topic string) (Handler, error) {
	ns, method, ok := envelope.SplitServiceKey(topic)
	if !ok {
		return nil, xerrors.New(xerrors.InvalidRequest, fmt.Sprintf("malformed service topic %q", topic))
	}
	r.mu.RLock()
	h, ok := r.handlers[ns+"/"+method]
	r.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.MethodNotFound, fmt.Sprintf("no handler for %q", topic))
	}
	return h, nil
}

// Dispatch resolves and invokes the handler for req (which must be a
// Request envelope), returning the Response or Error envelope to send
// back to req's source. It never panics the caller's goroutine into the
// receive loop: this is expected to be invoked from its own goroutine per
// request (spec §4.5's "dispatch off the receive loop").
func (r *Registry) Dispatch(ctx context.Context, source string, req *envelope.Envelope) *envelope.Envelope {
	h, err := r.Lookup(req.Topic)
	if err != nil {
		return errorEnvelope(source, req, err)
	}

	result, err := h(ctx, req.Payload)
	if err != nil {
		return errorEnvelope(source, req, wrapHandlerError(err))
	}
	return envelope.NewResponse(source, req, result)
}

func wrapHandlerError(err error) error {
	if _, ok := xerrors.KindOf(err); ok {
		return err
	}
	return xerrors.New(xerrors.ServiceError, err.Error())
}

func errorEnvelope(source string, req *envelope.Envelope, err error) *envelope.Envelope {
	kind, ok := xerrors.KindOf(err)
	if !ok {
		kind = xerrors.ServiceError
	}
	message := err.Error()
	if xe, ok := err.(*xerrors.Error); ok {
		message = xe.Context
		if xe.Cause != nil {
			message = xe.Context + ": " + xe.Cause.Error()
		}
	}
	var codec envelope.PayloadCodec
	payload, encErr := codec.Marshal(ErrorPayload{Kind: string(kind), Message: message})
	if encErr != nil {
		payload = []byte(err.Error())
	}
	return envelope.NewErrorFor(source, req, payload)
}
