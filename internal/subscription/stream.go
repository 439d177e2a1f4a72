package subscription

import (
	"context"
	"fmt"
	"sync"

	"github.com/tenzoki/agen/meshbus/internal/envelope"
	"github.com/tenzoki/agen/meshbus/internal/xerrors"
)

// State is a streaming subscription's position in its handshake lifecycle
// (spec §4.4): a Subscribe envelope creates a Stream in Pending state; the
// service handler either Accepts or Rejects it; an accepted stream moves
// values via SendValue until Terminate (explicit, or by an Unsubscribe
// envelope). A subscriber that leaves the bus without unsubscribing does
// not terminate its streams.
type State int

const (
	Pending State = iota
	Active
	Rejected
	Terminated
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Active:
		return "Active"
	case Rejected:
		return "Rejected"
	case Terminated:
		return "Terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Sender delivers an envelope to a specific subscriber. The hub's
// Transport.Send (addressed via Target) satisfies this.
type Sender interface {
	Send(ctx context.Context, env *envelope.Envelope) error
}

// Stream is one streaming subscription between a subscriber and the
// service it subscribed to. It is created when a Subscribe envelope
// arrives addressed to a registered stream handler.
type Stream struct {
	ID         string
	Subscriber string
	Source     string // this hub's own label, used as Source on outgoing values
	Pattern    string

	sender Sender

	mu    sync.Mutex
	state State
}

func newStream(id, subscriber, source, pattern string, sender Sender) *Stream {
	return &Stream{ID: id, Subscriber: subscriber, Source: source, Pattern: pattern, sender: sender, state: Pending}
}

// State reports the stream's current lifecycle position.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Accept moves a Pending stream to Active and acknowledges the subscriber
// with a Response envelope correlated to the original Subscribe.
func (s *Stream) Accept(ctx context.Context, subscribeEnv *envelope.Envelope) error {
	s.mu.Lock()
	if s.state != Pending {
		s.mu.Unlock()
		return xerrors.New(xerrors.InvalidRequest, fmt.Sprintf("stream %s is %s, cannot accept", s.ID, s.state))
	}
	s.state = Active
	s.mu.Unlock()

	ack := envelope.NewResponse(s.Source, subscribeEnv, []byte(s.ID))
	return s.sender.Send(ctx, ack)
}

// Reject moves a Pending stream to Rejected and reports reason to the
// subscriber as an Error envelope correlated to the original Subscribe.
func (s *Stream) Reject(ctx context.Context, subscribeEnv *envelope.Envelope, reason error) error {
	s.mu.Lock()
	if s.state != Pending {
		s.mu.Unlock()
		return xerrors.New(xerrors.InvalidRequest, fmt.Sprintf("stream %s is %s, cannot reject", s.ID, s.state))
	}
	s.state = Rejected
	s.mu.Unlock()

	kind, ok := xerrors.KindOf(reason)
	if !ok {
		kind = xerrors.SubscriptionRejected
	}
	var codec envelope.PayloadCodec
	payload, err := codec.Marshal(struct{ Kind, Message string }{string(kind), reason.Error()})
	if err != nil {
		payload = []byte(reason.Error())
	}
	errEnv := envelope.NewErrorFor(s.Source, subscribeEnv, payload)
	return s.sender.Send(ctx, errEnv)
}

// SendValue pushes one value to the subscriber. Values travel as Response
// envelopes correlated to the original Subscribe's id: unlike a Request's
// single Response, a stream's correlation id legitimately carries many of
// them, one per value, which keeps the envelope's own invariants intact
// (an Event, by contrast, must never carry a correlation id — spec
// invariant I3 — so Event is the wrong Kind for this). Only valid while
// Active.
func (s *Stream) SendValue(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == Terminated {
		return xerrors.New(xerrors.Disconnected, fmt.Sprintf("stream %s: subscriber is gone", s.ID))
	}
	if state != Active {
		return xerrors.New(xerrors.InvalidRequest, fmt.Sprintf("stream %s is %s, cannot send", s.ID, state))
	}

	synthetic := &envelope.Envelope{ID: s.ID, Source: s.Subscriber, Topic: s.Pattern}
	val := envelope.NewResponse(s.Source, synthetic, payload)
	return s.sender.Send(ctx, val)
}

// Terminate ends the stream, regardless of its prior state. Safe to call
// more than once.
func (s *Stream) Terminate() {
	s.mu.Lock()
	s.state = Terminated
	s.mu.Unlock()
}

// StreamHandler decides whether to accept a streaming subscription request
// and, if accepted, is responsible for calling stream.SendValue until the
// stream should end (then calling stream.Terminate).
type StreamHandler func(ctx context.Context, stream *Stream, subscribeEnv *envelope.Envelope)

// StreamTable tracks in-flight streaming subscriptions by id, so that a
// later Unsubscribe envelope (carrying the id in its Topic, per
// envelope.NewUnsubscribe) can find and terminate the right one. The id is
// always the originating Subscribe envelope's own id: that already
// uniquely names the subscription on both ends, so both sides can refer
// to it without a second id allocation.
type StreamTable struct {
	mu      sync.Mutex
	streams map[string]*Stream
}

// NewStreamTable returns an empty StreamTable.
func NewStreamTable() *StreamTable {
	return &StreamTable{streams: make(map[string]*Stream)}
}

// Open creates a new Pending stream for an inbound Subscribe envelope and
// invokes handler in its own goroutine, matching registry.Dispatch's
// off-receive-loop execution.
func (t *StreamTable) Open(ctx context.Context, source string, sender Sender, subscribeEnv *envelope.Envelope, handler StreamHandler) *Stream {
	id := subscribeEnv.ID
	stream := newStream(id, subscribeEnv.Source, source, subscribeEnv.Topic, sender)

	t.mu.Lock()
	t.streams[id] = stream
	t.mu.Unlock()

	go handler(ctx, stream, subscribeEnv)
	return stream
}

// Close terminates and removes the stream identified by id (from an
// Unsubscribe envelope's Topic field). Unknown ids are a no-op.
func (t *StreamTable) Close(id string) {
	t.mu.Lock()
	stream, ok := t.streams[id]
	delete(t.streams, id)
	t.mu.Unlock()
	if ok {
		stream.Terminate()
	}
}

// Lookup returns the stream registered under id, if any.
func (t *StreamTable) Lookup(id string) (*Stream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[id]
	return s, ok
}
