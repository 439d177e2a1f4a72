// Package envelope implements the single wire message type shared by every
// interaction style the hub exposes (request/response and publish/
// subscribe), plus the binary codec that frames it on the wire.
//
// The envelope carries routing (source/target/topic), correlation, and
// timing metadata alongside an opaque payload. Discriminating purely on
// Kind and CorrelationID — rather than running several parallel message
// types — keeps the hub's receive loop and correlation logic in one place.
//
// Called by: transport, registry, subscription, hub.
package envelope

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the role an Envelope plays on the bus. See spec §3.
type Kind uint8

const (
	KindRequest Kind = iota + 1
	KindResponse
	KindEvent
	KindSubscribe
	KindUnsubscribe
	KindHeartbeat
	KindError
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "Request"
	case KindResponse:
		return "Response"
	case KindEvent:
		return "Event"
	case KindSubscribe:
		return "Subscribe"
	case KindUnsubscribe:
		return "Unsubscribe"
	case KindHeartbeat:
		return "Heartbeat"
	case KindError:
		return "Error"
	case KindShutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ShutdownTopic is the literal topic carried by every Shutdown envelope.
const ShutdownTopic = "shutdown"

// Metadata holds the timing and content-type fields every envelope carries.
type Metadata struct {
	CreatedAt   time.Time
	Deadline    *time.Time
	ContentType string
}

// Envelope is the one wire message type. Instances are treated as
// immutable after construction, except that a caller may still set
// Target on a freshly built envelope just before sending it (the hub
// addresses its Requests this way).
type Envelope struct {
	ID            string
	Kind          Kind
	Source        string
	Target        string // empty => broadcast within the bus
	Topic         string
	Payload       []byte
	CorrelationID string // empty unless this is a Response/Error
	Metadata      Metadata
}

func newID() string { return uuid.New().String() }

// NewRequest builds a Request envelope. Topic must be "namespace/method"
// (invariant I1); payload is already-encoded bytes (see codec.go).
func NewRequest(source, topic string, payload []byte, deadline *time.Time) (*Envelope, error) {
	if err := validateServiceKeyTopic(topic); err != nil {
		return nil, err
	}
	if source == "" {
		return nil, fmt.Errorf("envelope: source is required")
	}
	return &Envelope{
		ID:      newID(),
		Kind:    KindRequest,
		Source:  source,
		Topic:   topic,
		Payload: payload,
		Metadata: Metadata{
			CreatedAt: timeNow(),
			Deadline:  deadline,
		},
	}, nil
}

// NewResponse builds a Response envelope replying to req (invariant I2).
func NewResponse(source string, req *Envelope, payload []byte) *Envelope {
	return &Envelope{
		ID:            newID(),
		Kind:          KindResponse,
		Source:        source,
		Target:        req.Source,
		Topic:         req.Topic,
		Payload:       payload,
		CorrelationID: req.ID,
		Metadata:      Metadata{CreatedAt: timeNow()},
	}
}

// NewErrorFor builds an Error envelope replying to req (invariant I2).
// payload is the codec-encoded typed error reason.
func NewErrorFor(source string, req *Envelope, payload []byte) *Envelope {
	return &Envelope{
		ID:            newID(),
		Kind:          KindError,
		Source:        source,
		Target:        req.Source,
		Topic:         req.Topic,
		Payload:       payload,
		CorrelationID: req.ID,
		Metadata:      Metadata{CreatedAt: timeNow()},
	}
}

// NewEvent builds an Event envelope on topic (invariant I3: no correlation id).
func NewEvent(source, topic string, payload []byte) (*Envelope, error) {
	if topic == "" {
		return nil, fmt.Errorf("envelope: event topic is required")
	}
	return &Envelope{
		ID:       newID(),
		Kind:     KindEvent,
		Source:   source,
		Topic:    topic,
		Payload:  payload,
		Metadata: Metadata{CreatedAt: timeNow()},
	}, nil
}

// NewSubscribe builds a Subscribe envelope for pattern, addressed at target
// (the service hosting the stream) when target is non-empty.
func NewSubscribe(source, target, pattern string) *Envelope {
	return &Envelope{
		ID:       newID(),
		Kind:     KindSubscribe,
		Source:   source,
		Target:   target,
		Topic:    pattern,
		Metadata: Metadata{CreatedAt: timeNow()},
	}
}

// NewUnsubscribe builds an Unsubscribe envelope removing the subscription
// identified by subscriptionID (carried in Topic, mirroring Subscribe).
func NewUnsubscribe(source, target, subscriptionID string) *Envelope {
	return &Envelope{
		ID:       newID(),
		Kind:     KindUnsubscribe,
		Source:   source,
		Target:   target,
		Topic:    subscriptionID,
		Metadata: Metadata{CreatedAt: timeNow()},
	}
}

// NewHeartbeat builds an informational liveness envelope.
func NewHeartbeat(source string) *Envelope {
	return &Envelope{
		ID:       newID(),
		Kind:     KindHeartbeat,
		Source:   source,
		Metadata: Metadata{CreatedAt: timeNow()},
	}
}

// NewShutdown builds the Shutdown envelope a hub emits on its own departure.
func NewShutdown(source string) *Envelope {
	return &Envelope{
		ID:       newID(),
		Kind:     KindShutdown,
		Source:   source,
		Topic:    ShutdownTopic,
		Metadata: Metadata{CreatedAt: timeNow()},
	}
}

// timeNow is split out so tests can pin it if ever needed; production
// behavior is just time.Now().
var timeNow = time.Now

// validateServiceKeyTopic enforces invariant I1: Request topics are
// "namespace/method" with both parts non-empty and no nested slash.
func validateServiceKeyTopic(topic string) error {
	ns, method, ok := splitServiceKey(topic)
	if !ok || ns == "" || method == "" {
		return fmt.Errorf("envelope: request topic %q must be \"namespace/method\"", topic)
	}
	return nil
}

// splitServiceKey splits "namespace/method" on its single slash. ok is
// false if there is not exactly one slash.
func splitServiceKey(topic string) (namespace, method string, ok bool) {
	idx := -1
	for i := 0; i < len(topic); i++ {
		if topic[i] == '/' {
			if idx != -1 {
				return "", "", false // more than one slash
			}
			idx = i
		}
	}
	if idx <= 0 || idx >= len(topic)-1 {
		return "", "", false
	}
	return topic[:idx], topic[idx+1:], true
}

// SplitServiceKey is the exported form used by the registry to parse a
// Request's Topic into (namespace, method).
func SplitServiceKey(topic string) (namespace, method string, ok bool) {
	return splitServiceKey(topic)
}

// Validate checks the id and source every envelope needs, plus the
// invariants of spec §3/§8 that apply to its Kind.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope: id is required")
	}
	if e.Source == "" {
		return fmt.Errorf("envelope: source is required")
	}
	switch e.Kind {
	case KindRequest:
		if err := validateServiceKeyTopic(e.Topic); err != nil {
			return err
		}
	case KindResponse, KindError:
		if e.CorrelationID == "" {
			return fmt.Errorf("envelope: %s requires correlation_id", e.Kind)
		}
	case KindEvent:
		if e.Topic == "" {
			return fmt.Errorf("envelope: event requires topic")
		}
		if e.CorrelationID != "" {
			return fmt.Errorf("envelope: event must not carry correlation_id")
		}
	}
	return nil
}

// IsExpired reports whether the envelope's deadline, if any, has passed.
func (e *Envelope) IsExpired() bool {
	if e.Metadata.Deadline == nil {
		return false
	}
	return timeNow().After(*e.Metadata.Deadline)
}

// Clone returns a deep copy of the envelope, used by the bus when the same
// logical message must be delivered to more than one mailbox (broadcast).
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Payload != nil {
		clone.Payload = make([]byte, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}
	if e.Metadata.Deadline != nil {
		d := *e.Metadata.Deadline
		clone.Metadata.Deadline = &d
	}
	return &clone
}
