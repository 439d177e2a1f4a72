package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/tenzoki/agen/meshbus/internal/envelope"
	"github.com/tenzoki/agen/meshbus/internal/xerrors"
)

// mailboxCapacity bounds how many envelopes may sit queued for a single
// label before the bus starts failing fast with BusBackpressure, per
// spec §5 ("sends must not block the caller beyond bus back-pressure").
const mailboxCapacity = 256

// mailbox is the per-label outbound queue and writer pump for one attached
// connection. A dedicated goroutine drains outbox onto the wire so that
// room.deliver never blocks on a slow peer.
type mailbox struct {
	label  string
	writer envelopeWriter

	mu     sync.Mutex
	outbox chan *envelope.Envelope
	closed bool
	seen   time.Time
}

// envelopeWriter is the narrow interface mailbox needs from a connection,
// letting tests substitute an in-memory writer instead of a real net.Conn.
type envelopeWriter interface {
	WriteEnvelope(*envelope.Envelope) error
	Close() error
}

func newMailbox(label string, w envelopeWriter) *mailbox {
	mb := &mailbox{
		label:  label,
		writer: w,
		outbox: make(chan *envelope.Envelope, mailboxCapacity),
		seen:   time.Now(),
	}
	go mb.pump()
	return mb
}

func (mb *mailbox) pump() {
	for env := range mb.outbox {
		if err := mb.writer.WriteEnvelope(env); err != nil {
			mb.close()
			return
		}
	}
}

// send enqueues env for delivery, failing fast if the mailbox is saturated
// or already closed.
func (mb *mailbox) send(env *envelope.Envelope) error {
	mb.mu.Lock()
	closed := mb.closed
	mb.mu.Unlock()
	if closed {
		return xerrors.New(xerrors.BusBackpressure, fmt.Sprintf("mailbox %s closed", mb.label))
	}
	select {
	case mb.outbox <- env:
		return nil
	default:
		return xerrors.New(xerrors.BusBackpressure, fmt.Sprintf("mailbox %s saturated", mb.label))
	}
}

func (mb *mailbox) touch() {
	mb.mu.Lock()
	mb.seen = time.Now()
	mb.mu.Unlock()
}

func (mb *mailbox) lastSeen() time.Time {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.seen
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return
	}
	mb.closed = true
	mb.mu.Unlock()
	close(mb.outbox)
	mb.writer.Close()
}

// room is one named bus a set of labelled connections has joined. Envelopes
// with a Target are delivered directly to the matching label's mailbox
// (native per-label delivery, per spec §9's "Design Notes" allowance);
// envelopes without a Target are broadcast to every attached mailbox,
// matching the "absent target => broadcast within the bus" rule of §3.
type room struct {
	name string

	mu        sync.RWMutex
	mailboxes map[string]*mailbox
}

func newRoom(name string) *room {
	return &room{name: name, mailboxes: make(map[string]*mailbox)}
}

func (r *room) join(label string, w envelopeWriter) *mailbox {
	mb := newMailbox(label, w)
	r.mu.Lock()
	if old, exists := r.mailboxes[label]; exists {
		old.close()
	}
	r.mailboxes[label] = mb
	r.mu.Unlock()
	return mb
}

func (r *room) leave(label string, mb *mailbox) {
	r.mu.Lock()
	if current, ok := r.mailboxes[label]; ok && current == mb {
		delete(r.mailboxes, label)
	}
	r.mu.Unlock()
	mb.close()
}

func (r *room) lookup(label string) (*mailbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mb, ok := r.mailboxes[label]
	return mb, ok
}

func (r *room) all() []*mailbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*mailbox, 0, len(r.mailboxes))
	for _, mb := range r.mailboxes {
		out = append(out, mb)
	}
	return out
}

// deliver routes env according to its Target, per spec §3/§4.2/§6.
func (r *room) deliver(env *envelope.Envelope, fromLabel string) error {
	if env.Target != "" {
		mb, ok := r.lookup(env.Target)
		if !ok {
			// Target not (yet) attached: best-effort bus, drop silently.
			// Non-goal: persistent queues / guaranteed delivery.
			return nil
		}
		return mb.send(env)
	}

	var firstErr error
	for _, mb := range r.all() {
		if mb.label == fromLabel {
			continue // never echo a broadcast back to its own sender
		}
		if err := mb.send(env.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
