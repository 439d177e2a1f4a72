package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/tenzoki/agen/meshbus/internal/envelope"
	"github.com/tenzoki/agen/meshbus/internal/xerrors"
)

// Policy controls what happens when a local subscriber's callback cannot
// keep up with incoming events (spec §4.4).
type Policy int

const (
	// DropNewest fails the delivery immediately (non-blocking) when the
	// subscriber is still processing the previous event. This is the
	// default: publishers must never be slowed down by a lagging
	// subscriber.
	DropNewest Policy = iota
	// BlockWithDeadline waits up to a configured deadline for the
	// subscriber to become free before giving up.
	BlockWithDeadline
)

// Callback receives one matched event. It runs in its own goroutine, off
// the hub's receive loop, the same way registry.Handler does.
type Callback func(ctx context.Context, event *envelope.Envelope)

// Subscription is one registered local pattern match.
type Subscription struct {
	ID       string
	pattern  *Pattern
	callback Callback
	policy   Policy
	deadline time.Duration

	mu   sync.Mutex
	busy bool
}

// Index is the set of local subscriptions a single hub maintains. Every
// Event the hub's transport delivers is checked here; matching
// subscriptions are fanned out to one after another, each callback in its
// own goroutine. A busy DropNewest subscriber does not delay the others; a
// busy BlockWithDeadline subscriber delays the ones after it by up to its
// deadline.
type Index struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
	next int
}

// New returns an empty Index.
func New() *Index {
	return &Index{subs: make(map[string]*Subscription)}
}

// Subscribe compiles pattern and registers cb against it, returning the
// subscription id used to Unsubscribe later.
func (idx *Index) Subscribe(pattern string, policy Policy, deadline time.Duration, cb Callback) (string, error) {
	p, err := Compile(pattern)
	if err != nil {
		return "", err
	}
	idx.mu.Lock()
	idx.next++
	id := subscriptionID(idx.next)
	idx.subs[id] = &Subscription{ID: id, pattern: p, callback: cb, policy: policy, deadline: deadline}
	idx.mu.Unlock()
	return id, nil
}

// Unsubscribe removes a previously registered subscription. Unknown ids
// are a no-op, matching unsubscribe-after-disconnect being harmless.
func (idx *Index) Unsubscribe(id string) {
	idx.mu.Lock()
	delete(idx.subs, id)
	idx.mu.Unlock()
}

// Dispatch delivers event to every matching subscription according to its
// policy. Errors from individual subscriptions are collected but do not
// stop delivery to the rest.
func (idx *Index) Dispatch(ctx context.Context, event *envelope.Envelope) []error {
	idx.mu.RLock()
	matched := make([]*Subscription, 0, len(idx.subs))
	for _, s := range idx.subs {
		if s.pattern.Match(event.Topic) {
			matched = append(matched, s)
		}
	}
	idx.mu.RUnlock()

	var errs []error
	for _, s := range matched {
		if err := s.deliver(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (s *Subscription) deliver(ctx context.Context, event *envelope.Envelope) error {
	acquire := func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.busy {
			return false
		}
		s.busy = true
		return true
	}
	release := func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}

	if acquire() {
		go func() {
			defer release()
			s.callback(ctx, event)
		}()
		return nil
	}

	switch s.policy {
	case BlockWithDeadline:
		deadline := time.NewTimer(s.deadline)
		defer deadline.Stop()
		for {
			if acquire() {
				go func() {
					defer release()
					s.callback(ctx, event)
				}()
				return nil
			}
			select {
			case <-deadline.C:
				return xerrors.New(xerrors.Timeout, "subscriber busy past deadline")
			case <-ctx.Done():
				return xerrors.Wrap(xerrors.Timeout, "subscriber delivery canceled", ctx.Err())
			case <-time.After(time.Millisecond):
			}
		}
	default: // DropNewest
		return xerrors.New(xerrors.SubscriptionRejected, "subscriber busy, event dropped")
	}
}

func subscriptionID(n int) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "sub-0"
	}
	buf := make([]byte, 0, 8)
	for n > 0 {
		buf = append([]byte{alphabet[n%len(alphabet)]}, buf...)
		n /= len(alphabet)
	}
	return "sub-" + string(buf)
}
