package subscription

import (
	"context"
	"sync"
	"testing"

	"github.com/tenzoki/agen/meshbus/internal/envelope"
	"github.com/tenzoki/agen/meshbus/internal/xerrors"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*envelope.Envelope
}

func (f *fakeSender) Send(ctx context.Context, env *envelope.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSender) last() *envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func TestStreamAcceptThenSendValue(t *testing.T) {
	sender := &fakeSender{}
	sub := envelope.NewSubscribe("client", "service", "ticks/#")
	s := newStream("stream-1", sub.Source, "service", sub.Topic, sender)

	if err := s.Accept(context.Background(), sub); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if s.State() != Active {
		t.Fatalf("expected Active, got %s", s.State())
	}
	ack := sender.last()
	if ack.Kind != envelope.KindResponse || ack.CorrelationID != sub.ID {
		t.Fatalf("expected response ack correlated to subscribe, got %+v", ack)
	}

	if err := s.SendValue(context.Background(), []byte("tick-1")); err != nil {
		t.Fatalf("send value: %v", err)
	}
	val := sender.last()
	if val.Kind != envelope.KindResponse || val.CorrelationID != s.ID || val.Target != sub.Source {
		t.Fatalf("unexpected value envelope: %+v", val)
	}
}

func TestStreamRejectPreventsSendValue(t *testing.T) {
	sender := &fakeSender{}
	sub := envelope.NewSubscribe("client", "service", "ticks/#")
	s := newStream("stream-1", sub.Source, "service", sub.Topic, sender)

	if err := s.Reject(context.Background(), sub, xerrors.New(xerrors.SubscriptionRejected, "not allowed")); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if s.State() != Rejected {
		t.Fatalf("expected Rejected, got %s", s.State())
	}
	if err := s.SendValue(context.Background(), []byte("x")); err == nil {
		t.Fatalf("expected error sending on a rejected stream")
	}
}

func TestStreamDoubleAcceptFails(t *testing.T) {
	sender := &fakeSender{}
	sub := envelope.NewSubscribe("client", "service", "ticks/#")
	s := newStream("stream-1", sub.Source, "service", sub.Topic, sender)
	if err := s.Accept(context.Background(), sub); err != nil {
		t.Fatal(err)
	}
	if err := s.Accept(context.Background(), sub); err == nil {
		t.Fatalf("expected error re-accepting an already active stream")
	}
}

func TestStreamTableOpenAndClose(t *testing.T) {
	table := NewStreamTable()
	sender := &fakeSender{}
	sub := envelope.NewSubscribe("client", "service", "ticks/#")

	done := make(chan struct{})
	stream := table.Open(context.Background(), "service", sender, sub, func(ctx context.Context, s *Stream, env *envelope.Envelope) {
		s.Accept(ctx, env)
		close(done)
	})
	<-done

	found, ok := table.Lookup(stream.ID)
	if !ok || found != stream {
		t.Fatalf("expected to find the opened stream")
	}

	table.Close(stream.ID)
	if _, ok := table.Lookup(stream.ID); ok {
		t.Fatalf("expected stream removed after Close")
	}
	if stream.State() != Terminated {
		t.Fatalf("expected Terminated after Close, got %s", stream.State())
	}
}

func TestStreamSendValueAfterTerminateReturnsDisconnected(t *testing.T) {
	sender := &fakeSender{}
	sub := envelope.NewSubscribe("client", "service", "ticks/#")
	s := newStream("stream-1", sub.Source, "service", sub.Topic, sender)
	if err := s.Accept(context.Background(), sub); err != nil {
		t.Fatal(err)
	}
	s.Terminate()

	err := s.SendValue(context.Background(), []byte("late"))
	if err == nil {
		t.Fatalf("expected error sending to a terminated stream")
	}
	if kind, ok := xerrors.KindOf(err); !ok || kind != xerrors.Disconnected {
		t.Fatalf("expected Disconnected, got %v", err)
	}
}

func TestStreamTableCloseUnknownIsNoop(t *testing.T) {
	table := NewStreamTable()
	table.Close("does-not-exist") // must not panic
}
