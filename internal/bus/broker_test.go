package bus

import (
	"net"
	"testing"
	"time"

	"github.com/tenzoki/agen/meshbus/internal/envelope"
)

func dialBroker(t *testing.T, addr, room, label string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := Join(conn, room, label); err != nil {
		t.Fatalf("join: %v", err)
	}
	return conn
}

func startBroker(t *testing.T) *Broker {
	t.Helper()
	b := NewBroker("127.0.0.1:0", false)
	go func() {
		_ = b.Serve()
	}()
	deadline := time.Now().Add(2 * time.Second)
	for b.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("broker never started listening")
		}
		time.Sleep(time.Millisecond)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestDirectDeliveryToTarget(t *testing.T) {
	b := startBroker(t)

	a := dialBroker(t, b.Addr(), "room1", "alice")
	defer a.Close()
	bob := dialBroker(t, b.Addr(), "room1", "bob")
	defer bob.Close()

	req, err := envelope.NewRequest("alice", "calc/add", []byte("1,2"), nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Target = "bob"
	if err := envelope.EncodeEnvelope(a, req); err != nil {
		t.Fatalf("send: %v", err)
	}

	bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := envelope.DecodeEnvelope(bob)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got.ID != req.ID {
		t.Fatalf("expected bob to receive the request, got %+v", got)
	}
}

func TestBroadcastSkipsSender(t *testing.T) {
	b := startBroker(t)

	a := dialBroker(t, b.Addr(), "room1", "pub")
	defer a.Close()
	sub1 := dialBroker(t, b.Addr(), "room1", "sub1")
	defer sub1.Close()
	sub2 := dialBroker(t, b.Addr(), "room1", "sub2")
	defer sub2.Close()

	time.Sleep(20 * time.Millisecond) // let all three finish joining

	evt, err := envelope.NewEvent("pub", "sensor/temp", []byte("21.5"))
	if err != nil {
		t.Fatal(err)
	}
	if err := envelope.EncodeEnvelope(a, evt); err != nil {
		t.Fatalf("send: %v", err)
	}

	for _, conn := range []net.Conn{sub1, sub2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		got, err := envelope.DecodeEnvelope(conn)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if got.ID != evt.ID {
			t.Fatalf("expected broadcast event, got %+v", got)
		}
	}

	a.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := envelope.DecodeEnvelope(a); err == nil {
		t.Fatalf("sender should not receive its own broadcast")
	}
}

func TestShutdownBroadcastsToPeers(t *testing.T) {
	b := startBroker(t)

	leaver := dialBroker(t, b.Addr(), "room1", "leaver")
	peer := dialBroker(t, b.Addr(), "room1", "peer")
	defer peer.Close()

	time.Sleep(20 * time.Millisecond) // let both finish joining

	sd := envelope.NewShutdown("leaver")
	if err := envelope.EncodeEnvelope(leaver, sd); err != nil {
		t.Fatalf("send shutdown: %v", err)
	}
	leaver.Close()

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := envelope.DecodeEnvelope(peer)
	if err != nil {
		t.Fatalf("expected peer to observe leaver's shutdown: %v", err)
	}
	if got.Kind != envelope.KindShutdown || got.Source != "leaver" {
		t.Fatalf("expected leaver's shutdown envelope, got %+v", got)
	}
}

func TestMailboxBackpressure(t *testing.T) {
	r := newRoom("room1")
	w := &blockingWriter{block: make(chan struct{})}
	mb := r.join("slow", w)
	defer close(w.block)

	var lastErr error
	for i := 0; i < mailboxCapacity+10; i++ {
		env, _ := envelope.NewEvent("src", "t/t", nil)
		lastErr = mb.send(env)
		if lastErr != nil {
			break
		}
	}
	if lastErr == nil {
		t.Fatalf("expected backpressure error once mailbox saturated")
	}
}

type blockingWriter struct {
	block chan struct{}
}

func (w *blockingWriter) WriteEnvelope(*envelope.Envelope) error {
	<-w.block
	return nil
}

func (w *blockingWriter) Close() error { return nil }
