// Package bus implements the local-host MPMC room every process attaches
// to: a broker-side label registry with per-label direct delivery and
// broadcast-to-all fallback for target-less envelopes, bounded per-label
// mailboxes, and fail-fast backpressure. Grounded on cellorg's
// internal/broker/service.go (Service/Topic/Connection), generalized from
// JSON pub/sub framing to the binary envelope codec and from topic-keyed
// subscriber lists to label-keyed direct delivery.
package bus

import (
	"log"
	"net"
	"sync"

	"github.com/tenzoki/agen/meshbus/internal/envelope"
)

// Broker accepts TCP connections and routes envelopes between them within
// named rooms. A single Broker process typically hosts one room per running
// bus, but nothing here prevents several independent rooms sharing a
// listener (e.g. test isolation, or multiple logical buses on one host).
type Broker struct {
	addr     string
	debug    bool
	listener net.Listener

	mu    sync.Mutex
	rooms map[string]*room

	wg sync.WaitGroup
}

// NewBroker constructs a Broker bound to addr (host:port, or ":0" to let the
// OS pick a port — callers read the chosen port back via Addr after Serve
// has started listening).
func NewBroker(addr string, debug bool) *Broker {
	return &Broker{addr: addr, debug: debug, rooms: make(map[string]*room)}
}

// Addr returns the listener's actual address. Valid only after Serve has
// begun listening.
func (b *Broker) Addr() string {
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// Serve opens the listener and accepts connections until the listener is
// closed (via Close) or accept fails terminally.
func (b *Broker) Serve() error {
	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		return err
	}
	b.listener = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handleConnection(conn)
		}()
	}
}

// Close stops accepting new connections and then waits for every
// already-accepted connection's handler to return. Close does not close
// those connections itself: each handler returns only once its peer
// disconnects or departs with a Shutdown envelope.
func (b *Broker) Close() error {
	if b.listener == nil {
		return nil
	}
	err := b.listener.Close()
	b.wg.Wait()
	return err
}

func (b *Broker) roomFor(name string) *room {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[name]
	if !ok {
		r = newRoom(name)
		b.rooms[name] = r
	}
	return r
}

func (b *Broker) logf(format string, args ...interface{}) {
	if b.debug {
		log.Printf("bus: "+format, args...)
	}
}

// handleConnection performs the join handshake (room name + label, per
// spec §6's bus attachment contract) and then pumps inbound envelopes from
// the connection into the joined room until the connection fails or the
// peer departs with a Shutdown envelope.
func (b *Broker) handleConnection(conn net.Conn) {
	roomName, label, err := readJoin(conn)
	if err != nil {
		b.logf("join handshake failed: %v", err)
		conn.Close()
		return
	}

	r := b.roomFor(roomName)
	w := &connWriter{conn: conn}
	mb := r.join(label, w)
	b.logf("%s joined room %s", label, roomName)
	defer func() {
		r.leave(label, mb)
		b.logf("%s left room %s", label, roomName)
	}()

	for {
		env, err := envelope.DecodeEnvelope(conn)
		if err != nil {
			return
		}
		mb.touch()
		if err := r.deliver(env, label); err != nil {
			b.logf("deliver from %s: %v", label, err)
		}
		if env.Kind == envelope.KindShutdown && env.Source == label {
			return
		}
	}
}

// connWriter adapts a net.Conn to the envelopeWriter interface mailbox
// needs, serializing concurrent writes from the mailbox pump goroutine.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *connWriter) WriteEnvelope(env *envelope.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return envelope.EncodeEnvelope(c.conn, env)
}

func (c *connWriter) Close() error {
	return c.conn.Close()
}
