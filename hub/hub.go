// Package hub implements the Process Hub: the single entry point an
// embedding process uses to join the bus, call services, publish and
// subscribe to events, and open streaming subscriptions. It owns the one
// receive loop per process (spec §4.5) that demultiplexes every inbound
// envelope to the right correlation waiter, registered handler, or local
// subscription, dispatching actual handler/callback work off that loop so
// one slow consumer does not stall delivery to the rest (a subscription
// using BlockWithDeadline is the exception: it may hold the loop up to its
// deadline).
//
// Grounded on cellorg's internal/client/broker.go (BrokerClient's
// messageListener + call correlation) for the receive-loop/correlation-
// table shape, generalized from a single JSON-RPC-ish message shape to the
// full envelope Kind switch this fabric's four subsystems need.
package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tenzoki/agen/meshbus/internal/config"
	"github.com/tenzoki/agen/meshbus/internal/diagnostics"
	"github.com/tenzoki/agen/meshbus/internal/envelope"
	"github.com/tenzoki/agen/meshbus/internal/registry"
	"github.com/tenzoki/agen/meshbus/internal/subscription"
	"github.com/tenzoki/agen/meshbus/internal/transport"
	"github.com/tenzoki/agen/meshbus/internal/xerrors"
)

// Hub is a process's attachment to the bus.
type Hub struct {
	label     string
	transport transport.Transport
	cfg       *config.Config
	log       *diagnostics.Logger

	registry       *registry.Registry
	subs           *subscription.Index
	streams        *subscription.StreamTable
	streamHandlers sync.Map // "namespace/method" -> subscription.StreamHandler

	pending   map[string]chan *envelope.Envelope
	pendingMu sync.Mutex

	streamClients map[string]*clientStream
	streamMu      sync.Mutex

	peerSeen map[string]time.Time
	peerMu   sync.Mutex

	closeOnce sync.Once
	closedCh  chan struct{}
	loopDone  chan struct{}
}

// New dials addr, joins room as label, and starts the hub's receive loop.
func New(addr, room, label string, cfg *config.Config, log *diagnostics.Logger) (*Hub, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	t, err := transport.Dial(addr, room, label)
	if err != nil {
		return nil, err
	}
	h := &Hub{
		label:         label,
		transport:     t,
		cfg:           cfg,
		log:           log,
		registry:      registry.New(),
		subs:          subscription.New(),
		streams:       subscription.NewStreamTable(),
		pending:       make(map[string]chan *envelope.Envelope),
		streamClients: make(map[string]*clientStream),
		peerSeen:      make(map[string]time.Time),
		closedCh:      make(chan struct{}),
		loopDone:      make(chan struct{}),
	}
	go h.receiveLoop()
	return h, nil
}

// NewFromConfig dials cfg.Addr(), joins cfg.BusName as label (falling back to
// cfg.Hub.Name when label is empty), and starts the hub's receive loop. This
// is the entry point that honors the BUS_NAME and HUB_DEFAULT_TIMEOUT_MS
// environment overrides a config.Load picked up (spec §6).
func NewFromConfig(cfg *config.Config, label string, log *diagnostics.Logger) (*Hub, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if label == "" {
		label = cfg.Hub.Name
	}
	return New(cfg.Addr(), cfg.BusName, label, cfg, log)
}

// Label returns this hub's own name on the bus.
func (h *Hub) Label() string { return h.label }

// RegisterService installs handler as the implementation of
// "namespace/method" for inbound Requests addressed to this hub.
func (h *Hub) RegisterService(namespace, method string, handler registry.Handler) error {
	return h.registry.Register(namespace, method, handler)
}

// RegisterStream installs handler as the implementation of a streaming
// subscription endpoint at "namespace/method": inbound Subscribe envelopes
// whose Topic matches are handed to it via a fresh subscription.Stream.
func (h *Hub) RegisterStream(namespace, method string, handler subscription.StreamHandler) error {
	if namespace == "" || method == "" {
		return xerrors.New(xerrors.InvalidRequest, "namespace and method are required")
	}
	h.streamHandlers.Store(namespace+"/"+method, handler)
	return nil
}

func (h *Hub) logf(level string, format string, args ...interface{}) {
	if h.log == nil {
		return
	}
	switch level {
	case "debug":
		h.log.Debug(format, args...)
	case "error":
		h.log.Error(format, args...)
	default:
		h.log.Info(format, args...)
	}
}

func (h *Hub) lookupStreamHandler(topic string) (subscription.StreamHandler, bool) {
	ns, method, ok := envelope.SplitServiceKey(topic)
	if !ok {
		return nil, false
	}
	v, ok := h.streamHandlers.Load(ns + "/" + method)
	if !ok {
		return nil, false
	}
	return v.(subscription.StreamHandler), true
}

// PeerLastSeen reports the last time this hub observed traffic (an
// inbound envelope of any Kind) whose Source was peer, and
// whether it has ever seen that peer at all. This is bookkeeping only —
// spec §9 explicitly declines to prescribe any failure-detector semantics
// on top of it.
func (h *Hub) PeerLastSeen(peer string) (time.Time, bool) {
	h.peerMu.Lock()
	defer h.peerMu.Unlock()
	t, ok := h.peerSeen[peer]
	return t, ok
}

func (h *Hub) touchPeer(peer string) {
	if peer == "" {
		return
	}
	h.peerMu.Lock()
	h.peerSeen[peer] = time.Now()
	h.peerMu.Unlock()
}

// Shutdown departs the bus in an orderly fashion: it signals Shutdown to
// the transport, fails any pending calls with TransportClosed, and waits
// up to the configured grace period for the receive loop to finish
// unwinding before returning.
func (h *Hub) Shutdown(ctx context.Context) error {
	var shutdownErr error
	h.closeOnce.Do(func() {
		shutdownErr = h.transport.Close()
		close(h.closedCh)
	})

	grace := h.cfg.Hub.ShutdownGrace
	select {
	case <-h.loopDone:
		return shutdownErr
	case <-time.After(grace):
		return xerrors.New(xerrors.Timeout, fmt.Sprintf("hub shutdown exceeded grace period %s", grace))
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.Timeout, "hub shutdown canceled", ctx.Err())
	}
}
