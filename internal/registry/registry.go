// Package registry is the relay's sole globally mutable data structure
// (spec section 9): a concurrent subdomain-to-tunnel map plus the
// pending-request and pending-websocket tables, and the process-wide
// monotonic ID allocators (spec section 4.4).
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/noverlink/noverlink/internal/metadata"
)

// Tunnel is a live binding from a subdomain to one agent's command sink
// (spec section 3). CommandSink is bounded, multi-producer
// single-consumer: the consumer is exactly one control-session task.
type Tunnel struct {
	Subdomain   string
	BaseDomain  string
	OwnerID     string
	SessionID   string
	LocalPort   int
	CommandSink chan Command

	// Logger batches observed request/response pairs for this tunnel's
	// session to the session-metadata service. Set once at registration
	// time by the control session; read-only thereafter.
	Logger *metadata.RequestLogger

	done      chan struct{}
	closeOnce sync.Once
}

// Command is a unit of work enqueued to a tunnel's control session: either
// an HTTP request or a websocket-lifecycle event bound for the agent.
type Command struct {
	Kind            CommandKind
	RequestID       uint64
	ConnectionID    string
	Payload         []byte
}

// CommandKind discriminates the contents of a Command.
type CommandKind int

const (
	CommandRequest CommandKind = iota
	CommandWebSocketUpgrade
	CommandWebSocketFrame
	CommandWebSocketClose
)

// commandSinkCapacity is the bounded queue depth for a tunnel's command
// sink (spec section 5: bounded capacities, 100 for request/frame queues).
const commandSinkCapacity = 100

// Close marks the tunnel as torn down. The command sink channel itself is
// never closed: edge goroutines may be mid-send, and Send observes the
// done signal instead. Safe to call more than once.
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}

// Send enqueues a command for the tunnel's control session. It fails
// without blocking when the tunnel has been torn down or the sink is full.
func (t *Tunnel) Send(cmd Command) bool {
	select {
	case <-t.done:
		return false
	default:
	}
	select {
	case t.CommandSink <- cmd:
		return true
	case <-t.done:
		return false
	default:
		return false
	}
}

// pendingRequest holds the reply sink for one in-flight HTTP request,
// tagged with the subdomain it was routed through so a tunnel teardown can
// fail it immediately instead of leaving the edge to time out.
type pendingRequest struct {
	subdomain    string
	responseSink chan []byte
}

// pendingWebSocket holds the reply sinks for one in-flight websocket
// bridge. Deliveries and close are serialized through mu so a late frame
// can never race a send onto a closed channel.
type pendingWebSocket struct {
	subdomain   string
	upgradeSink chan []byte
	frameSink   chan []byte

	mu     sync.Mutex
	closed bool
}

func (p *pendingWebSocket) deliver(sink chan []byte, data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case sink <- data:
		return true
	default:
		return false
	}
}

func (p *pendingWebSocket) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.upgradeSink)
	close(p.frameSink)
}

// ErrAlreadyRegistered is returned by Register when a subdomain already has
// a live tunnel.
var ErrAlreadyRegistered = fmt.Errorf("subdomain already registered")

// Registry is the relay's concurrent subdomain registry and pending-call
// tables. The zero value is not usable; construct with New.
type Registry struct {
	mu      sync.RWMutex
	tunnels map[string]*Tunnel

	requestMu sync.RWMutex
	requests  map[uint64]*pendingRequest

	wsMu sync.RWMutex
	ws   map[string]*pendingWebSocket

	nextRequestID atomic.Uint64
	nextWSConnID  atomic.Uint64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tunnels:  make(map[string]*Tunnel),
		requests: make(map[uint64]*pendingRequest),
		ws:       make(map[string]*pendingWebSocket),
	}
}

// Register installs a new tunnel for subdomain, refusing re-registration
// while one is already live (spec invariant: a subdomain maps to at most
// one tunnel at any instant).
func (r *Registry) Register(subdomain, baseDomain, ownerID, sessionID string, localPort int) (*Tunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tunnels[subdomain]; exists {
		return nil, ErrAlreadyRegistered
	}

	t := &Tunnel{
		Subdomain:   subdomain,
		BaseDomain:  baseDomain,
		OwnerID:     ownerID,
		SessionID:   sessionID,
		LocalPort:   localPort,
		CommandSink: make(chan Command, commandSinkCapacity),
		done:        make(chan struct{}),
	}
	r.tunnels[subdomain] = t
	return t, nil
}

// Lookup returns the tunnel registered for subdomain, if any.
func (r *Registry) Lookup(subdomain string) (*Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tunnels[subdomain]
	return t, ok
}

// Release removes the tunnel for subdomain, marks it torn down, and fails
// every pending request and websocket bridge still routed through it:
// their sinks are closed so waiting edge tasks observe closure (and answer
// 502) instead of running out their full await deadlines.
func (r *Registry) Release(subdomain string) {
	r.mu.Lock()
	t, ok := r.tunnels[subdomain]
	if ok {
		delete(r.tunnels, subdomain)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	t.Close()

	r.requestMu.Lock()
	var orphaned []*pendingRequest
	for id, p := range r.requests {
		if p.subdomain == subdomain {
			delete(r.requests, id)
			orphaned = append(orphaned, p)
		}
	}
	r.requestMu.Unlock()
	for _, p := range orphaned {
		close(p.responseSink)
	}

	r.wsMu.Lock()
	var orphanedWS []*pendingWebSocket
	for id, p := range r.ws {
		if p.subdomain == subdomain {
			delete(r.ws, id)
			orphanedWS = append(orphanedWS, p)
		}
	}
	r.wsMu.Unlock()
	for _, p := range orphanedWS {
		p.close()
	}
}

// IsAvailable reports whether subdomain has no live tunnel.
func (r *Registry) IsAvailable(subdomain string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.tunnels[subdomain]
	return !exists
}

// NextRequestID allocates the next monotonic request identifier, starting
// at 1, stable for the lifetime of the entry, never reused within a
// process.
func (r *Registry) NextRequestID() uint64 {
	return r.nextRequestID.Add(1)
}

// NextWSConnectionID allocates the next websocket connection identifier in
// "ws-<n>" format.
func (r *Registry) NextWSConnectionID() string {
	return fmt.Sprintf("ws-%d", r.nextWSConnID.Add(1))
}

// responseSinkCapacity is the bounded depth of a single pending request's
// response sink: one response is ever delivered, so capacity 1 suffices
// and lets a late/duplicate delivery be dropped without blocking.
const responseSinkCapacity = 1

// InsertPendingRequest installs a response sink for request id, routed via
// subdomain's tunnel, and returns the receive side for the caller (the
// edge) to await.
func (r *Registry) InsertPendingRequest(id uint64, subdomain string) <-chan []byte {
	sink := make(chan []byte, responseSinkCapacity)
	r.requestMu.Lock()
	r.requests[id] = &pendingRequest{subdomain: subdomain, responseSink: sink}
	r.requestMu.Unlock()
	return sink
}

// DropPendingRequest removes a pending request without delivering a
// response. The edge calls it when the request cannot be enqueued to the
// tunnel or the await deadline passes. A browser connection that closes
// while the edge is waiting is not detected; its entry is removed only by
// the response arriving or the deadline passing.
func (r *Registry) DropPendingRequest(id uint64) {
	r.requestMu.Lock()
	defer r.requestMu.Unlock()
	delete(r.requests, id)
}

// DeliverResponse atomically removes and delivers a response to the
// pending request id's sink. Returns false if there was no entry or the
// receiver had already stopped listening; the caller is expected to
// abandon the message silently in that case (spec section 4.4:
// best-effort delivery, no panics).
func (r *Registry) DeliverResponse(id uint64, data []byte) bool {
	r.requestMu.Lock()
	p, ok := r.requests[id]
	if ok {
		delete(r.requests, id)
	}
	r.requestMu.Unlock()
	if !ok {
		return false
	}

	select {
	case p.responseSink <- data:
		return true
	default:
		return false
	}
}

// websocketFrameCapacity is the bounded depth of a pending websocket's
// frame sink (spec section 4.4: capacity 100).
const websocketFrameCapacity = 100

// websocketUpgradeCapacity is the bounded depth of a pending websocket's
// upgrade-reply sink (spec section 4.4: capacity 1).
const websocketUpgradeCapacity = 1

// InsertPendingWS installs the upgrade and frame sinks for a new websocket
// bridge routed via subdomain's tunnel and returns their receive sides.
func (r *Registry) InsertPendingWS(connectionID, subdomain string) (upgradeRx, frameRx <-chan []byte) {
	p := &pendingWebSocket{
		subdomain:   subdomain,
		upgradeSink: make(chan []byte, websocketUpgradeCapacity),
		frameSink:   make(chan []byte, websocketFrameCapacity),
	}
	r.wsMu.Lock()
	r.ws[connectionID] = p
	r.wsMu.Unlock()
	return p.upgradeSink, p.frameSink
}

// DeliverWSUpgrade delivers the upgrade-handshake response bytes to the
// pending websocket's upgrade sink. Returns false if there is no entry or
// the sink is full/closed.
func (r *Registry) DeliverWSUpgrade(connectionID string, data []byte) bool {
	r.wsMu.RLock()
	p, ok := r.ws[connectionID]
	r.wsMu.RUnlock()
	if !ok {
		return false
	}
	return p.deliver(p.upgradeSink, data)
}

// DeliverWSFrame delivers one post-handshake frame to the pending
// websocket's frame sink. Returns false if there is no entry or the sink
// is full/closed.
func (r *Registry) DeliverWSFrame(connectionID string, data []byte) bool {
	r.wsMu.RLock()
	p, ok := r.ws[connectionID]
	r.wsMu.RUnlock()
	if !ok {
		return false
	}
	return p.deliver(p.frameSink, data)
}

// ReleaseWS removes and closes the pending websocket's sinks.
func (r *Registry) ReleaseWS(connectionID string) {
	r.wsMu.Lock()
	p, ok := r.ws[connectionID]
	if ok {
		delete(r.ws, connectionID)
	}
	r.wsMu.Unlock()
	if ok {
		p.close()
	}
}

// PendingRequestCount returns the number of in-flight requests, for tests
// asserting no-leak quiescence (spec section 8 property 4).
func (r *Registry) PendingRequestCount() int {
	r.requestMu.RLock()
	defer r.requestMu.RUnlock()
	return len(r.requests)
}

// PendingWSCount returns the number of in-flight websocket bridges.
func (r *Registry) PendingWSCount() int {
	r.wsMu.RLock()
	defer r.wsMu.RUnlock()
	return len(r.ws)
}

// TunnelCount returns the number of live tunnels.
func (r *Registry) TunnelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tunnels)
}
