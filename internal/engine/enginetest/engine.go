// Package enginetest provides an in-memory engine.Engine for tests.
//
// No media flows. Routers, transports, producers and consumers are plain
// bookkeeping objects with deterministic ids. Every state change is appended
// to an EventLog so tests can assert ordering, and Hooks allow injecting
// delays and failures at each suspension point.
package enginetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/engine"
)

// Hooks customise engine behaviour. Zero value means "succeed immediately".
type Hooks struct {
	// Delay is applied to every engine call that takes a context.
	Delay time.Duration

	CreateRouterError error
	ConnectError      error
	ProduceError      error

	// ResumeDelay is applied in Consumer.Resume before the consumer is marked resumed.
	ResumeDelay time.Duration
}

// EventLog is an append-only, concurrency safe list of events.
type EventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *EventLog) Append(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *EventLog) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// Index returns the position of the first event with the given prefix, or -1.
func (l *EventLog) Index(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.events {
		if strings.HasPrefix(e, prefix) {
			return i
		}
	}
	return -1
}

// Count returns how many events start with prefix.
func (l *EventLog) Count(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

type Engine struct {
	Hooks Hooks
	Log   *EventLog

	nextID atomic.Uint64

	mu         sync.Mutex
	routers    map[string]*Router
	transports map[string]transportHandle
}

func New() *Engine {
	return &Engine{
		Log:        &EventLog{},
		routers:    make(map[string]*Router),
		transports: make(map[string]transportHandle),
	}
}

func (e *Engine) newID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, e.nextID.Add(1))
}

func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Engine) CreateRouter(ctx context.Context, options engine.RouterOptions) (engine.Router, error) {
	if err := e.wait(ctx, e.Hooks.Delay); err != nil {
		return nil, err
	}
	if e.Hooks.CreateRouterError != nil {
		return nil, e.Hooks.CreateRouterError
	}

	r := &Router{
		engine:     e,
		id:         e.newID("router"),
		plane:      options.Plane,
		caps:       engine.RTPCapabilities{Codecs: append([]engine.RTPCodecCapability(nil), options.MediaCodecs...)},
		producers:  make(map[string]*Producer),
		transports: make(map[string]transportHandle),
	}
	e.mu.Lock()
	e.routers[r.id] = r
	e.mu.Unlock()
	e.Log.Append("router.create:%s:%s", r.id, r.plane)
	return r, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	routers := make([]*Router, 0, len(e.routers))
	for _, r := range e.routers {
		routers = append(routers, r)
	}
	e.mu.Unlock()
	for _, r := range routers {
		r.Close()
	}
	return nil
}

// Router returns a router created by this engine.
func (e *Engine) Router(id string) (*Router, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.routers[id]
	return r, ok
}

// FailDTLS simulates the remote peer's DTLS association failing on a WebRTC transport.
func (e *Engine) FailDTLS(transportID string) bool {
	e.mu.Lock()
	t, ok := e.transports[transportID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	t.base().close(engine.CloseReasonDTLSFailed)
	return true
}

// transportHandle lets the engine reach the shared state behind every flavour.
type transportHandle interface {
	base() *transport
}

// --------------------------------------------------------------------------------

type Router struct {
	engine *Engine
	id     string
	plane  engine.Plane
	caps   engine.RTPCapabilities

	mu         sync.Mutex
	closed     bool
	onClose    []func()
	producers  map[string]*Producer
	transports map[string]transportHandle
}

func (r *Router) ID() string                              { return r.id }
func (r *Router) Plane() engine.Plane                     { return r.plane }
func (r *Router) RTPCapabilities() engine.RTPCapabilities { return r.caps }

func (r *Router) OnClose(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClose = append(r.onClose, f)
}

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]transportHandle, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	callbacks := r.onClose
	r.mu.Unlock()

	for _, t := range transports {
		t.base().close(engine.CloseReasonRouterClosed)
	}
	r.engine.Log.Append("router.close:%s", r.id)
	for _, f := range callbacks {
		f()
	}
	return nil
}

func (r *Router) newTransport(ctx context.Context, flavour string) (*transport, error) {
	if err := r.engine.wait(ctx, r.engine.Hooks.Delay); err != nil {
		return nil, err
	}
	if r.Closed() {
		return nil, engine.ErrRouterClosed
	}
	return &transport{
		router:  r,
		id:      r.engine.newID(flavour),
		flavour: flavour,
	}, nil
}

func (r *Router) register(t transportHandle) {
	r.mu.Lock()
	r.transports[t.base().id] = t
	r.mu.Unlock()
	r.engine.mu.Lock()
	r.engine.transports[t.base().id] = t
	r.engine.mu.Unlock()
	r.engine.Log.Append("transport.create:%s:%s", t.base().id, r.id)
}

func (r *Router) CreateWebRTCTransport(ctx context.Context, options engine.WebRTCTransportOptions) (engine.WebRTCTransport, error) {
	base, err := r.newTransport(ctx, "webrtc")
	if err != nil {
		return nil, err
	}
	t := &WebRTCTransport{transport: base}
	r.register(t)
	return t, nil
}

func (r *Router) CreatePipeTransport(ctx context.Context, options engine.PipeTransportOptions) (engine.PipeTransport, error) {
	base, err := r.newTransport(ctx, "pipe")
	if err != nil {
		return nil, err
	}
	t := &PipeTransport{transport: base, local: engine.Tuple{IP: options.ListenIP, Port: uint16(40000 + r.engine.nextID.Load())}}
	r.register(t)
	return t, nil
}

func (r *Router) CreatePlainTransport(ctx context.Context, options engine.PlainTransportOptions) (engine.PlainTransport, error) {
	base, err := r.newTransport(ctx, "plain")
	if err != nil {
		return nil, err
	}
	t := &PlainTransport{transport: base, local: engine.Tuple{IP: options.ListenIP, Port: uint16(50000 + r.engine.nextID.Load())}}
	r.register(t)
	return t, nil
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

// Producers returns the ids of all producers currently in the router.
func (r *Router) Producers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.producers))
	for id := range r.producers {
		ids = append(ids, id)
	}
	return ids
}
