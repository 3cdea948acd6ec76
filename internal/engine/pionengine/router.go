package pionengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/engine"
	"github.com/google/uuid"
)

type Router struct {
	engine *Engine
	worker *worker
	id     string
	plane  engine.Plane
	codecs []engine.RTPCodecCapability
	logger *slog.Logger

	mu         sync.Mutex
	closed     bool
	transports map[string]*transportBase
	producers  map[string]*Producer
	onClose    []func()
}

func newRouter(e *Engine, w *worker, options engine.RouterOptions) *Router {
	id := uuid.NewString()
	return &Router{
		engine:     e,
		worker:     w,
		id:         id,
		plane:      options.Plane,
		codecs:     append([]engine.RTPCodecCapability(nil), options.MediaCodecs...),
		logger:     e.logger.With("router", id, "plane", options.Plane),
		transports: make(map[string]*transportBase),
		producers:  make(map[string]*Producer),
	}
}

func (r *Router) ID() string          { return r.id }
func (r *Router) Plane() engine.Plane { return r.plane }

func (r *Router) RTPCapabilities() engine.RTPCapabilities {
	codecs := make([]engine.RTPCodecCapability, len(r.codecs))
	copy(codecs, r.codecs)
	return engine.RTPCapabilities{
		Codecs:           codecs,
		HeaderExtensions: []engine.RTPHeaderExtension{},
	}
}

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
	transports := make([]*transportBase, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	callbacks := r.onClose
	r.mu.Unlock()

	for _, t := range transports {
		t.close(engine.CloseReasonRouterClosed)
	}
	r.engine.forgetRouter(r)

	r.logger.Info("router closed", "transports", len(transports))
	for _, f := range callbacks {
		f()
	}
	return nil
}

func (r *Router) CreateWebRTCTransport(ctx context.Context, options engine.WebRTCTransportOptions) (engine.WebRTCTransport, error) {
	if r.Closed() {
		return nil, engine.ErrRouterClosed
	}
	t, err := newWebRTCTransport(ctx, r, options)
	if err != nil {
		return nil, err
	}
	if err := r.addTransport(t.transportBase); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (r *Router) CreatePipeTransport(ctx context.Context, options engine.PipeTransportOptions) (engine.PipeTransport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.Closed() {
		return nil, engine.ErrRouterClosed
	}
	t, err := newPipeTransport(r, options)
	if err != nil {
		return nil, err
	}
	if err := r.addTransport(t.transportBase); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (r *Router) CreatePlainTransport(ctx context.Context, options engine.PlainTransportOptions) (engine.PlainTransport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.Closed() {
		return nil, engine.ErrRouterClosed
	}
	t, err := newPlainTransport(r, options)
	if err != nil {
		return nil, err
	}
	if err := r.addTransport(t.transportBase); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (r *Router) addTransport(t *transportBase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return engine.ErrRouterClosed
	}
	r.transports[t.id] = t
	return nil
}

func (r *Router) removeTransport(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

func (r *Router) addProducer(p *Producer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return engine.ErrRouterClosed
	}
	if _, ok := r.producers[p.id]; ok {
		return fmt.Errorf("pionengine: producer %s already exists in router %s", p.id, r.id)
	}
	r.producers[p.id] = p
	return nil
}

func (r *Router) removeProducer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

// consumerParameters derives what a consumer sends from the producer's codec
// and the receiving side's capabilities.
func (r *Router) consumerParameters(p *Producer, capabilities *engine.RTPCapabilities, ssrc uint32) (engine.RTPParameters, error) {
	codec, err := p.params.PrimaryCodec()
	if err != nil {
		return engine.RTPParameters{}, err
	}
	if capabilities == nil {
		return engine.RTPParameters{}, engine.ErrCodecMismatch
	}
	capability, ok := capabilities.FindCodec(codec.MimeType)
	if !ok {
		return engine.RTPParameters{}, engine.ErrCodecMismatch
	}
	if _, ok := r.RTPCapabilities().FindCodec(codec.MimeType); !ok {
		return engine.RTPParameters{}, engine.ErrCodecMismatch
	}

	var parameters map[string]any
	if len(capability.Parameters) > 0 {
		parameters = make(map[string]any, len(capability.Parameters))
		for k, v := range capability.Parameters {
			parameters[k] = v
		}
	}
	return engine.RTPParameters{
		Codecs: []engine.RTPCodecParameters{{
			MimeType:     capability.MimeType,
			PayloadType:  capability.PreferredPayloadType,
			ClockRate:    capability.ClockRate,
			Channels:     capability.Channels,
			Parameters:   parameters,
			RTCPFeedback: append([]engine.RTCPFeedback(nil), capability.RTCPFeedback...),
		}},
		Encodings: []engine.RTPEncodingParameters{{SSRC: ssrc}},
		RTCP:      engine.RTCPParameters{CNAME: p.params.RTCP.CNAME, ReducedSize: true},
	}, nil
}
