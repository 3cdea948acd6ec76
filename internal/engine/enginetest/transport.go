package enginetest

import (
	"context"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/engine"
)

type transport struct {
	router  *Router
	id      string
	flavour string

	mu        sync.Mutex
	closed    bool
	connected bool
	onClose   []func(engine.CloseReason)
	producers []*Producer
	consumers []*Consumer
}

func (t *transport) base() *transport { return t }

func (t *transport) ID() string       { return t.id }
func (t *transport) RouterID() string { return t.router.id }

func (t *transport) OnClose(f func(engine.CloseReason)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = append(t.onClose, f)
}

func (t *transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *transport) Close() error {
	t.close(engine.CloseReasonExplicit)
	return nil
}

func (t *transport) close(reason engine.CloseReason) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	callbacks := t.onClose
	producers := t.producers
	consumers := t.consumers
	t.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	for _, p := range producers {
		p.Close()
	}

	t.router.mu.Lock()
	delete(t.router.transports, t.id)
	t.router.mu.Unlock()

	t.router.engine.Log.Append("transport.close:%s:%s", t.id, reason)
	for _, f := range callbacks {
		f(reason)
	}
}

func (t *transport) Produce(ctx context.Context, options engine.ProducerOptions) (engine.Producer, error) {
	e := t.router.engine
	if err := e.wait(ctx, e.Hooks.Delay); err != nil {
		return nil, err
	}
	if e.Hooks.ProduceError != nil {
		return nil, e.Hooks.ProduceError
	}
	if t.Closed() {
		return nil, engine.ErrTransportClosed
	}
	if _, err := options.RTPParameters.PrimaryCodec(); err != nil {
		return nil, err
	}

	id := options.ID
	if id == "" {
		id = e.newID("producer")
	}
	p := &Producer{
		transport: t,
		id:        id,
		kind:      options.Kind,
		params:    options.RTPParameters.Clone(),
	}

	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	t.router.mu.Lock()
	t.router.producers[id] = p
	t.router.mu.Unlock()

	e.Log.Append("producer.create:%s:%s:%s", id, t.id, options.Kind)
	return p, nil
}

func (t *transport) Consume(ctx context.Context, options engine.ConsumerOptions) (engine.Consumer, error) {
	e := t.router.engine
	if err := e.wait(ctx, e.Hooks.Delay); err != nil {
		return nil, err
	}
	if t.Closed() {
		return nil, engine.ErrTransportClosed
	}
	producer, ok := t.router.producer(options.ProducerID)
	if !ok {
		return nil, engine.ErrProducerNotFound
	}

	var params engine.RTPParameters
	if t.flavour == "pipe" {
		params = producer.params.Clone()
	} else {
		codec, err := producer.params.PrimaryCodec()
		if err != nil {
			return nil, err
		}
		if options.RTPCapabilities == nil {
			return nil, engine.ErrCodecMismatch
		}
		capability, ok := options.RTPCapabilities.FindCodec(codec.MimeType)
		if !ok {
			return nil, engine.ErrCodecMismatch
		}
		params = engine.RTPParameters{
			Codecs: []engine.RTPCodecParameters{{
				MimeType:    capability.MimeType,
				PayloadType: capability.PreferredPayloadType,
				ClockRate:   capability.ClockRate,
				Channels:    capability.Channels,
				Parameters:  capability.Parameters,
			}},
			Encodings: []engine.RTPEncodingParameters{{SSRC: uint32(1000 + e.nextID.Add(1))}},
			RTCP:      engine.RTCPParameters{CNAME: "enginetest"},
		}
	}

	c := &Consumer{
		transport:  t,
		id:         e.newID("consumer"),
		producerID: producer.id,
		kind:       producer.kind,
		params:     params,
		paused:     options.Paused,
	}
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()

	e.Log.Append("consumer.create:%s:%s:%s", c.id, producer.id, t.id)
	return c, nil
}

// --------------------------------------------------------------------------------

type WebRTCTransport struct {
	*transport

	maxIncomingBitrate uint32
}

func (t *WebRTCTransport) Parameters() engine.WebRTCTransportParameters {
	return engine.WebRTCTransportParameters{
		ID:            t.id,
		ICEParameters: engine.ICEParameters{UsernameFragment: "ufrag-" + t.id, Password: "pwd-" + t.id, ICELite: true},
		ICECandidates: []engine.ICECandidate{{
			Foundation: "udpcandidate",
			Priority:   1076302079,
			IP:         "127.0.0.1",
			Protocol:   "udp",
			Port:       10000,
			Type:       "host",
		}},
		DTLSParameters: engine.DTLSParameters{
			Role:         "auto",
			Fingerprints: []engine.DTLSFingerprint{{Algorithm: "sha-256", Value: "00:11"}},
		},
	}
}

func (t *WebRTCTransport) Connect(ctx context.Context, params engine.ConnectParameters) error {
	e := t.router.engine
	e.Log.Append("transport.connect:%s", t.id)
	if err := e.wait(ctx, e.Hooks.Delay); err != nil {
		return err
	}
	if e.Hooks.ConnectError != nil {
		return e.Hooks.ConnectError
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return engine.ErrTransportClosed
	}
	if t.connected {
		return engine.ErrAlreadyConnected
	}
	t.connected = true
	return nil
}

func (t *WebRTCTransport) SetMaxIncomingBitrate(bitrate uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxIncomingBitrate = bitrate
	return nil
}

func (t *WebRTCTransport) MaxIncomingBitrate() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxIncomingBitrate
}

type PipeTransport struct {
	*transport

	local  engine.Tuple
	remote engine.Tuple
}

func (t *PipeTransport) Tuple() engine.Tuple { return t.local }

func (t *PipeTransport) Connect(ctx context.Context, remote engine.Tuple) error {
	e := t.router.engine
	if err := e.wait(ctx, e.Hooks.Delay); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return engine.ErrAlreadyConnected
	}
	t.connected = true
	t.remote = remote
	e.Log.Append("pipe.connect:%s", t.id)
	return nil
}

func (t *PipeTransport) Remote() engine.Tuple {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

type PlainTransport struct {
	*transport

	local  engine.Tuple
	remote engine.PlainConnectParameters
}

func (t *PlainTransport) Tuple() engine.Tuple { return t.local }

func (t *PlainTransport) Connect(ctx context.Context, params engine.PlainConnectParameters) error {
	e := t.router.engine
	if err := e.wait(ctx, e.Hooks.Delay); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	t.remote = params
	e.Log.Append("plain.connect:%s:%d", t.id, params.Port)
	return nil
}

// --------------------------------------------------------------------------------

type Producer struct {
	transport *transport
	id        string
	kind      engine.MediaKind
	params    engine.RTPParameters

	mu     sync.Mutex
	closed bool
}

func (p *Producer) ID() string                          { return p.id }
func (p *Producer) Kind() engine.MediaKind              { return p.kind }
func (p *Producer) RTPParameters() engine.RTPParameters { return p.params.Clone() }

func (p *Producer) RequestKeyFrame() error {
	p.transport.router.engine.Log.Append("producer.keyframe:%s", p.id)
	return nil
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	r := p.transport.router
	r.mu.Lock()
	delete(r.producers, p.id)
	r.mu.Unlock()
	r.engine.Log.Append("producer.close:%s", p.id)
	return nil
}

type Consumer struct {
	transport  *transport
	id         string
	producerID string
	kind       engine.MediaKind
	params     engine.RTPParameters

	mu     sync.Mutex
	paused bool
	closed bool
}

func (c *Consumer) ID() string                          { return c.id }
func (c *Consumer) ProducerID() string                  { return c.producerID }
func (c *Consumer) Kind() engine.MediaKind              { return c.kind }
func (c *Consumer) RTPParameters() engine.RTPParameters { return c.params.Clone() }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	return nil
}

func (c *Consumer) Resume(ctx context.Context) error {
	e := c.transport.router.engine
	if err := e.wait(ctx, e.Hooks.ResumeDelay); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return engine.ErrTransportClosed
	}
	c.paused = false
	c.mu.Unlock()
	e.Log.Append("consumer.resume:%s", c.id)
	return nil
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
