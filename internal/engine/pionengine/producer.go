package pionengine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/engine"
	"github.com/pion/rtp"
)

// Producer receives one RTP stream and fans it out to the consumers created
// on it. Packets are handed to consumers in the goroutine that read them.
type Producer struct {
	transport *transportBase
	id        string
	kind      engine.MediaKind
	params    engine.RTPParameters
	ssrc      uint32
	logger    *slog.Logger

	// requestKeyFrame sends a keyframe request towards whoever feeds ssrc.
	requestKeyFrame func(ssrc uint32) error
	// release undoes the transport specific wiring of the producer.
	release func()

	mu        sync.Mutex
	closed    bool
	consumers map[string]*Consumer
	// sinks is a copy-on-write snapshot of consumers for the packet path.
	sinks atomic.Pointer[[]*Consumer]
}

func newProducer(t *transportBase, options engine.ProducerOptions, requestKeyFrame func(uint32) error) (*Producer, error) {
	if _, err := options.RTPParameters.PrimaryCodec(); err != nil {
		return nil, err
	}
	ssrc := options.RTPParameters.SSRC()
	if ssrc == 0 {
		return nil, ErrNoSSRC
	}
	id := options.ID
	if id == "" {
		id = newID()
	}
	p := &Producer{
		transport:       t,
		id:              id,
		kind:            options.Kind,
		params:          options.RTPParameters.Clone(),
		ssrc:            ssrc,
		logger:          t.logger.With("producer", id, "kind", options.Kind),
		requestKeyFrame: requestKeyFrame,
		release:         func() {},
		consumers:       make(map[string]*Consumer),
	}
	p.sinks.Store(&[]*Consumer{})
	return p, nil
}

func (p *Producer) ID() string                          { return p.id }
func (p *Producer) Kind() engine.MediaKind              { return p.kind }
func (p *Producer) RTPParameters() engine.RTPParameters { return p.params.Clone() }

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// RequestKeyFrame is a no-op for audio.
func (p *Producer) RequestKeyFrame() error {
	if p.kind != engine.MediaKindVideo {
		return nil
	}
	if p.Closed() {
		return engine.ErrTransportClosed
	}
	return p.requestKeyFrame(p.ssrc)
}

// setRelease installs the producer's teardown. It runs at once if the
// producer already closed.
func (p *Producer) setRelease(f func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		f()
		return
	}
	p.release = f
	p.mu.Unlock()
}

func (p *Producer) write(pkt *rtp.Packet) {
	for _, c := range *p.sinks.Load() {
		c.write(pkt)
	}
}

func (p *Producer) addConsumer(c *Consumer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return engine.ErrProducerNotFound
	}
	p.consumers[c.id] = c
	p.publish()
	return nil
}

func (p *Producer) removeConsumer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
	p.publish()
}

// publish must be called with mu held.
func (p *Producer) publish() {
	sinks := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		sinks = append(sinks, c)
	}
	p.sinks.Store(&sinks)
}

// Close closes every consumer of the producer.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	release := p.release
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	release()
	p.transport.forgetProducer(p.id)
	p.transport.router.removeProducer(p.id)
	p.logger.Debug("producer closed", "consumers", len(consumers))
	return nil
}

// --------------------------------------------------------------------------------

// Consumer forwards the packets of one producer, rewriting SSRC, payload type
// and sequence numbers so that pauses leave no gap on the wire.
type Consumer struct {
	transport   *transportBase
	producer    *Producer
	id          string
	kind        engine.MediaKind
	params      engine.RTPParameters
	ssrc        uint32
	payloadType uint8
	logger      *slog.Logger

	sink    func(*rtp.Packet) error
	release func()

	paused atomic.Bool
	closed atomic.Bool

	mu        sync.Mutex
	started   bool
	resync    bool
	seqOffset uint16
	lastSeq   uint16
}

func newConsumer(t *transportBase, p *Producer, params engine.RTPParameters, paused bool) *Consumer {
	id := newID()
	c := &Consumer{
		transport:   t,
		producer:    p,
		id:          id,
		kind:        p.kind,
		params:      params,
		ssrc:        params.SSRC(),
		payloadType: params.Codecs[0].PayloadType,
		logger:      t.logger.With("consumer", id, "producer", p.id),
		sink:        func(*rtp.Packet) error { return nil },
		release:     func() {},
	}
	c.paused.Store(paused)
	return c
}

func (c *Consumer) ID() string                          { return c.id }
func (c *Consumer) ProducerID() string                  { return c.producer.id }
func (c *Consumer) Kind() engine.MediaKind              { return c.kind }
func (c *Consumer) RTPParameters() engine.RTPParameters { return c.params.Clone() }
func (c *Consumer) Paused() bool                        { return c.paused.Load() }
func (c *Consumer) Closed() bool                        { return c.closed.Load() }

func (c *Consumer) Pause() error {
	if c.closed.Load() {
		return engine.ErrTransportClosed
	}
	if !c.paused.Swap(true) {
		c.mu.Lock()
		c.resync = true
		c.mu.Unlock()
	}
	return nil
}

func (c *Consumer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return engine.ErrTransportClosed
	}
	if !c.paused.Swap(false) {
		return nil
	}
	c.logger.Debug("consumer resumed")
	if err := c.producer.RequestKeyFrame(); err != nil {
		c.logger.Warn("keyframe request failed", "error", err)
	}
	return nil
}

func (c *Consumer) write(pkt *rtp.Packet) {
	if c.paused.Load() || c.closed.Load() {
		return
	}

	out := &rtp.Packet{Header: pkt.Header.Clone(), Payload: pkt.Payload}
	out.SSRC = c.ssrc
	out.PayloadType = c.payloadType

	c.mu.Lock()
	if !c.started {
		c.started = true
	} else if c.resync {
		c.seqOffset = c.lastSeq + 1 - pkt.SequenceNumber
	}
	c.resync = false
	out.SequenceNumber = pkt.SequenceNumber + c.seqOffset
	c.lastSeq = out.SequenceNumber
	c.mu.Unlock()

	if err := c.sink(out); err != nil {
		c.logger.Log(context.Background(), levelTrace, "dropping packet", "error", err)
	}
}

func (c *Consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.producer.removeConsumer(c.id)
	c.transport.forgetConsumer(c.id)
	c.release()
	c.logger.Debug("consumer closed")
	return nil
}
