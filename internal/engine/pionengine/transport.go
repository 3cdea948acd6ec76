package pionengine

import (
	"log/slog"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/engine"
	"github.com/google/uuid"
)

func newID() string { return uuid.NewString() }

// transportBase holds what every transport flavour shares: identity, the
// producers and consumers it carries, and close bookkeeping.
type transportBase struct {
	router  *Router
	id      string
	flavour string
	logger  *slog.Logger

	// teardown releases the flavour's network resources.
	teardown func()

	mu        sync.Mutex
	closed    bool
	onClose   []func(engine.CloseReason)
	producers map[string]*Producer
	consumers map[string]*Consumer
}

func newTransportBase(r *Router, flavour string) *transportBase {
	id := newID()
	return &transportBase{
		router:    r,
		id:        id,
		flavour:   flavour,
		logger:    r.logger.With("transport", id, "flavour", flavour),
		teardown:  func() {},
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}
}

func (t *transportBase) ID() string       { return t.id }
func (t *transportBase) RouterID() string { return t.router.id }

func (t *transportBase) OnClose(f func(engine.CloseReason)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = append(t.onClose, f)
}

func (t *transportBase) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *transportBase) Close() error {
	t.close(engine.CloseReasonExplicit)
	return nil
}

func (t *transportBase) close(reason engine.CloseReason) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	callbacks := t.onClose
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	t.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	for _, p := range producers {
		p.Close()
	}
	t.teardown()
	t.router.removeTransport(t.id)

	t.logger.Info("transport closed", "reason", reason)
	for _, f := range callbacks {
		f(reason)
	}
}

// addProducer registers p with the transport and its router.
func (t *transportBase) addProducer(p *Producer) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return engine.ErrTransportClosed
	}
	for _, existing := range t.producers {
		if existing.ssrc == p.ssrc {
			t.mu.Unlock()
			return ErrSSRCInUse
		}
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	if err := t.router.addProducer(p); err != nil {
		t.forgetProducer(p.id)
		return err
	}
	p.logger.Info("producer created", "ssrc", p.ssrc)
	return nil
}

func (t *transportBase) forgetProducer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, id)
}

// addConsumer registers c with the transport and attaches it to its producer.
func (t *transportBase) addConsumer(c *Consumer) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return engine.ErrTransportClosed
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	if err := c.producer.addConsumer(c); err != nil {
		t.forgetConsumer(c.id)
		return err
	}
	c.logger.Info("consumer created", "ssrc", c.ssrc, "paused", c.Paused())
	return nil
}

func (t *transportBase) forgetConsumer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, id)
}

func (t *transportBase) consumerBySSRC(ssrc uint32) (*Consumer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.consumers {
		if c.ssrc == ssrc {
			return c, true
		}
	}
	return nil, false
}

func (t *transportBase) producerBySSRC(ssrc uint32) (*Producer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.producers {
		if p.ssrc == ssrc {
			return p, true
		}
	}
	return nil, false
}
