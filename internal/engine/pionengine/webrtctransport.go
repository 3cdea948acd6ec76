package pionengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/engine"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

const rembInterval = time.Second

type connectState int

const (
	connectIdle connectState = iota
	connectPending
	connectDone
)

// WebRTCTransport is negotiated with a browser by exchanging ICE and DTLS
// parameters directly. Receivers and senders are only started once DTLS is
// up; media created before that is queued.
type WebRTCTransport struct {
	*transportBase

	api      *webrtc.API
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   engine.WebRTCTransportParameters
	done     chan struct{}

	maxIncomingBitrate atomic.Uint32

	stateMu sync.Mutex
	state   connectState
	pending []func()
}

func newWebRTCTransport(ctx context.Context, r *Router, options engine.WebRTCTransportOptions) (*WebRTCTransport, error) {
	api, err := r.engine.newAPI(r.worker, r.codecs, options)
	if err != nil {
		return nil, err
	}

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("create ice gatherer: %w", err)
	}
	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		gatherer.Close()
		return nil, fmt.Errorf("gather ice candidates: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		gatherer.Close()
		return nil, fmt.Errorf("%w: %w", ErrGatheringTimedOut, ctx.Err())
	}

	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		gatherer.Close()
		return nil, fmt.Errorf("get local candidates: %w", err)
	}
	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		gatherer.Close()
		return nil, fmt.Errorf("get local ice parameters: %w", err)
	}

	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		gatherer.Close()
		return nil, fmt.Errorf("create dtls transport: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		gatherer.Close()
		return nil, fmt.Errorf("get local dtls parameters: %w", err)
	}

	t := &WebRTCTransport{
		transportBase: newTransportBase(r, "webrtc"),
		api:           api,
		gatherer:      gatherer,
		ice:           ice,
		dtls:          dtls,
		done:          make(chan struct{}),
	}
	t.params = engine.WebRTCTransportParameters{
		ID: t.id,
		ICEParameters: engine.ICEParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
			ICELite:          iceParams.ICELite,
		},
		ICECandidates:  make([]engine.ICECandidate, 0, len(candidates)),
		DTLSParameters: fromWebRTCDTLS(dtlsParams),
	}
	for _, c := range candidates {
		t.params.ICECandidates = append(t.params.ICECandidates, fromWebRTCCandidate(c))
	}
	t.teardown = t.stop

	ice.OnConnectionStateChange(func(state webrtc.ICETransportState) {
		t.logger.Debug("ice state changed", "state", state)
	})
	dtls.OnStateChange(func(state webrtc.DTLSTransportState) {
		t.logger.Debug("dtls state changed", "state", state)
		switch state {
		case webrtc.DTLSTransportStateClosed:
			go t.close(engine.CloseReasonDTLSClosed)
		case webrtc.DTLSTransportStateFailed:
			go t.close(engine.CloseReasonDTLSFailed)
		}
	})

	t.logger.Info("webrtc transport created", "candidates", len(candidates))
	return t, nil
}

func (t *WebRTCTransport) Parameters() engine.WebRTCTransportParameters {
	params := t.params
	params.ICECandidates = append([]engine.ICECandidate(nil), t.params.ICECandidates...)
	params.DTLSParameters.Fingerprints = append([]engine.DTLSFingerprint(nil), t.params.DTLSParameters.Fingerprints...)
	return params
}

func (t *WebRTCTransport) SetMaxIncomingBitrate(bitrate uint32) error {
	if t.Closed() {
		return engine.ErrTransportClosed
	}
	t.maxIncomingBitrate.Store(bitrate)
	return nil
}

// Connect starts ICE as the controlled agent and then DTLS. Any failure,
// including ctx expiring first, closes the transport.
func (t *WebRTCTransport) Connect(ctx context.Context, params engine.ConnectParameters) error {
	if params.ICEParameters == nil {
		return ErrNoICEParameters
	}
	dtlsParams, err := toWebRTCDTLS(params.DTLSParameters)
	if err != nil {
		return err
	}
	candidates := make([]webrtc.ICECandidate, 0, len(params.ICECandidates))
	for _, c := range params.ICECandidates {
		candidate, err := toWebRTCCandidate(c)
		if err != nil {
			return fmt.Errorf("remote candidate %s: %w", c.Foundation, err)
		}
		candidates = append(candidates, candidate)
	}

	if t.Closed() {
		return engine.ErrTransportClosed
	}
	t.stateMu.Lock()
	if t.state != connectIdle {
		t.stateMu.Unlock()
		return engine.ErrAlreadyConnected
	}
	t.state = connectPending
	t.stateMu.Unlock()

	if err := t.ice.SetRemoteCandidates(candidates); err != nil {
		t.close(engine.CloseReasonDTLSFailed)
		return fmt.Errorf("set remote candidates: %w", err)
	}

	result := make(chan error, 1)
	go func() {
		role := webrtc.ICERoleControlled
		err := t.ice.Start(t.gatherer, webrtc.ICEParameters{
			UsernameFragment: params.ICEParameters.UsernameFragment,
			Password:         params.ICEParameters.Password,
			ICELite:          params.ICEParameters.ICELite,
		}, &role)
		if err != nil {
			result <- fmt.Errorf("start ice: %w", err)
			return
		}
		if err := t.dtls.Start(dtlsParams); err != nil {
			result <- fmt.Errorf("start dtls: %w", err)
			return
		}
		result <- nil
	}()

	select {
	case err := <-result:
		if err != nil {
			t.close(engine.CloseReasonDTLSFailed)
			return err
		}
	case <-ctx.Done():
		t.close(engine.CloseReasonDTLSFailed)
		return ctx.Err()
	}

	t.stateMu.Lock()
	t.state = connectDone
	pending := t.pending
	t.pending = nil
	t.stateMu.Unlock()

	t.logger.Info("webrtc transport connected", "queued", len(pending))
	for _, f := range pending {
		f()
	}
	go t.rembLoop()
	return nil
}

// whenConnected runs f now if DTLS is up, or queues it for Connect.
func (t *WebRTCTransport) whenConnected(f func()) {
	t.stateMu.Lock()
	if t.state != connectDone {
		t.pending = append(t.pending, f)
		t.stateMu.Unlock()
		return
	}
	t.stateMu.Unlock()
	f()
}

func (t *WebRTCTransport) connected() bool {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.state == connectDone
}

func (t *WebRTCTransport) Produce(ctx context.Context, options engine.ProducerOptions) (engine.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := newProducer(t.transportBase, options, t.requestKeyFrame)
	if err != nil {
		return nil, err
	}
	if err := t.addProducer(p); err != nil {
		return nil, err
	}
	t.whenConnected(func() { t.startReceiver(p) })
	return p, nil
}

func (t *WebRTCTransport) startReceiver(p *Producer) {
	if p.Closed() {
		return
	}
	receiver, err := t.api.NewRTPReceiver(codecType(p.kind), t.dtls)
	if err != nil {
		p.logger.Error("create rtp receiver", "error", err)
		return
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(p.ssrc),
				PayloadType: webrtc.PayloadType(p.params.Codecs[0].PayloadType),
			},
		}},
	})
	if err != nil {
		p.logger.Error("start rtp receiver", "error", err)
		return
	}
	p.setRelease(func() {
		if err := receiver.Stop(); err != nil {
			p.logger.Debug("stop rtp receiver", "error", err)
		}
	})

	go func() {
		track := receiver.Track()
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				p.logger.Debug("rtp receiver stopped", "error", err)
				return
			}
			p.write(pkt)
		}
	}()
}

func (t *WebRTCTransport) Consume(ctx context.Context, options engine.ConsumerOptions) (engine.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Closed() {
		return nil, engine.ErrTransportClosed
	}
	producer, ok := t.router.producer(options.ProducerID)
	if !ok {
		return nil, engine.ErrProducerNotFound
	}
	params, err := t.router.consumerParameters(producer, options.RTPCapabilities, 0)
	if err != nil {
		return nil, err
	}

	codec := params.Codecs[0]
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:    codec.MimeType,
		ClockRate:   codec.ClockRate,
		Channels:    codec.Channels,
		SDPFmtpLine: formatFmtpLine(codec.Parameters),
	}, producer.id, producer.id)
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}
	sender, err := t.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("create rtp sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if len(sendParams.Encodings) == 0 {
		sender.Stop()
		return nil, ErrNoSSRC
	}
	params.Encodings[0].SSRC = uint32(sendParams.Encodings[0].SSRC)

	c := newConsumer(t.transportBase, producer, params, options.Paused)
	c.sink = track.WriteRTP
	c.release = func() {
		if err := sender.Stop(); err != nil {
			c.logger.Debug("stop rtp sender", "error", err)
		}
	}
	if err := t.addConsumer(c); err != nil {
		c.release()
		return nil, err
	}

	t.whenConnected(func() {
		if c.Closed() {
			return
		}
		if err := sender.Send(sendParams); err != nil {
			c.logger.Error("start rtp sender", "error", err)
			return
		}
		go t.readSenderRTCP(c, sender)
	})
	return c, nil
}

// readSenderRTCP forwards keyframe requests from the subscriber to the
// producer feeding c.
func (t *WebRTCTransport) readSenderRTCP(c *Consumer, sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if err := c.producer.RequestKeyFrame(); err != nil {
					c.logger.Debug("forwarding keyframe request failed", "error", err)
				}
			}
		}
	}
}

func (t *WebRTCTransport) requestKeyFrame(ssrc uint32) error {
	if !t.connected() {
		return engine.ErrNotConnected
	}
	_, err := t.dtls.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
	return err
}

// rembLoop caps what the remote sends by periodically advertising the
// configured maximum incoming bitrate.
func (t *WebRTCTransport) rembLoop() {
	ticker := time.NewTicker(rembInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		bitrate := t.maxIncomingBitrate.Load()
		if bitrate == 0 {
			continue
		}
		t.mu.Lock()
		ssrcs := make([]uint32, 0, len(t.producers))
		for _, p := range t.producers {
			ssrcs = append(ssrcs, p.ssrc)
		}
		t.mu.Unlock()
		if len(ssrcs) == 0 {
			continue
		}

		_, err := t.dtls.WriteRTCP([]rtcp.Packet{&rtcp.ReceiverEstimatedMaximumBitrate{
			Bitrate: float32(bitrate),
			SSRCs:   ssrcs,
		}})
		if err != nil {
			t.logger.Debug("send remb", "error", err)
		}
	}
}

func (t *WebRTCTransport) stop() {
	close(t.done)
	if err := t.dtls.Stop(); err != nil {
		t.logger.Debug("stop dtls transport", "error", err)
	}
	if err := t.ice.Stop(); err != nil {
		t.logger.Debug("stop ice transport", "error", err)
	}
	if err := t.gatherer.Close(); err != nil {
		t.logger.Debug("close ice gatherer", "error", err)
	}
}
