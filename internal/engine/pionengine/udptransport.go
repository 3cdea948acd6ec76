package pionengine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/engine"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

const receiveMTU = 1500

// isRTCP demultiplexes RTP and RTCP sharing one socket by the packet type
// byte, which falls in 192..223 only for RTCP.
func isRTCP(b []byte) bool {
	return len(b) >= 2 && b[1] >= 192 && b[1] <= 223
}

func randomSSRC() uint32 {
	for {
		if ssrc := rand.Uint32(); ssrc != 0 {
			return ssrc
		}
	}
}

// udpTransport carries plain RTP and RTCP over UDP with no negotiation. It
// backs both pipe transports (router to router) and plain transports (router
// to an external process).
type udpTransport struct {
	*transportBase
	listenIP string
	conn     *net.UDPConn
	// rtcpConn is nil when RTCP is muxed onto conn.
	rtcpConn *net.UDPConn
	// consume builds the parameters a consumer on this transport sends.
	consume func(*Producer, engine.ConsumerOptions) (engine.RTPParameters, error)

	remoteMu   sync.RWMutex
	remote     *net.UDPAddr
	remoteRTCP *net.UDPAddr
}

func newUDPTransport(r *Router, flavour, listenIP string, rtcpMux bool) (*udpTransport, error) {
	if listenIP == "" {
		listenIP = "127.0.0.1"
	}
	ip := net.ParseIP(listenIP)
	if ip == nil {
		return nil, fmt.Errorf("pionengine: invalid listen ip %q", listenIP)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip})
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}
	t := &udpTransport{
		transportBase: newTransportBase(r, flavour),
		listenIP:      listenIP,
		conn:          conn,
	}
	if !rtcpMux {
		t.rtcpConn, err = net.ListenUDP("udp", &net.UDPAddr{IP: ip})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("listen udp for rtcp: %w", err)
		}
	}
	t.teardown = func() {
		t.conn.Close()
		if t.rtcpConn != nil {
			t.rtcpConn.Close()
		}
	}

	go t.readLoop(t.conn)
	if t.rtcpConn != nil {
		go t.readLoop(t.rtcpConn)
	}
	t.logger.Debug("udp transport listening", "tuple", t.Tuple())
	return t, nil
}

func (t *udpTransport) Tuple() engine.Tuple {
	return engine.Tuple{IP: t.listenIP, Port: uint16(t.conn.LocalAddr().(*net.UDPAddr).Port)}
}

func (t *udpTransport) connect(remote, remoteRTCP *net.UDPAddr) error {
	if t.Closed() {
		return engine.ErrTransportClosed
	}
	t.remoteMu.Lock()
	defer t.remoteMu.Unlock()
	if t.remote != nil {
		return engine.ErrAlreadyConnected
	}
	t.remote = remote
	t.remoteRTCP = remoteRTCP
	t.logger.Info("udp transport connected", "remote", remote, "remoteRTCP", remoteRTCP)
	return nil
}

func (t *udpTransport) Produce(ctx context.Context, options engine.ProducerOptions) (engine.Producer, error) {
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
	return p, nil
}

func (t *udpTransport) Consume(ctx context.Context, options engine.ConsumerOptions) (engine.Consumer, error) {
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
	params, err := t.consume(producer, options)
	if err != nil {
		return nil, err
	}

	c := newConsumer(t.transportBase, producer, params, options.Paused)
	c.sink = t.writeRTP
	if err := t.addConsumer(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (t *udpTransport) writeRTP(pkt *rtp.Packet) error {
	t.remoteMu.RLock()
	remote := t.remote
	t.remoteMu.RUnlock()
	if remote == nil {
		return engine.ErrNotConnected
	}
	b, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = t.conn.WriteToUDP(b, remote)
	return err
}

func (t *udpTransport) writeRTCP(pkts []rtcp.Packet) error {
	t.remoteMu.RLock()
	remote := t.remoteRTCP
	t.remoteMu.RUnlock()
	if remote == nil {
		return engine.ErrNotConnected
	}
	b, err := rtcp.Marshal(pkts)
	if err != nil {
		return err
	}
	conn := t.conn
	if t.rtcpConn != nil {
		conn = t.rtcpConn
	}
	_, err = conn.WriteToUDP(b, remote)
	return err
}

func (t *udpTransport) requestKeyFrame(ssrc uint32) error {
	return t.writeRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
}

func (t *udpTransport) readLoop(conn *net.UDPConn) {
	buf := make([]byte, receiveMTU)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.logger.Warn("udp read failed", "error", err)
			}
			return
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])

		if isRTCP(packet) {
			t.handleRTCP(packet)
			continue
		}
		t.handleRTP(packet)
	}
}

func (t *udpTransport) handleRTP(b []byte) {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(b); err != nil {
		t.logger.Debug("malformed rtp packet", "error", err)
		return
	}
	p, ok := t.producerBySSRC(pkt.SSRC)
	if !ok {
		return
	}
	p.write(pkt)
}

func (t *udpTransport) handleRTCP(b []byte) {
	pkts, err := rtcp.Unmarshal(b)
	if err != nil {
		t.logger.Debug("malformed rtcp packet", "error", err)
		return
	}
	for _, pkt := range pkts {
		switch v := pkt.(type) {
		case *rtcp.PictureLossIndication:
			t.keyFrameRequested(v.MediaSSRC)
		case *rtcp.FullIntraRequest:
			for _, entry := range v.FIR {
				t.keyFrameRequested(entry.SSRC)
			}
		}
	}
}

// keyFrameRequested propagates a downstream keyframe request to the producer
// feeding the consumer that sends ssrc.
func (t *udpTransport) keyFrameRequested(ssrc uint32) {
	c, ok := t.consumerBySSRC(ssrc)
	if !ok {
		return
	}
	if err := c.producer.RequestKeyFrame(); err != nil {
		c.logger.Debug("forwarding keyframe request failed", "error", err)
	}
}

// --------------------------------------------------------------------------------

// PipeTransport links two routers. Consumers forward the producer's
// parameters untouched so the far side can produce with them as is.
type PipeTransport struct {
	*udpTransport
}

func newPipeTransport(r *Router, options engine.PipeTransportOptions) (*PipeTransport, error) {
	t, err := newUDPTransport(r, "pipe", options.ListenIP, true)
	if err != nil {
		return nil, err
	}
	t.consume = func(p *Producer, _ engine.ConsumerOptions) (engine.RTPParameters, error) {
		return p.params.Clone(), nil
	}
	return &PipeTransport{udpTransport: t}, nil
}

func (t *PipeTransport) Connect(ctx context.Context, remote engine.Tuple) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ip := net.ParseIP(remote.IP)
	if ip == nil || remote.Port == 0 {
		return fmt.Errorf("pionengine: invalid pipe remote %s:%d", remote.IP, remote.Port)
	}
	addr := &net.UDPAddr{IP: ip, Port: int(remote.Port)}
	return t.connect(addr, addr)
}

// PlainTransport sends raw RTP to a fixed endpoint, typically an external
// media pipeline on the same host.
type PlainTransport struct {
	*udpTransport
}

func newPlainTransport(r *Router, options engine.PlainTransportOptions) (*PlainTransport, error) {
	t, err := newUDPTransport(r, "plain", options.ListenIP, options.RTCPMux)
	if err != nil {
		return nil, err
	}
	t.consume = func(p *Producer, options engine.ConsumerOptions) (engine.RTPParameters, error) {
		return r.consumerParameters(p, options.RTPCapabilities, randomSSRC())
	}
	return &PlainTransport{udpTransport: t}, nil
}

// Connect fixes the remote endpoint. Without RTCP mux and no RTCP port,
// RTCP goes to the RTP port plus one.
func (t *PlainTransport) Connect(ctx context.Context, params engine.PlainConnectParameters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ip := net.ParseIP(params.IP)
	if ip == nil || params.Port == 0 {
		return fmt.Errorf("pionengine: invalid plain remote %s:%d", params.IP, params.Port)
	}
	remote := &net.UDPAddr{IP: ip, Port: int(params.Port)}
	remoteRTCP := remote
	if t.rtcpConn != nil {
		port := params.RTCPPort
		if port == 0 {
			port = params.Port + 1
		}
		remoteRTCP = &net.UDPAddr{IP: ip, Port: int(port)}
	}
	return t.connect(remote, remoteRTCP)
}
