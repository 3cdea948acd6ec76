package pionengine

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/engine"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/transport/v3/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var vp8 = engine.RTPCodecCapability{
	Kind:                 engine.MediaKindVideo,
	MimeType:             "video/VP8",
	PreferredPayloadType: 101,
	ClockRate:            90000,
}

func vp8Parameters(ssrc uint32) engine.RTPParameters {
	return engine.RTPParameters{
		Codecs:    []engine.RTPCodecParameters{{MimeType: "video/VP8", PayloadType: 101, ClockRate: 90000}},
		Encodings: []engine.RTPEncodingParameters{{SSRC: ssrc}},
		RTCP:      engine.RTCPParameters{CNAME: "publisher"},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{Workers: 2, RTCMinPort: 41000, RTCMaxPort: 41099}, testLogger)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func newTestRouter(t *testing.T, e *Engine, plane engine.Plane) *Router {
	t.Helper()
	r, err := e.CreateRouter(context.Background(), engine.RouterOptions{
		Plane:       plane,
		MediaCodecs: []engine.RTPCodecCapability{vp8},
	})
	require.NoError(t, err)
	return r.(*Router)
}

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func port(conn *net.UDPConn) uint16 {
	return uint16(conn.LocalAddr().(*net.UDPAddr).Port)
}

func TestPartitionPorts(t *testing.T) {
	workers, err := partitionPorts(3, 10000, 10099)
	require.NoError(t, err)
	require.Len(t, workers, 3)
	assert.Equal(t, uint16(10000), workers[0].minPort)
	assert.Equal(t, uint16(10032), workers[0].maxPort)
	assert.Equal(t, uint16(10033), workers[1].minPort)
	assert.Equal(t, uint16(10099), workers[2].maxPort)

	workers, err = partitionPorts(8, 10000, 10004)
	require.NoError(t, err)
	assert.Len(t, workers, 2)

	_, err = partitionPorts(1, 10010, 10000)
	assert.ErrorIs(t, err, ErrInvalidPortRange)
}

func TestEngine_RoutersSpreadOverWorkers(t *testing.T) {
	e := newTestEngine(t)
	a := newTestRouter(t, e, engine.PlaneIngest)
	b := newTestRouter(t, e, engine.PlaneEgress)

	assert.NotEqual(t, a.worker.id, b.worker.id)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, engine.PlaneIngest, a.Plane())

	caps := a.RTPCapabilities()
	require.Len(t, caps.Codecs, 1)
	assert.Equal(t, "video/VP8", caps.Codecs[0].MimeType)

	_, err := e.CreateRouter(context.Background(), engine.RouterOptions{Plane: engine.PlaneIngest})
	assert.ErrorIs(t, err, engine.ErrNoCodec)
}

func TestEngine_CloseRefusesRouters(t *testing.T) {
	e := newTestEngine(t)
	r := newTestRouter(t, e, engine.PlaneIngest)

	require.NoError(t, e.Close())
	assert.True(t, r.Closed())

	_, err := e.CreateRouter(context.Background(), engine.RouterOptions{MediaCodecs: []engine.RTPCodecCapability{vp8}})
	assert.ErrorIs(t, err, ErrEngineClosed)
}

// TestRelay_ForwardsAcrossRouters sends RTP into a plain transport on one
// router and reads it back from a plain consumer on another, with a pipe
// transport pair in between.
func TestRelay_ForwardsAcrossRouters(t *testing.T) {
	lim := test.TimeOut(10 * time.Second)
	defer lim.Stop()

	ctx := context.Background()
	e := newTestEngine(t)
	ingest := newTestRouter(t, e, engine.PlaneIngest)
	egress := newTestRouter(t, e, engine.PlaneEgress)

	publisher := listenLoopback(t)
	subscriber := listenLoopback(t)

	source, err := ingest.CreatePlainTransport(ctx, engine.PlainTransportOptions{ListenIP: "127.0.0.1", RTCPMux: true})
	require.NoError(t, err)
	require.NoError(t, source.Connect(ctx, engine.PlainConnectParameters{IP: "127.0.0.1", Port: port(publisher)}))
	producer, err := source.Produce(ctx, engine.ProducerOptions{Kind: engine.MediaKindVideo, RTPParameters: vp8Parameters(1111)})
	require.NoError(t, err)

	pipeIn, err := ingest.CreatePipeTransport(ctx, engine.PipeTransportOptions{ListenIP: "127.0.0.1"})
	require.NoError(t, err)
	pipeOut, err := egress.CreatePipeTransport(ctx, engine.PipeTransportOptions{ListenIP: "127.0.0.1"})
	require.NoError(t, err)
	require.NoError(t, pipeIn.Connect(ctx, pipeOut.Tuple()))
	require.NoError(t, pipeOut.Connect(ctx, pipeIn.Tuple()))
	assert.ErrorIs(t, pipeIn.Connect(ctx, pipeOut.Tuple()), engine.ErrAlreadyConnected)

	pipeConsumer, err := pipeIn.Consume(ctx, engine.ConsumerOptions{ProducerID: producer.ID()})
	require.NoError(t, err)
	assert.Equal(t, producer.RTPParameters(), pipeConsumer.RTPParameters())

	relayed, err := pipeOut.Produce(ctx, engine.ProducerOptions{
		ID:            pipeConsumer.ID(),
		Kind:          engine.MediaKindVideo,
		RTPParameters: pipeConsumer.RTPParameters(),
	})
	require.NoError(t, err)
	assert.Equal(t, pipeConsumer.ID(), relayed.ID())

	sink, err := egress.CreatePlainTransport(ctx, engine.PlainTransportOptions{ListenIP: "127.0.0.1", RTCPMux: true})
	require.NoError(t, err)
	require.NoError(t, sink.Connect(ctx, engine.PlainConnectParameters{IP: "127.0.0.1", Port: port(subscriber)}))

	caps := engine.RTPCapabilities{Codecs: []engine.RTPCodecCapability{{
		Kind: engine.MediaKindVideo, MimeType: "video/vp8", PreferredPayloadType: 96, ClockRate: 90000,
	}}}
	consumer, err := sink.Consume(ctx, engine.ConsumerOptions{ProducerID: relayed.ID(), RTPCapabilities: &caps, Paused: true})
	require.NoError(t, err)
	assert.True(t, consumer.Paused())

	// Resuming travels back over the pipe as a PLI for the publisher's SSRC.
	require.NoError(t, consumer.Resume(ctx))
	buf := make([]byte, receiveMTU)
	require.NoError(t, publisher.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, _, err := publisher.ReadFromUDP(buf)
	require.NoError(t, err)
	pkts, err := rtcp.Unmarshal(buf[:n])
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	pli, ok := pkts[0].(*rtcp.PictureLossIndication)
	require.True(t, ok)
	assert.Equal(t, uint32(1111), pli.MediaSSRC)

	sourceAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(source.Tuple().Port)}
	sent := rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 101, SequenceNumber: 500, Timestamp: 9000, SSRC: 1111},
		Payload: []byte{0x10, 0x02, 0x03},
	}
	raw, err := sent.Marshal()
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			if _, err := publisher.WriteToUDP(raw, sourceAddr); err != nil {
				return
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	require.NoError(t, subscriber.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, _, err = subscriber.ReadFromUDP(buf)
	require.NoError(t, err)

	var got rtp.Packet
	require.NoError(t, got.Unmarshal(buf[:n]))
	assert.Equal(t, consumer.RTPParameters().SSRC(), got.SSRC)
	assert.NotEqual(t, uint32(1111), got.SSRC)
	assert.Equal(t, uint8(96), got.PayloadType)
	assert.Equal(t, sent.Timestamp, got.Timestamp)
	assert.Equal(t, sent.Payload, got.Payload)
}

func TestRouter_CloseCascades(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	r := newTestRouter(t, e, engine.PlaneIngest)

	transport, err := r.CreatePlainTransport(ctx, engine.PlainTransportOptions{ListenIP: "127.0.0.1"})
	require.NoError(t, err)
	producer, err := transport.Produce(ctx, engine.ProducerOptions{Kind: engine.MediaKindVideo, RTPParameters: vp8Parameters(42)})
	require.NoError(t, err)
	consumer, err := transport.Consume(ctx, engine.ConsumerOptions{
		ProducerID:      producer.ID(),
		RTPCapabilities: &engine.RTPCapabilities{Codecs: []engine.RTPCodecCapability{vp8}},
	})
	require.NoError(t, err)

	var reasons []engine.CloseReason
	transport.OnClose(func(reason engine.CloseReason) { reasons = append(reasons, reason) })
	routerClosed := 0
	r.OnClose(func() { routerClosed++ })

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.Equal(t, []engine.CloseReason{engine.CloseReasonRouterClosed}, reasons)
	assert.Equal(t, 1, routerClosed)
	assert.True(t, transport.Closed())
	assert.True(t, producer.Closed())
	assert.True(t, consumer.Closed())
	_, ok := r.producer(producer.ID())
	assert.False(t, ok)

	_, err = r.CreatePipeTransport(ctx, engine.PipeTransportOptions{})
	assert.ErrorIs(t, err, engine.ErrRouterClosed)
}

func TestTransport_ProduceAndConsumeErrors(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	r := newTestRouter(t, e, engine.PlaneIngest)

	transport, err := r.CreatePlainTransport(ctx, engine.PlainTransportOptions{})
	require.NoError(t, err)

	_, err = transport.Produce(ctx, engine.ProducerOptions{Kind: engine.MediaKindVideo, RTPParameters: engine.RTPParameters{}})
	assert.ErrorIs(t, err, engine.ErrNoCodec)

	params := vp8Parameters(0)
	_, err = transport.Produce(ctx, engine.ProducerOptions{Kind: engine.MediaKindVideo, RTPParameters: params})
	assert.ErrorIs(t, err, ErrNoSSRC)

	producer, err := transport.Produce(ctx, engine.ProducerOptions{Kind: engine.MediaKindVideo, RTPParameters: vp8Parameters(7)})
	require.NoError(t, err)
	_, err = transport.Produce(ctx, engine.ProducerOptions{Kind: engine.MediaKindVideo, RTPParameters: vp8Parameters(7)})
	assert.ErrorIs(t, err, ErrSSRCInUse)

	_, err = transport.Consume(ctx, engine.ConsumerOptions{ProducerID: "missing"})
	assert.ErrorIs(t, err, engine.ErrProducerNotFound)

	_, err = transport.Consume(ctx, engine.ConsumerOptions{ProducerID: producer.ID()})
	assert.ErrorIs(t, err, engine.ErrCodecMismatch)

	opus := engine.RTPCapabilities{Codecs: []engine.RTPCodecCapability{{Kind: engine.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000}}}
	_, err = transport.Consume(ctx, engine.ConsumerOptions{ProducerID: producer.ID(), RTPCapabilities: &opus})
	assert.ErrorIs(t, err, engine.ErrCodecMismatch)

	require.NoError(t, transport.Close())
	_, err = transport.Produce(ctx, engine.ProducerOptions{Kind: engine.MediaKindVideo, RTPParameters: vp8Parameters(8)})
	assert.ErrorIs(t, err, engine.ErrTransportClosed)
}

func TestConsumer_PauseKeepsSequenceContiguous(t *testing.T) {
	e := newTestEngine(t)
	r := newTestRouter(t, e, engine.PlaneEgress)
	base := newTransportBase(r, "test")

	keyFrames := 0
	producer, err := newProducer(base, engine.ProducerOptions{Kind: engine.MediaKindVideo, RTPParameters: vp8Parameters(9)}, func(ssrc uint32) error {
		assert.Equal(t, uint32(9), ssrc)
		keyFrames++
		return nil
	})
	require.NoError(t, err)

	params := vp8Parameters(77)
	params.Codecs[0].PayloadType = 96
	consumer := newConsumer(base, producer, params, false)
	var got []*rtp.Packet
	consumer.sink = func(pkt *rtp.Packet) error {
		got = append(got, pkt)
		return nil
	}
	require.NoError(t, producer.addConsumer(consumer))

	write := func(seq uint16) {
		producer.write(&rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 101, SequenceNumber: seq, SSRC: 9}})
	}
	write(10)
	write(11)
	require.NoError(t, consumer.Pause())
	write(12)
	write(13)
	require.NoError(t, consumer.Resume(context.Background()))
	write(20)

	require.Len(t, got, 3)
	for i, seq := range []uint16{10, 11, 12} {
		assert.Equal(t, seq, got[i].SequenceNumber)
		assert.Equal(t, uint32(77), got[i].SSRC)
		assert.Equal(t, uint8(96), got[i].PayloadType)
	}
	assert.Equal(t, 1, keyFrames)

	require.NoError(t, producer.Close())
	assert.True(t, consumer.Closed())
	assert.ErrorIs(t, consumer.Resume(context.Background()), engine.ErrTransportClosed)
}

func TestIsRTCP(t *testing.T) {
	pli, err := rtcp.Marshal([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: 1}})
	require.NoError(t, err)
	assert.True(t, isRTCP(pli))

	pkt := rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 101}}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	assert.False(t, isRTCP(raw))

	assert.False(t, isRTCP([]byte{0x80}))
}
