package networking

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/pkg/signalling"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoPayload struct {
	Value string `json:"value"`
}

type testDispatcher struct {
	mu           sync.Mutex
	disconnected []signalling.PeerIdentifier
	replied      chan struct{}
	afterRan     chan bool
	release      chan struct{}
	slowStarted  chan struct{}
}

func newTestDispatcher() *testDispatcher {
	return &testDispatcher{
		replied:     make(chan struct{}),
		afterRan:    make(chan bool, 1),
		release:     make(chan struct{}),
		slowStarted: make(chan struct{}, 1),
	}
}

func (d *testDispatcher) HandleRequest(ctx context.Context, peer signalling.PeerIdentifier, event string, data json.RawMessage) Response {
	switch event {
	case "echo":
		var payload echoPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return Response{Reply: signalling.NewFailureReply(signalling.ErrorKindBadRequest)}
		}
		return Response{Reply: payload}
	case "slow":
		select {
		case d.slowStarted <- struct{}{}:
		default:
		}
		<-d.release
		return Response{Reply: signalling.StatusReply{Status: signalling.StatusSuccess}}
	case "deferred":
		return Response{
			Reply: signalling.StatusReply{Status: signalling.StatusSuccess},
			After: func(ctx context.Context) {
				select {
				case <-d.replied:
					d.afterRan <- true
				case <-time.After(2 * time.Second):
					d.afterRan <- false
				}
			},
		}
	default:
		return Response{Reply: signalling.NewFailureReply(signalling.ErrorKindBadRequest)}
	}
}

func (d *testDispatcher) OnDisconnect(peer signalling.PeerIdentifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = append(d.disconnected, peer)
}

func (d *testDispatcher) disconnects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.disconnected)
}

func startGateway(t *testing.T, d Dispatcher) (*Gateway, string) {
	t.Helper()
	g := NewGateway(d, GatewayConfig{}, nil)
	server := httptest.NewServer(g)
	t.Cleanup(func() {
		g.Close()
		server.Close()
	})
	return g, "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestGateway_RoundTrip(t *testing.T) {
	d := newTestDispatcher()
	_, url := startGateway(t, d)

	client, err := Dial(context.Background(), url, ClientOptions{}, nil)
	require.NoError(t, err)
	defer client.Close()

	var reply echoPayload
	require.NoError(t, client.Request(context.Background(), "echo", echoPayload{Value: "hello"}, &reply))
	require.Equal(t, "hello", reply.Value)

	var failure signalling.FailureReply
	require.NoError(t, client.Request(context.Background(), "unknown", nil, &failure))
	require.Equal(t, signalling.StatusFailure, failure.Status)
	require.Equal(t, signalling.ErrorKindBadRequest, failure.Error)
}

func TestGateway_ConcurrentRequests(t *testing.T) {
	d := newTestDispatcher()
	_, url := startGateway(t, d)

	client, err := Dial(context.Background(), url, ClientOptions{Timeout: 2 * time.Second}, nil)
	require.NoError(t, err)
	defer client.Close()

	// A blocked request must not hold back the ones behind it.
	slowDone := make(chan error, 1)
	go func() {
		slowDone <- client.Request(context.Background(), "slow", nil, nil)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			value := strings.Repeat("x", i+1)
			var reply echoPayload
			assert.NoError(t, client.Request(context.Background(), "echo", echoPayload{Value: value}, &reply))
			assert.Equal(t, value, reply.Value)
		}(i)
	}
	wg.Wait()

	close(d.release)
	require.NoError(t, <-slowDone)
}

func TestGateway_ClientTimeout(t *testing.T) {
	d := newTestDispatcher()
	_, url := startGateway(t, d)

	client, err := Dial(context.Background(), url, ClientOptions{Timeout: 50 * time.Millisecond}, nil)
	require.NoError(t, err)
	defer client.Close()

	err = client.Request(context.Background(), "slow", nil, nil)
	require.ErrorIs(t, err, ErrTimeout)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, "slow", timeoutErr.Event)

	// The late reply is dropped and the channel stays usable.
	close(d.release)
	var reply echoPayload
	require.NoError(t, client.Request(context.Background(), "echo", echoPayload{Value: "still here"}, &reply))
	require.Equal(t, "still here", reply.Value)
}

func TestGateway_AfterRunsOnceReplied(t *testing.T) {
	d := newTestDispatcher()
	_, url := startGateway(t, d)

	client, err := Dial(context.Background(), url, ClientOptions{}, nil)
	require.NoError(t, err)
	defer client.Close()

	var reply signalling.StatusReply
	require.NoError(t, client.Request(context.Background(), "deferred", nil, &reply))
	require.Equal(t, signalling.StatusSuccess, reply.Status)
	close(d.replied)

	select {
	case ran := <-d.afterRan:
		require.True(t, ran)
	case <-time.After(3 * time.Second):
		t.Fatal("continuation never ran")
	}
}

func TestGateway_DisconnectNotifiesDispatcher(t *testing.T) {
	d := newTestDispatcher()
	g, url := startGateway(t, d)

	client, err := Dial(context.Background(), url, ClientOptions{}, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return g.Connections() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return d.disconnects() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 0, g.Connections())

	err = client.Request(context.Background(), "echo", echoPayload{}, nil)
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestGateway_DisconnectWaitsForInFlightRequests(t *testing.T) {
	d := newTestDispatcher()
	g, url := startGateway(t, d)

	client, err := Dial(context.Background(), url, ClientOptions{}, nil)
	require.NoError(t, err)
	require.NoError(t, client.Notify("slow", nil))
	select {
	case <-d.slowStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("request never reached the dispatcher")
	}

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return g.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Never(t, func() bool { return d.disconnects() > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	close(d.release)
	require.Eventually(t, func() bool { return d.disconnects() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRouterMediaCodecs(t *testing.T) {
	codecs, err := RouterMediaCodecs([]webrtc.RTPCodecCapability{CodecMap["CodecOpus48000Stereo"], CodecMap["CodecVP8"]})
	require.NoError(t, err)
	require.Len(t, codecs, 2)

	require.Equal(t, "audio", string(codecs[0].Kind))
	require.Equal(t, uint8(100), codecs[0].PreferredPayloadType)
	require.Equal(t, uint16(2), codecs[0].Channels)
	require.Nil(t, codecs[0].Parameters)

	require.Equal(t, "video", string(codecs[1].Kind))
	require.Equal(t, uint8(101), codecs[1].PreferredPayloadType)
	require.Equal(t, uint32(90000), codecs[1].ClockRate)
	require.Equal(t, map[string]any{"x-google-start-bitrate": 1000}, codecs[1].Parameters)
	require.NotEmpty(t, codecs[1].RTCPFeedback)

	_, err = RouterMediaCodecs(nil)
	require.Error(t, err)

	_, err = RouterMediaCodecs([]webrtc.RTPCodecCapability{{MimeType: "bogus", ClockRate: 1}})
	require.Error(t, err)
}

func TestParseFmtpLine(t *testing.T) {
	require.Nil(t, ParseFmtpLine(""))
	require.Equal(t,
		map[string]any{"level-asymmetry-allowed": 1, "packetization-mode": 1, "profile-level-id": "42e01f"},
		ParseFmtpLine("level-asymmetry-allowed=1;packetization-mode=1; profile-level-id=42e01f"),
	)
}
