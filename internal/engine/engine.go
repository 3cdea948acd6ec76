// Package engine defines the media engine capability the gateway drives.
//
// An engine hands out routers, and routers hand out transports. Transports
// carry producers (published streams) and consumers (subscribed views of a
// producer in the same router). The engine owns no application logic: it
// never decides which router serves which client, which is the job of the
// topology and signalling packages.
//
// Three transport flavours exist:
//
//   - WebRTCTransport: negotiated with a browser (ICE + DTLS).
//   - PipeTransport: an un-negotiated UDP link between two routers, used as the relay bridge.
//   - PlainTransport: raw RTP towards a fixed local endpoint, used to feed an external pipeline.
//
// All methods that may block take a context. Close methods are idempotent.
package engine

import (
	"context"
	"errors"
)

var (
	ErrRouterClosed     = errors.New("engine: router closed")
	ErrTransportClosed  = errors.New("engine: transport closed")
	ErrProducerNotFound = errors.New("engine: producer not found in router")
	ErrNoCodec          = errors.New("engine: rtp parameters carry no codec")
	ErrCodecMismatch    = errors.New("engine: no codec in common with the requested capabilities")
	ErrNotConnected     = errors.New("engine: transport not connected")
	ErrAlreadyConnected = errors.New("engine: transport already connected")
	// ErrICEParametersRequired is returned by engines that cannot connect
	// without the remote ICE username fragment and password.
	ErrICEParametersRequired = errors.New("engine: remote ice parameters are required")
)

// Engine creates routers. Implementations spread routers over workers.
type Engine interface {
	CreateRouter(ctx context.Context, options RouterOptions) (Router, error)
	Close() error
}

type RouterOptions struct {
	Plane       Plane
	MediaCodecs []RTPCodecCapability
}

// Router is a media switching domain. Producers created on any transport of
// a router may be consumed on any other transport of the same router.
type Router interface {
	ID() string
	Plane() Plane
	RTPCapabilities() RTPCapabilities

	CreateWebRTCTransport(ctx context.Context, options WebRTCTransportOptions) (WebRTCTransport, error)
	CreatePipeTransport(ctx context.Context, options PipeTransportOptions) (PipeTransport, error)
	CreatePlainTransport(ctx context.Context, options PlainTransportOptions) (PlainTransport, error)

	// OnClose registers a callback invoked once the router closes.
	OnClose(func())
	Closed() bool
	// Close closes every transport of the router (with CloseReasonRouterClosed) and then the router.
	Close() error
}

type WebRTCTransportOptions struct {
	ListenIPs                       []string
	AnnouncedIP                     string
	EnableUDP                       bool
	EnableTCP                       bool
	InitialAvailableOutgoingBitrate uint32
	MinimumAvailableOutgoingBitrate uint32
}

type PipeTransportOptions struct {
	ListenIP string
}

type PlainTransportOptions struct {
	ListenIP string
	// RTCPMux false opens a second socket for RTCP.
	RTCPMux bool
}

// Transport is the behaviour common to all transport flavours.
type Transport interface {
	ID() string
	RouterID() string

	Produce(ctx context.Context, options ProducerOptions) (Producer, error)
	Consume(ctx context.Context, options ConsumerOptions) (Consumer, error)

	// OnClose registers a callback invoked exactly once when the transport closes.
	OnClose(func(reason CloseReason))
	Closed() bool
	Close() error
}

type WebRTCTransport interface {
	Transport
	Parameters() WebRTCTransportParameters
	// Connect completes ICE and DTLS with the remote peer. It blocks until
	// DTLS is established, fails, or ctx is done.
	Connect(ctx context.Context, params ConnectParameters) error
	SetMaxIncomingBitrate(bitrate uint32) error
}

type PipeTransport interface {
	Transport
	Tuple() Tuple
	Connect(ctx context.Context, remote Tuple) error
}

type PlainTransport interface {
	Transport
	Tuple() Tuple
	Connect(ctx context.Context, params PlainConnectParameters) error
}

type PlainConnectParameters struct {
	IP       string
	Port     uint16
	RTCPPort uint16
}

type ProducerOptions struct {
	// ID may be set by relay producers that must reuse the id of their pipe consumer.
	ID            string
	Kind          MediaKind
	RTPParameters RTPParameters
}

type ConsumerOptions struct {
	ProducerID string
	// RTPCapabilities of the receiving side. Pipe transports ignore them and
	// forward the producer's parameters untouched.
	RTPCapabilities *RTPCapabilities
	Paused          bool
}

type Producer interface {
	ID() string
	Kind() MediaKind
	RTPParameters() RTPParameters
	// RequestKeyFrame asks the sending side of the producer for a keyframe.
	RequestKeyFrame() error
	Closed() bool
	Close() error
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind
	RTPParameters() RTPParameters
	Paused() bool
	Pause() error
	// Resume starts forwarding and requests a keyframe for video.
	Resume(ctx context.Context) error
	Closed() bool
	Close() error
}
