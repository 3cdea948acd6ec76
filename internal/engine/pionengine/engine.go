// Package pionengine implements engine.Engine on top of pion.
//
// WebRTC transports are built from pion's ORTC objects (ICE gatherer, ICE
// transport, DTLS transport, RTP senders and receivers) rather than from a
// PeerConnection, so that no SDP is involved: the remote side exchanges ICE
// and DTLS parameters directly, the way the signalling protocol expects.
//
// Connecting requires the remote ICE parameters. Clients that send only DTLS
// parameters, as browsers driving a full ICE agent through SDP-less signalling
// sometimes do, are refused with engine.ErrICEParametersRequired and the
// transport is closed.
//
// Pipe and plain transports are bare UDP sockets carrying unencrypted RTP and
// RTCP. Inside a router, packets received by a producer are fanned out to its
// consumers, each rewriting SSRC and payload type for its own stream.
package pionengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/engine"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/interceptor/pkg/gcc"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

var (
	ErrNoFingerprint     = errors.New("pionengine: dtls parameters carry no fingerprint")
	ErrNoICEParameters   = engine.ErrICEParametersRequired
	ErrNoSSRC            = errors.New("pionengine: rtp parameters carry no ssrc")
	ErrSSRCInUse         = errors.New("pionengine: ssrc already produced on this transport")
	ErrEngineClosed      = errors.New("pionengine: engine closed")
	ErrInvalidPortRange  = errors.New("pionengine: invalid rtc port range")
	ErrGatheringTimedOut = errors.New("pionengine: ice gathering did not complete")
)

const (
	defaultRTCMinPort  = 10000
	defaultRTCMaxPort  = 10100
	defaultPLIInterval = 3 * time.Second
)

type Config struct {
	// Workers is the number of port partitions routers are spread over.
	// Zero means one per CPU.
	Workers    int
	RTCMinPort uint16
	RTCMaxPort uint16
	// PLIInterval is how often receivers ask publishers for a keyframe.
	// Negative disables periodic keyframe requests.
	PLIInterval time.Duration
}

// worker owns a slice of the rtc port range. Routers are assigned to workers
// round robin and every WebRTC transport of a router gathers candidates
// within its worker's ports.
type worker struct {
	id      int
	minPort uint16
	maxPort uint16
	routers atomic.Int32
}

type Engine struct {
	logger        *slog.Logger
	loggerFactory logging.LoggerFactory
	config        Config
	workers       []*worker
	next          atomic.Uint64

	mu      sync.Mutex
	closed  bool
	routers map[string]*Router
}

// Create a new Engine.
//
// If no logger is given, slog.Default() is used.
func New(config Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Workers <= 0 {
		config.Workers = runtime.NumCPU()
	}
	if config.RTCMinPort == 0 && config.RTCMaxPort == 0 {
		config.RTCMinPort = defaultRTCMinPort
		config.RTCMaxPort = defaultRTCMaxPort
	}
	if config.PLIInterval == 0 {
		config.PLIInterval = defaultPLIInterval
	}

	workers, err := partitionPorts(config.Workers, config.RTCMinPort, config.RTCMaxPort)
	if err != nil {
		return nil, err
	}
	if len(workers) < config.Workers {
		logger.Warn("rtc port range too small for every worker", "workers", len(workers), "requested", config.Workers)
	}

	e := &Engine{
		logger:        logger,
		loggerFactory: NewLoggerFactory(logger),
		config:        config,
		workers:       workers,
		routers:       make(map[string]*Router),
	}
	for _, w := range workers {
		logger.Debug("media worker ready", "worker", w.id, "minPort", w.minPort, "maxPort", w.maxPort)
	}
	return e, nil
}

// partitionPorts splits [minPort, maxPort] evenly. Every worker gets at least
// two ports, so fewer workers than requested may be returned.
func partitionPorts(n int, minPort, maxPort uint16) ([]*worker, error) {
	if minPort == 0 || maxPort < minPort {
		return nil, fmt.Errorf("%w: %d-%d", ErrInvalidPortRange, minPort, maxPort)
	}
	total := int(maxPort) - int(minPort) + 1
	if total/n < 2 {
		n = max(total/2, 1)
	}
	size := total / n

	workers := make([]*worker, 0, n)
	for i := 0; i < n; i++ {
		lo := int(minPort) + i*size
		hi := lo + size - 1
		if i == n-1 {
			hi = int(maxPort)
		}
		workers = append(workers, &worker{id: i, minPort: uint16(lo), maxPort: uint16(hi)})
	}
	return workers, nil
}

func (e *Engine) nextWorker() *worker {
	return e.workers[int(e.next.Add(1)-1)%len(e.workers)]
}

func (e *Engine) CreateRouter(ctx context.Context, options engine.RouterOptions) (engine.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(options.MediaCodecs) == 0 {
		return nil, engine.ErrNoCodec
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}

	w := e.nextWorker()
	r := newRouter(e, w, options)
	e.routers[r.id] = r
	w.routers.Add(1)

	r.logger.Info("router created", "worker", w.id)
	return r, nil
}

func (e *Engine) forgetRouter(r *Router) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.routers[r.id]; ok {
		delete(e.routers, r.id)
		r.worker.routers.Add(-1)
	}
}

// Close closes every router and refuses new ones.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
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

// newAPI builds the pion API a WebRTC transport runs on. Codecs come from the
// router, network settings from the worker and the transport options.
func (e *Engine) newAPI(w *worker, codecs []engine.RTPCodecCapability, options engine.WebRTCTransportOptions) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	for _, c := range codecs {
		if err := mediaEngine.RegisterCodec(toWebRTCCodec(c), codecType(c.Kind)); err != nil {
			return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
		}
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}
	if e.config.PLIInterval > 0 {
		pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(e.config.PLIInterval))
		if err != nil {
			return nil, fmt.Errorf("create pli interceptor: %w", err)
		}
		interceptorRegistry.Add(pli)
	}
	if options.InitialAvailableOutgoingBitrate > 0 {
		congestionController, err := cc.NewInterceptor(func() (cc.BandwidthEstimator, error) {
			opts := []gcc.Option{gcc.SendSideBWEInitialBitrate(int(options.InitialAvailableOutgoingBitrate))}
			if options.MinimumAvailableOutgoingBitrate > 0 {
				opts = append(opts, gcc.SendSideBWEMinBitrate(int(options.MinimumAvailableOutgoingBitrate)))
			}
			return gcc.NewSendSideBWE(opts...)
		})
		if err != nil {
			return nil, fmt.Errorf("create congestion controller: %w", err)
		}
		interceptorRegistry.Add(congestionController)
		if err := webrtc.ConfigureTWCCHeaderExtensionSender(mediaEngine, interceptorRegistry); err != nil {
			return nil, fmt.Errorf("configure twcc: %w", err)
		}
	}

	settingEngine := webrtc.SettingEngine{LoggerFactory: e.loggerFactory}
	if err := settingEngine.SetEphemeralUDPPortRange(w.minPort, w.maxPort); err != nil {
		return nil, fmt.Errorf("set port range: %w", err)
	}
	if len(options.ListenIPs) > 0 {
		allowed := make([]net.IP, 0, len(options.ListenIPs))
		for _, s := range options.ListenIPs {
			ip := net.ParseIP(s)
			if ip == nil {
				continue
			}
			if ip.IsLoopback() {
				settingEngine.SetIncludeLoopbackCandidate(true)
			}
			allowed = append(allowed, ip)
		}
		settingEngine.SetIPFilter(func(ip net.IP) bool {
			for _, a := range allowed {
				if a.IsUnspecified() || a.Equal(ip) {
					return true
				}
			}
			return false
		})
	}
	if options.AnnouncedIP != "" {
		settingEngine.SetNAT1To1IPs([]string{options.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if !options.EnableUDP && options.EnableTCP {
		e.logger.Warn("ice over tcp is not supported, falling back to udp")
	}
	settingEngine.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6})

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}
