// Package signalling implements the request/response protocol remote peers use
// to publish and subscribe.
//
// The Handler is transport agnostic: it serves typed requests and, through
// HandleRequest, the JSON dispatch table the networking gateway calls into.
// Every WebRTC transport it creates is tracked by a session that walks the
// state machine created -> connecting -> connected -> closed and owns what
// hangs off the transport.
package signalling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/engine"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/networking"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/pipeline"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/registry"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/topology"
	protocol "github.com/Honorable-Knights-of-the-Roundtable/relaygate/pkg/signalling"
	"github.com/google/uuid"
)

// RawMediaConfig is the fixed local endpoint the external pipeline reads from.
type RawMediaConfig struct {
	// ListenIP is where the raw-media transport binds locally.
	ListenIP string
	IP       string
	Port     uint16
	RTCPPort uint16
	RTCPMux  bool
}

type Config struct {
	WebRTCTransport engine.WebRTCTransportOptions
	// MaxIncomingBitrate is applied to every WebRTC transport. Zero leaves it unset.
	MaxIncomingBitrate uint32
	RawMedia           RawMediaConfig
}

// Launcher starts the external pipeline of a video producer.
type Launcher interface {
	Launch(ctx context.Context, req pipeline.LaunchRequest) (pipeline.Pipeline, error)
}

type requestFunc func(ctx context.Context, peer protocol.PeerIdentifier, data json.RawMessage) (reply any, after func(context.Context), err error)

type Handler struct {
	logger   *slog.Logger
	topology *topology.Manager
	registry *registry.Registry
	launcher Launcher
	config   Config

	routes map[string]requestFunc

	mu    sync.Mutex
	peers map[uuid.UUID]*peerState
}

// peerState is what the handler knows about one remote peer. It is dropped
// once the peer has no transports and no request in flight.
type peerState struct {
	sessions     map[string]*session
	pending      int
	disconnected bool
}

// Create a new Handler.
//
// If no logger is given, slog.Default() is used.
func NewHandler(topo *topology.Manager, reg *registry.Registry, launcher Launcher, config Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		logger:   logger,
		topology: topo,
		registry: reg,
		launcher: launcher,
		config:   config,
		peers:    make(map[uuid.UUID]*peerState),
	}
	h.routes = map[string]requestFunc{
		protocol.EventGetRouterRtpCapabilities: h.handleGetRouterRtpCapabilities,
		protocol.EventCreateWebRtcTransport:    h.handleCreateWebRtcTransport,
		protocol.EventConnectWebRtcTransport:   h.handleConnectWebRtcTransport,
		protocol.EventProduce:                  h.handleProduce,
		protocol.EventAddConsumer:              h.handleAddConsumer,
		protocol.EventCloseTransport:           h.handleCloseTransport,
	}
	return h
}

// HandleRequest decodes and serves one request. Errors never escape: they are
// logged and turned into a failure reply carrying an error kind.
func (h *Handler) HandleRequest(ctx context.Context, peer protocol.PeerIdentifier, event string, data json.RawMessage) networking.Response {
	logger := h.logger.With("event", event, "peer", peer.String())

	route, ok := h.routes[event]
	if !ok {
		logger.Warn("unknown signalling event")
		return networking.Response{Reply: protocol.NewFailureReply(errorKind(ErrUnknownEvent))}
	}

	reply, after, err := route(ctx, peer, data)
	if err != nil {
		kind := errorKind(err)
		if kind == protocol.ErrorKindInternal {
			logger.Error("error while handling signalling request", "err", err)
		} else {
			logger.Warn("signalling request failed", "err", err, "kind", kind)
		}
		return networking.Response{Reply: protocol.NewFailureReply(kind)}
	}
	return networking.Response{Reply: reply, After: after}
}

// OnDisconnect closes every transport the peer created. Transports still
// being created for the peer are closed as soon as their request completes.
func (h *Handler) OnDisconnect(peer protocol.PeerIdentifier) {
	h.mu.Lock()
	state, ok := h.peers[peer.Uuid]
	if !ok {
		h.mu.Unlock()
		return
	}
	state.disconnected = true
	sessions := state.sessions
	state.sessions = make(map[string]*session)
	h.dropPeerIfIdle(peer.Uuid, state)
	h.mu.Unlock()

	if len(sessions) == 0 {
		return
	}
	h.logger.Info("closing transports of disconnected peer", "peer", peer.String(), "transports", len(sessions))
	for _, s := range sessions {
		s.close(engine.CloseReasonExplicit)
	}
}

// TransportState reports the state of a WebRTC transport still registered.
func (h *Handler) TransportState(transportID string) (State, bool) {
	s, err := registry.Lookup[*session](h.registry, registry.KindTransport, transportID)
	if err != nil {
		return StateClosed, false
	}
	return s.State(), true
}

// --------------------------------------------------------------------------------
// Typed requests

// GetRouterRtpCapabilities returns the egress router serving producerID, or a
// freshly created ingest router when no producer is given.
func (h *Handler) GetRouterRtpCapabilities(ctx context.Context, req GetRouterRtpCapabilitiesRequest) (GetRouterRtpCapabilitiesReply, error) {
	var (
		router engine.Router
		err    error
	)
	if req.ProducerID != "" {
		router, err = h.topology.ResolveEgressRouter(req.ProducerID)
	} else {
		router, err = h.topology.CreateTopology(ctx)
	}
	if err != nil {
		return GetRouterRtpCapabilitiesReply{}, err
	}

	return GetRouterRtpCapabilitiesReply{
		Status:                protocol.StatusSuccess,
		RouterID:              router.ID(),
		RouterRtpCapabilities: router.RTPCapabilities(),
	}, nil
}

// CreateWebRtcTransport creates a transport on the named router. Producer
// transports live on ingest routers and get a raw-media transport connected to
// the pipeline endpoint. Consumer transports live on egress routers.
func (h *Handler) CreateWebRtcTransport(ctx context.Context, peer protocol.PeerIdentifier, req CreateWebRtcTransportRequest) (CreateWebRtcTransportReply, error) {
	if req.RouterID == "" {
		return CreateWebRtcTransportReply{}, badRequest(protocol.EventCreateWebRtcTransport, "missing routerId", nil)
	}
	role, err := protocol.ParseTransportRole(string(req.Type))
	if err != nil {
		return CreateWebRtcTransportReply{}, badRequest(protocol.EventCreateWebRtcTransport, "invalid type", err)
	}

	release, err := h.enterPeer(peer)
	if err != nil {
		return CreateWebRtcTransportReply{}, err
	}
	defer release()

	router, err := registry.Lookup[engine.Router](h.registry, registry.KindRouter, req.RouterID)
	if err != nil {
		return CreateWebRtcTransportReply{}, err
	}
	wantPlane := engine.PlaneIngest
	if role == protocol.TransportRoleConsumer {
		wantPlane = engine.PlaneEgress
	}
	if router.Plane() != wantPlane {
		return CreateWebRtcTransportReply{}, fmt.Errorf("%w: %s router %s cannot host a %s transport", ErrWrongPlane, router.Plane(), router.ID(), role)
	}

	transport, err := router.CreateWebRTCTransport(ctx, h.config.WebRTCTransport)
	if err != nil {
		return CreateWebRtcTransportReply{}, fmt.Errorf("create webrtc transport: %w", err)
	}
	logger := h.logger.With("transportID", transport.ID(), "routerID", router.ID(), "role", role)

	if h.config.MaxIncomingBitrate > 0 {
		if err := transport.SetMaxIncomingBitrate(h.config.MaxIncomingBitrate); err != nil {
			logger.Warn("could not set max incoming bitrate", "err", err)
		}
	}

	var raw engine.PlainTransport
	if role == protocol.TransportRoleProducer {
		raw, err = h.createRawTransport(ctx, router)
		if err != nil {
			transport.Close()
			return CreateWebRtcTransportReply{}, err
		}
	}

	s := newSession(logger, peer, role, transport, raw, h.teardown)
	transport.OnClose(func(reason engine.CloseReason) { s.close(reason) })
	if raw != nil {
		raw.OnClose(func(reason engine.CloseReason) {
			if reason != engine.CloseReasonExplicit {
				s.close(reason)
			}
		})
	}

	if err := h.registry.Put(registry.KindTransport, s.ID(), s); err != nil {
		s.close(engine.CloseReasonExplicit)
		return CreateWebRtcTransportReply{}, err
	}
	if raw != nil {
		if err := h.registry.Put(registry.KindTransport, raw.ID(), raw); err != nil {
			s.close(engine.CloseReasonExplicit)
			return CreateWebRtcTransportReply{}, err
		}
	}
	if !h.trackPeer(s) {
		s.close(engine.CloseReasonExplicit)
		return CreateWebRtcTransportReply{}, ErrPeerDisconnected
	}

	logger.Info("webrtc transport created", "rtpTransportID", s.rawID())
	return CreateWebRtcTransportReply{
		Status:          protocol.StatusSuccess,
		TransportParams: transport.Parameters(),
		RtpTransportID:  s.rawID(),
	}, nil
}

func (h *Handler) createRawTransport(ctx context.Context, router engine.Router) (engine.PlainTransport, error) {
	rawConfig := h.config.RawMedia
	raw, err := router.CreatePlainTransport(ctx, engine.PlainTransportOptions{
		ListenIP: rawConfig.ListenIP,
		RTCPMux:  rawConfig.RTCPMux,
	})
	if err != nil {
		return nil, fmt.Errorf("create raw media transport: %w", err)
	}

	err = raw.Connect(ctx, engine.PlainConnectParameters{
		IP:       rawConfig.IP,
		Port:     rawConfig.Port,
		RTCPPort: rawConfig.RTCPPort,
	})
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("connect raw media transport: %w", err)
	}
	return raw, nil
}

// ConnectWebRtcTransport completes negotiation of a transport. A failed
// negotiation closes the transport.
func (h *Handler) ConnectWebRtcTransport(ctx context.Context, req ConnectWebRtcTransportRequest) error {
	s, err := h.session(req.TransportID)
	if err != nil {
		return err
	}
	if err := s.beginConnect(); err != nil {
		return err
	}

	err = s.transport.Connect(ctx, engine.ConnectParameters{
		DTLSParameters: req.DtlsParameters,
		ICEParameters:  req.IceParameters,
		ICECandidates:  req.IceCandidates,
	})
	if err != nil {
		s.close(engine.CloseReasonDTLSFailed)
		return &ConnectError{TransportID: s.ID(), State: StateConnecting, Err: err}
	}
	if err := s.finishConnect(); err != nil {
		return err
	}

	s.logger.Info("webrtc transport connected")
	return nil
}

// Produce publishes a stream on a producer transport and admits it to the
// relay. Video is also forwarded, paused, to the raw-media endpoint and a
// pipeline is launched for it; the raw consumer resumes once the pipeline is
// ready. The returned id is the relayed one.
func (h *Handler) Produce(ctx context.Context, req ProduceRequest) (ProduceReply, error) {
	kind, err := engine.ParseMediaKind(req.Kind)
	if err != nil {
		return ProduceReply{}, badRequest(protocol.EventProduce, "invalid kind", err)
	}
	s, err := h.session(req.TransportID)
	if err != nil {
		return ProduceReply{}, err
	}
	if s.role != protocol.TransportRoleProducer {
		return ProduceReply{}, badRequest(protocol.EventProduce, "transport is not a producer transport", nil)
	}
	if req.RtpTransportID != "" && req.RtpTransportID != s.rawID() {
		return ProduceReply{}, badRequest(protocol.EventProduce, "rtpTransportId does not belong to the transport", nil)
	}

	ingest, err := registry.Lookup[engine.Router](h.registry, registry.KindRouter, s.RouterID())
	if err != nil {
		return ProduceReply{}, err
	}
	egress, err := h.topology.EgressRouterFor(ingest.ID())
	if err != nil {
		return ProduceReply{}, err
	}

	producer, err := s.transport.Produce(ctx, engine.ProducerOptions{Kind: kind, RTPParameters: req.RtpParameters})
	if err != nil {
		return ProduceReply{}, fmt.Errorf("produce: %w", err)
	}
	if err := h.registry.Put(registry.KindProducer, producer.ID(), producer); err != nil {
		producer.Close()
		return ProduceReply{}, err
	}
	if !s.own(registry.KindProducer, producer.ID(), producer) {
		producer.Close()
		h.registry.Remove(registry.KindProducer, producer.ID())
		return ProduceReply{}, engine.ErrTransportClosed
	}
	logger := s.logger.With("producerID", producer.ID(), "kind", kind)

	relayed, err := h.topology.AdmitProducerToRelay(ctx, ingest, egress, producer, s.ID())
	if err != nil {
		return ProduceReply{}, err
	}
	if !s.own(registry.KindProducer, relayed.ID(), relayed) {
		h.topology.ReleaseRoute(relayed.ID())
		return ProduceReply{}, engine.ErrTransportClosed
	}

	if kind == engine.MediaKindVideo && s.raw != nil {
		h.startPipeline(ctx, s, ingest, producer, logger)
	}

	logger.Info("producer admitted", "relayedProducerID", relayed.ID())
	return ProduceReply{Status: protocol.StatusSuccess, ID: relayed.ID()}, nil
}

// startPipeline forwards producer to the raw-media endpoint. Failures here do
// not fail the produce request: the relay already carries the stream.
func (h *Handler) startPipeline(ctx context.Context, s *session, ingest engine.Router, producer engine.Producer, logger *slog.Logger) {
	capabilities := ingest.RTPCapabilities()
	consumer, err := s.raw.Consume(ctx, engine.ConsumerOptions{
		ProducerID:      producer.ID(),
		RTPCapabilities: &capabilities,
		Paused:          true,
	})
	if err != nil {
		logger.Error("error while consuming producer on raw media transport", "err", err)
		return
	}
	if err := h.registry.Put(registry.KindConsumer, consumer.ID(), consumer); err != nil {
		logger.Warn("raw media consumer already registered", "err", err)
	}
	if !s.own(registry.KindConsumer, consumer.ID(), consumer) {
		consumer.Close()
		h.registry.Remove(registry.KindConsumer, consumer.ID())
		return
	}

	codec, err := consumer.RTPParameters().PrimaryCodec()
	if err != nil {
		logger.Error("raw media consumer has no codec", "err", err)
		return
	}
	_, encodingName, _ := strings.Cut(codec.MimeType, "/")

	p, err := h.launcher.Launch(ctx, pipeline.LaunchRequest{
		ProducerID: producer.ID(),
		Endpoint: pipeline.Endpoint{
			IP:           h.config.RawMedia.IP,
			Port:         h.config.RawMedia.Port,
			RTCPPort:     h.config.RawMedia.RTCPPort,
			PayloadType:  codec.PayloadType,
			ClockRate:    codec.ClockRate,
			EncodingName: encodingName,
		},
	})
	if err != nil {
		logger.Error("error while launching pipeline", "err", err)
		return
	}
	if !s.attachPipeline(p) {
		return
	}

	go func() {
		if err := p.WaitReady(ctx); err != nil {
			logger.Error("pipeline never became ready, raw media stays paused", "err", err)
			return
		}
		if err := consumer.Resume(ctx); err != nil {
			logger.Warn("error while resuming raw media consumer", "err", err)
			return
		}
		if err := producer.RequestKeyFrame(); err != nil {
			logger.Debug("error while requesting keyframe", "err", err)
		}
		logger.Debug("raw media flowing to pipeline", "consumerID", consumer.ID())
	}()
}

// AddConsumer subscribes a consumer transport to a relayed producer. The
// consumer is created paused; the returned continuation resumes it and must
// run only after the reply was sent.
func (h *Handler) AddConsumer(ctx context.Context, req AddConsumerRequest) (AddConsumerReply, func(context.Context), error) {
	if req.ProducerID == "" {
		return AddConsumerReply{}, nil, badRequest(protocol.EventAddConsumer, "missing producerId", nil)
	}
	s, err := h.session(req.TransportID)
	if err != nil {
		return AddConsumerReply{}, nil, err
	}
	if s.role != protocol.TransportRoleConsumer {
		return AddConsumerReply{}, nil, badRequest(protocol.EventAddConsumer, "transport is not a consumer transport", nil)
	}

	egress, err := h.topology.ResolveEgressRouter(req.ProducerID)
	if err != nil {
		return AddConsumerReply{}, nil, err
	}
	if egress.ID() != s.RouterID() {
		return AddConsumerReply{}, nil, &topology.RoutingError{
			ProducerID: req.ProducerID,
			Link:       "consumer transport",
			Err:        fmt.Errorf("transport %s is on router %s, producer is served by %s", s.ID(), s.RouterID(), egress.ID()),
		}
	}

	consumer, err := s.transport.Consume(ctx, engine.ConsumerOptions{
		ProducerID:      req.ProducerID,
		RTPCapabilities: &req.RouterRtpCapabilities,
		Paused:          true,
	})
	if err != nil {
		return AddConsumerReply{}, nil, fmt.Errorf("consume: %w", err)
	}
	if err := h.registry.Put(registry.KindConsumer, consumer.ID(), consumer); err != nil {
		consumer.Close()
		return AddConsumerReply{}, nil, err
	}
	if !s.own(registry.KindConsumer, consumer.ID(), consumer) {
		consumer.Close()
		h.registry.Remove(registry.KindConsumer, consumer.ID())
		return AddConsumerReply{}, nil, engine.ErrTransportClosed
	}

	logger := s.logger.With("consumerID", consumer.ID(), "producerID", req.ProducerID)
	logger.Info("consumer created")

	resume := func(ctx context.Context) {
		if err := consumer.Resume(ctx); err != nil {
			logger.Warn("error while resuming consumer", "err", err)
		}
	}

	return AddConsumerReply{
		Status:       protocol.StatusSuccess,
		LegacyStatus: protocol.StatusSuccess,
		Consumer: ConsumerParameters{
			ID:            consumer.ID(),
			Kind:          consumer.Kind(),
			RtpParameters: consumer.RTPParameters(),
			ProducerID:    consumer.ProducerID(),
		},
	}, resume, nil
}

// CloseTransport closes a WebRTC transport. Closing an absent or already
// closed transport succeeds.
func (h *Handler) CloseTransport(ctx context.Context, req CloseTransportRequest) error {
	s, err := h.session(req.TransportID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.close(engine.CloseReasonExplicit)
	return nil
}

// --------------------------------------------------------------------------------

func (h *Handler) session(transportID string) (*session, error) {
	if transportID == "" {
		return nil, badRequest("transport", "missing transportId", nil)
	}
	return registry.Lookup[*session](h.registry, registry.KindTransport, transportID)
}

// enterPeer marks a request of peer as in flight. The returned func ends it.
func (h *Handler) enterPeer(peer protocol.PeerIdentifier) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.peers[peer.Uuid]
	if !ok {
		state = &peerState{sessions: make(map[string]*session)}
		h.peers[peer.Uuid] = state
	}
	if state.disconnected {
		return nil, ErrPeerDisconnected
	}
	state.pending++

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		state.pending--
		h.dropPeerIfIdle(peer.Uuid, state)
	}, nil
}

// trackPeer files s under its peer. It reports false if the peer is gone.
func (h *Handler) trackPeer(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.peers[s.peer.Uuid]
	if !ok || state.disconnected {
		return false
	}
	state.sessions[s.ID()] = s
	return true
}

// dropPeerIfIdle must be called with mu held.
func (h *Handler) dropPeerIfIdle(id uuid.UUID, state *peerState) {
	if state.pending > 0 || len(state.sessions) > 0 {
		return
	}
	if h.peers[id] == state {
		delete(h.peers, id)
	}
}

func (h *Handler) teardown(s *session, owned []ownedEntity) {
	h.registry.Remove(registry.KindTransport, s.ID())
	if s.raw != nil {
		h.registry.Remove(registry.KindTransport, s.raw.ID())
	}
	for _, e := range owned {
		h.registry.Remove(e.kind, e.id)
		if e.kind == registry.KindProducer {
			h.topology.ReleaseRoute(e.id)
		}
	}

	h.mu.Lock()
	if state, ok := h.peers[s.peer.Uuid]; ok {
		delete(state.sessions, s.ID())
		h.dropPeerIfIdle(s.peer.Uuid, state)
	}
	h.mu.Unlock()
}

// --------------------------------------------------------------------------------
// Dispatch table entries

func decode[T any](event string, data json.RawMessage) (T, error) {
	var req T
	if len(data) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, badRequest(event, "malformed payload", err)
	}
	return req, nil
}

func (h *Handler) handleGetRouterRtpCapabilities(ctx context.Context, peer protocol.PeerIdentifier, data json.RawMessage) (any, func(context.Context), error) {
	req, err := decode[GetRouterRtpCapabilitiesRequest](protocol.EventGetRouterRtpCapabilities, data)
	if err != nil {
		return nil, nil, err
	}
	reply, err := h.GetRouterRtpCapabilities(ctx, req)
	return reply, nil, err
}

func (h *Handler) handleCreateWebRtcTransport(ctx context.Context, peer protocol.PeerIdentifier, data json.RawMessage) (any, func(context.Context), error) {
	req, err := decode[CreateWebRtcTransportRequest](protocol.EventCreateWebRtcTransport, data)
	if err != nil {
		return nil, nil, err
	}
	reply, err := h.CreateWebRtcTransport(ctx, peer, req)
	return reply, nil, err
}

func (h *Handler) handleConnectWebRtcTransport(ctx context.Context, peer protocol.PeerIdentifier, data json.RawMessage) (any, func(context.Context), error) {
	req, err := decode[ConnectWebRtcTransportRequest](protocol.EventConnectWebRtcTransport, data)
	if err != nil {
		return nil, nil, err
	}
	if err := h.ConnectWebRtcTransport(ctx, req); err != nil {
		return nil, nil, err
	}
	return protocol.StatusReply{Status: protocol.StatusSuccess}, nil, nil
}

func (h *Handler) handleProduce(ctx context.Context, peer protocol.PeerIdentifier, data json.RawMessage) (any, func(context.Context), error) {
	req, err := decode[ProduceRequest](protocol.EventProduce, data)
	if err != nil {
		return nil, nil, err
	}
	reply, err := h.Produce(ctx, req)
	return reply, nil, err
}

func (h *Handler) handleAddConsumer(ctx context.Context, peer protocol.PeerIdentifier, data json.RawMessage) (any, func(context.Context), error) {
	req, err := decode[AddConsumerRequest](protocol.EventAddConsumer, data)
	if err != nil {
		return nil, nil, err
	}
	return h.AddConsumer(ctx, req)
}

func (h *Handler) handleCloseTransport(ctx context.Context, peer protocol.PeerIdentifier, data json.RawMessage) (any, func(context.Context), error) {
	req, err := decode[CloseTransportRequest](protocol.EventCloseTransport, data)
	if err != nil {
		return nil, nil, err
	}
	if err := h.CloseTransport(ctx, req); err != nil {
		return nil, nil, err
	}
	return protocol.StatusReply{Status: protocol.StatusSuccess}, nil, nil
}
