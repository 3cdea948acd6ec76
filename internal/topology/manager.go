// Package topology maintains the dual-plane router graph.
//
// Every topology is a pair of routers: an ingest router facing publishers and
// an egress router facing subscribers. The two are bridged by a relay made of
// one pipe transport on each router, connected to each other once at creation.
// Producers published on the ingest router are admitted to the relay, which
// republishes them on the egress router under a new id; that relayed id is the
// one subscribers reference.
//
// The manager keeps two append-only indexes:
//
//	RouterPair:    ingest router id  -> egress router id
//	ProducerRoute: relayed producer id -> originating transport id
//
// ResolveEgressRouter walks producer -> transport -> ingest router -> egress router.
//
// Work on one relayed producer id is serialised: the route and the registry
// entries of an admission become visible together, and a lookup of that id
// waits for an admission or release in progress.
package topology

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/engine"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/registry"
	"github.com/moby/locker"
	"golang.org/x/sync/errgroup"
)

const defaultRelayListenIP = "127.0.0.1"

type Config struct {
	// MediaCodecs is the capability set of every router created.
	MediaCodecs []engine.RTPCodecCapability

	// RelayListenIP is the address both relay pipe transports bind to.
	RelayListenIP string
}

// Relay is the bridge between the two routers of a topology.
type Relay struct {
	Ingest engine.PipeTransport
	Egress engine.PipeTransport
}

// routerOwned is satisfied by every transport handle kept in the registry.
type routerOwned interface {
	RouterID() string
}

// producerRoute is where a relayed producer came from.
type producerRoute struct {
	transportID    string
	ingestRouterID string
}

type Manager struct {
	logger   *slog.Logger
	engine   engine.Engine
	registry *registry.Registry
	config   Config

	mu             sync.RWMutex
	pairs          map[string]string
	relays         map[string]*Relay
	routes         map[string]producerRoute
	routesByIngest map[string][]string

	// producers locks per relayed producer id.
	producers *locker.Locker
}

// Create a new topology Manager.
//
// Routers, relay transports and relayed producers are registered in reg.
// If no logger is given, slog.Default() is used.
func NewManager(eng engine.Engine, reg *registry.Registry, config Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if config.RelayListenIP == "" {
		config.RelayListenIP = defaultRelayListenIP
	}

	return &Manager{
		logger:         logger,
		engine:         eng,
		registry:       reg,
		config:         config,
		pairs:          make(map[string]string),
		relays:         make(map[string]*Relay),
		routes:         make(map[string]producerRoute),
		routesByIngest: make(map[string][]string),
		producers:      locker.New(),
	}
}

// CreateTopology allocates a fresh ingest/egress router pair, bridges them
// with a relay and returns the ingest router.
//
// Each call creates a new pair; callers that want reuse keep the returned router id.
// On failure everything created so far is closed again.
func (m *Manager) CreateTopology(ctx context.Context) (engine.Router, error) {
	var ingest, egress engine.Router

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		r, err := m.engine.CreateRouter(groupCtx, engine.RouterOptions{Plane: engine.PlaneIngest, MediaCodecs: m.config.MediaCodecs})
		if err != nil {
			return fmt.Errorf("create ingest router: %w", err)
		}
		ingest = r
		return nil
	})
	group.Go(func() error {
		r, err := m.engine.CreateRouter(groupCtx, engine.RouterOptions{Plane: engine.PlaneEgress, MediaCodecs: m.config.MediaCodecs})
		if err != nil {
			return fmt.Errorf("create egress router: %w", err)
		}
		egress = r
		return nil
	})
	if err := group.Wait(); err != nil {
		closeRouters(ingest, egress)
		m.logger.Error("error while creating router pair", "err", err)
		return nil, err
	}

	relay, err := m.bridge(ctx, ingest, egress)
	if err != nil {
		closeRouters(ingest, egress)
		m.logger.Error(
			"error while bridging router pair",
			"err", err,
			"ingestRouterID", ingest.ID(),
			"egressRouterID", egress.ID(),
		)
		return nil, err
	}

	if err := m.record(ingest, egress, relay); err != nil {
		closeRouters(ingest, egress)
		return nil, err
	}

	ingest.OnClose(func() { m.teardown(ingest.ID()) })
	egress.OnClose(func() { m.teardown(ingest.ID()) })

	m.logger.Info(
		"topology created",
		"ingestRouterID", ingest.ID(),
		"egressRouterID", egress.ID(),
		"ingestRelay", relay.Ingest.Tuple(),
		"egressRelay", relay.Egress.Tuple(),
	)
	return ingest, nil
}

// bridge creates one pipe transport per router and connects them to each other.
func (m *Manager) bridge(ctx context.Context, ingest, egress engine.Router) (*Relay, error) {
	options := engine.PipeTransportOptions{ListenIP: m.config.RelayListenIP}

	ingestPipe, err := ingest.CreatePipeTransport(ctx, options)
	if err != nil {
		return nil, fmt.Errorf("create ingest relay transport: %w", err)
	}
	egressPipe, err := egress.CreatePipeTransport(ctx, options)
	if err != nil {
		return nil, fmt.Errorf("create egress relay transport: %w", err)
	}

	if err := egressPipe.Connect(ctx, ingestPipe.Tuple()); err != nil {
		return nil, fmt.Errorf("connect egress relay transport: %w", err)
	}
	if err := ingestPipe.Connect(ctx, egressPipe.Tuple()); err != nil {
		return nil, fmt.Errorf("connect ingest relay transport: %w", err)
	}

	return &Relay{Ingest: ingestPipe, Egress: egressPipe}, nil
}

// record stores the pair and registers its entities. Pairs are never overwritten.
func (m *Manager) record(ingest, egress engine.Router, relay *Relay) error {
	m.mu.Lock()
	if _, ok := m.pairs[ingest.ID()]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPairExists, ingest.ID())
	}
	m.pairs[ingest.ID()] = egress.ID()
	m.relays[ingest.ID()] = relay
	m.mu.Unlock()

	puts := []struct {
		kind   registry.Kind
		id     string
		handle any
	}{
		{registry.KindRouter, ingest.ID(), ingest},
		{registry.KindRouter, egress.ID(), egress},
		{registry.KindTransport, relay.Ingest.ID(), relay.Ingest},
		{registry.KindTransport, relay.Egress.ID(), relay.Egress},
	}
	for _, p := range puts {
		if err := m.registry.Put(p.kind, p.id, p.handle); err != nil {
			m.forget(ingest.ID())
			m.registry.Remove(registry.KindRouter, ingest.ID())
			m.registry.Remove(registry.KindRouter, egress.ID())
			return err
		}
	}
	return nil
}

// ResolveEgressRouter returns the egress router able to serve consumers of producerID.
// Any missing link yields a *RoutingError.
func (m *Manager) ResolveEgressRouter(producerID string) (engine.Router, error) {
	m.producers.Lock(producerID)
	defer m.producers.Unlock(producerID)

	m.mu.RLock()
	route, ok := m.routes[producerID]
	m.mu.RUnlock()
	if !ok {
		return nil, &RoutingError{ProducerID: producerID, Link: "producer route", Err: ErrUnknownProducer}
	}

	transport, err := registry.Lookup[routerOwned](m.registry, registry.KindTransport, route.transportID)
	if err != nil {
		return nil, &RoutingError{ProducerID: producerID, Link: "originating transport", Err: err}
	}

	egress, err := m.EgressRouterFor(transport.RouterID())
	if err != nil {
		return nil, &RoutingError{ProducerID: producerID, Link: "router pair", Err: err}
	}
	return egress, nil
}

// EgressRouterFor follows RouterPair from an ingest router id.
func (m *Manager) EgressRouterFor(ingestRouterID string) (engine.Router, error) {
	m.mu.RLock()
	egressID, ok := m.pairs[ingestRouterID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRelayNotFound, ingestRouterID)
	}
	return registry.Lookup[engine.Router](m.registry, registry.KindRouter, egressID)
}

// Relay returns the bridge of the topology rooted at ingestRouterID.
func (m *Manager) Relay(ingestRouterID string) (*Relay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	relay, ok := m.relays[ingestRouterID]
	return relay, ok
}

// RouteOf returns the originating transport id recorded for a relayed producer.
func (m *Manager) RouteOf(producerID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	route, ok := m.routes[producerID]
	return route.transportID, ok
}

// AdmitProducerToRelay republishes producer on the egress router.
//
// A pipe consumer scoped to the producer is created on the ingest relay
// transport, then a producer with the same kind and the consumed RTP
// parameters is created on the egress relay transport, reusing the pipe
// consumer id. The returned relayed producer is recorded in ProducerRoute
// against originTransportID.
func (m *Manager) AdmitProducerToRelay(
	ctx context.Context,
	ingest engine.Router,
	egress engine.Router,
	producer engine.Producer,
	originTransportID string,
) (engine.Producer, error) {
	logger := m.logger.With(
		"producerID", producer.ID(),
		"ingestRouterID", ingest.ID(),
	)

	m.mu.RLock()
	pairedEgressID, paired := m.pairs[ingest.ID()]
	relay := m.relays[ingest.ID()]
	m.mu.RUnlock()
	if !paired || relay == nil {
		return nil, fmt.Errorf("%w: %s", ErrRelayNotFound, ingest.ID())
	}
	if pairedEgressID != egress.ID() {
		return nil, fmt.Errorf("topology: router %s is not paired with %s", egress.ID(), ingest.ID())
	}

	pipeConsumer, err := relay.Ingest.Consume(ctx, engine.ConsumerOptions{ProducerID: producer.ID()})
	if err != nil {
		logger.Error("error while consuming producer on ingest relay", "err", err)
		return nil, fmt.Errorf("relay consume: %w", err)
	}

	m.producers.Lock(pipeConsumer.ID())
	defer m.producers.Unlock(pipeConsumer.ID())

	relayed, err := relay.Egress.Produce(ctx, engine.ProducerOptions{
		ID:            pipeConsumer.ID(),
		Kind:          producer.Kind(),
		RTPParameters: pipeConsumer.RTPParameters(),
	})
	if err != nil {
		pipeConsumer.Close()
		logger.Error("error while producing on egress relay", "err", err)
		return nil, fmt.Errorf("relay produce: %w", err)
	}

	m.mu.Lock()
	if _, exists := m.routes[relayed.ID()]; exists {
		m.mu.Unlock()
		relayed.Close()
		pipeConsumer.Close()
		return nil, fmt.Errorf("%w: %s", ErrRouteExists, relayed.ID())
	}
	m.routes[relayed.ID()] = producerRoute{transportID: originTransportID, ingestRouterID: ingest.ID()}
	m.routesByIngest[ingest.ID()] = append(m.routesByIngest[ingest.ID()], relayed.ID())
	m.mu.Unlock()

	if err := m.registry.Put(registry.KindConsumer, pipeConsumer.ID(), pipeConsumer); err != nil {
		logger.Warn("relay consumer already registered", "err", err)
	}
	if err := m.registry.Put(registry.KindProducer, relayed.ID(), relayed); err != nil {
		logger.Warn("relayed producer already registered", "err", err)
	}

	logger.Debug(
		"producer admitted to relay",
		"relayedProducerID", relayed.ID(),
		"originTransportID", originTransportID,
	)
	return relayed, nil
}

// ReleaseRoute drops a relayed producer together with the pipe consumer
// feeding it, once the producer it relays is gone. Unknown ids are ignored.
func (m *Manager) ReleaseRoute(relayedProducerID string) {
	m.producers.Lock(relayedProducerID)
	defer m.producers.Unlock(relayedProducerID)

	m.mu.Lock()
	route, ok := m.routes[relayedProducerID]
	if ok {
		delete(m.routes, relayedProducerID)
		m.routesByIngest[route.ingestRouterID] = slices.DeleteFunc(
			m.routesByIngest[route.ingestRouterID],
			func(id string) bool { return id == relayedProducerID },
		)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if c, err := registry.Lookup[engine.Consumer](m.registry, registry.KindConsumer, relayedProducerID); err == nil {
		c.Close()
		m.registry.Remove(registry.KindConsumer, relayedProducerID)
	}
	if p, err := registry.Lookup[engine.Producer](m.registry, registry.KindProducer, relayedProducerID); err == nil {
		p.Close()
		m.registry.Remove(registry.KindProducer, relayedProducerID)
	}
	m.logger.Debug("producer route released", "relayedProducerID", relayedProducerID, "originTransportID", route.transportID)
}

// teardown drops a topology once either of its routers closes.
// The index entries are taken first so re-entrant close callbacks see nothing to do.
func (m *Manager) teardown(ingestRouterID string) {
	egressID, relay, ok := m.forget(ingestRouterID)
	if !ok {
		return
	}

	if relay != nil {
		relay.Ingest.Close()
		relay.Egress.Close()
	}
	for _, id := range []string{ingestRouterID, egressID} {
		if router, err := registry.Lookup[engine.Router](m.registry, registry.KindRouter, id); err == nil {
			m.registry.Remove(registry.KindRouter, id)
			router.Close()
		}
	}

	m.logger.Info("topology closed", "ingestRouterID", ingestRouterID, "egressRouterID", egressID)
}

// forget removes every index entry owned by the topology rooted at ingestRouterID,
// except the routers themselves, and returns what was removed.
func (m *Manager) forget(ingestRouterID string) (string, *Relay, bool) {
	m.mu.Lock()
	egressID, ok := m.pairs[ingestRouterID]
	relay := m.relays[ingestRouterID]
	relayed := m.routesByIngest[ingestRouterID]
	delete(m.pairs, ingestRouterID)
	delete(m.relays, ingestRouterID)
	delete(m.routesByIngest, ingestRouterID)
	for _, id := range relayed {
		delete(m.routes, id)
	}
	m.mu.Unlock()

	if !ok {
		return "", nil, false
	}
	for _, id := range relayed {
		m.registry.Remove(registry.KindProducer, id)
		m.registry.Remove(registry.KindConsumer, id)
	}
	if relay != nil {
		m.registry.Remove(registry.KindTransport, relay.Ingest.ID())
		m.registry.Remove(registry.KindTransport, relay.Egress.ID())
	}
	return egressID, relay, true
}

func closeRouters(routers ...engine.Router) {
	for _, r := range routers {
		if r != nil {
			r.Close()
		}
	}
}
