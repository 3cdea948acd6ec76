package signalling

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/engine"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/pipeline"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/registry"
	protocol "github.com/Honorable-Knights-of-the-Roundtable/relaygate/pkg/signalling"
)

// State is the lifecycle state of a WebRTC transport as seen by the protocol.
type State int

const (
	StateCreated State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type closer interface {
	Close() error
}

// ownedEntity is a registered handle whose lifetime ends with the session.
type ownedEntity struct {
	kind   registry.Kind
	id     string
	handle closer
}

// session is the handler's view of one WebRTC transport and everything hanging
// off it: the raw-media transport of producer transports, producers, consumers
// and pipelines. It is what the registry stores under the transport id.
type session struct {
	logger    *slog.Logger
	peer      protocol.PeerIdentifier
	role      protocol.TransportRole
	transport engine.WebRTCTransport
	raw       engine.PlainTransport

	mu        sync.Mutex
	state     State
	owned     []ownedEntity
	pipelines []pipeline.Pipeline

	// onTeardown runs once, after every owned resource was released.
	onTeardown func(s *session, owned []ownedEntity)
}

func newSession(
	logger *slog.Logger,
	peer protocol.PeerIdentifier,
	role protocol.TransportRole,
	transport engine.WebRTCTransport,
	raw engine.PlainTransport,
	onTeardown func(*session, []ownedEntity),
) *session {
	return &session{
		logger:     logger,
		peer:       peer,
		role:       role,
		transport:  transport,
		raw:        raw,
		state:      StateCreated,
		onTeardown: onTeardown,
	}
}

func (s *session) ID() string       { return s.transport.ID() }
func (s *session) RouterID() string { return s.transport.RouterID() }

func (s *session) rawID() string {
	if s.raw == nil {
		return ""
	}
	return s.raw.ID()
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// beginConnect moves created -> connecting. Any other state refuses the request.
func (s *session) beginConnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return &ConnectError{TransportID: s.ID(), State: s.state, Err: engine.ErrAlreadyConnected}
	}
	s.state = StateConnecting
	return nil
}

// finishConnect moves connecting -> connected. It fails when the transport
// closed while negotiating.
func (s *session) finishConnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return &ConnectError{TransportID: s.ID(), State: s.state, Err: engine.ErrTransportClosed}
	}
	s.state = StateConnected
	return nil
}

// own ties the lifetime of a registered handle to the session. It reports
// false, and leaves the handle alone, if the session already closed.
func (s *session) own(kind registry.Kind, id string, c closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.owned = append(s.owned, ownedEntity{kind: kind, id: id, handle: c})
	return true
}

// attachPipeline hands p to the session, which stops it on close. If the
// session already closed, p is stopped right away.
func (s *session) attachPipeline(p pipeline.Pipeline) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		p.Stop()
		return false
	}
	s.pipelines = append(s.pipelines, p)
	s.mu.Unlock()
	return true
}

// close moves any state to closed and releases everything exactly once.
// Closing the engine transport fires its close callback, which lands here
// again and returns early.
func (s *session) close(reason engine.CloseReason) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	previous := s.state
	s.state = StateClosed
	owned := s.owned
	pipelines := s.pipelines
	s.owned = nil
	s.pipelines = nil
	s.mu.Unlock()

	s.logger.Info("transport closed", "reason", reason, "previousState", previous)

	for _, p := range pipelines {
		if err := p.Stop(); err != nil {
			s.logger.Error("error while stopping pipeline", "err", err)
		}
	}
	for i := len(owned) - 1; i >= 0; i-- {
		owned[i].handle.Close()
	}
	if s.raw != nil {
		s.raw.Close()
	}
	s.transport.Close()

	if s.onTeardown != nil {
		s.onTeardown(s, owned)
	}
}
