package signalling

import (
	"errors"
	"fmt"

	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/engine"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/registry"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/topology"
	protocol "github.com/Honorable-Knights-of-the-Roundtable/relaygate/pkg/signalling"
)

var (
	ErrConnect          = errors.New("signalling: transport negotiation failed")
	ErrBadRequest       = errors.New("signalling: bad request")
	ErrUnknownEvent     = errors.New("signalling: unknown event")
	ErrWrongPlane       = errors.New("signalling: router does not serve this transport type")
	ErrPeerDisconnected = errors.New("signalling: peer disconnected")
)

// ConnectError is returned when a connect request cannot drive the transport
// to connected. The transport is closed by the time the error is returned,
// except when the request was refused because of the transport's state.
type ConnectError struct {
	TransportID string
	State       State
	Err         error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("signalling: cannot connect transport %q in state %s: %v", e.TransportID, e.State, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

func (e *ConnectError) Is(target error) bool {
	return target == ErrConnect
}

// BadRequestError reports a payload that could not be decoded or validated.
type BadRequestError struct {
	Event  string
	Reason string
	Err    error
}

func (e *BadRequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signalling: bad %s request: %s: %v", e.Event, e.Reason, e.Err)
	}
	return fmt.Sprintf("signalling: bad %s request: %s", e.Event, e.Reason)
}

func (e *BadRequestError) Unwrap() error {
	return e.Err
}

func (e *BadRequestError) Is(target error) bool {
	return target == ErrBadRequest
}

func badRequest(event, reason string, err error) error {
	return &BadRequestError{Event: event, Reason: reason, Err: err}
}

// errorKind classifies err for the failure reply.
// Routing errors wrap registry misses, so they are checked first.
func errorKind(err error) protocol.ErrorKind {
	switch {
	case errors.Is(err, engine.ErrICEParametersRequired):
		return protocol.ErrorKindBadRequest
	case errors.Is(err, topology.ErrRouting), errors.Is(err, topology.ErrRelayNotFound):
		return protocol.ErrorKindRouting
	case errors.Is(err, ErrConnect):
		return protocol.ErrorKindConnect
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, ErrUnknownEvent),
		errors.Is(err, registry.ErrWrongType),
		errors.Is(err, engine.ErrCodecMismatch),
		errors.Is(err, engine.ErrNoCodec):
		return protocol.ErrorKindBadRequest
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, engine.ErrProducerNotFound),
		errors.Is(err, ErrWrongPlane):
		return protocol.ErrorKindNotFound
	default:
		return protocol.ErrorKindInternal
	}
}
