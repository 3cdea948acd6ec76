package topology

import (
	"errors"
	"fmt"
)

var (
	ErrRouting         = errors.New("topology: no egress router resolvable")
	ErrPairExists      = errors.New("topology: router pair already recorded")
	ErrRouteExists     = errors.New("topology: producer route already recorded")
	ErrRelayNotFound   = errors.New("topology: no relay bridge for router")
	ErrUnknownProducer = errors.New("topology: producer has no route")
)

// RoutingError reports a broken link in the producer -> transport -> ingest
// router -> egress router chain. It is distinct from registry.NotFoundError so
// callers can answer "stream not available" rather than "bad request".
type RoutingError struct {
	ProducerID string
	// Link names the step of the chain that could not be followed.
	Link string
	Err  error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("topology: cannot route producer %q at %s: %v", e.ProducerID, e.Link, e.Err)
}

func (e *RoutingError) Unwrap() error {
	return e.Err
}

func (e *RoutingError) Is(target error) bool {
	return target == ErrRouting
}
