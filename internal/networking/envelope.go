package networking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/pkg/signalling"
)

// DefaultRequestTimeout bounds how long a client waits for an acknowledgment.
const DefaultRequestTimeout = 1000 * time.Millisecond

var (
	ErrTimeout      = errors.New("networking: request timed out")
	ErrClientClosed = errors.New("networking: client closed")
)

// Envelope is the frame exchanged on the duplex channel.
//
// A request carries an Event, its payload in Data and a non-zero ID.
// The acknowledgment echoes the ID with Ack set and the reply in Data.
// A request with ID zero expects no acknowledgment.
type Envelope struct {
	ID    uint64          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Ack   bool            `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TimeoutError is observed by clients only: the server keeps working on the
// request and its late reply is dropped.
type TimeoutError struct {
	Event   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("networking: no reply to %q within %s", e.Event, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Response is what a Dispatcher produces for one request.
type Response struct {
	// Reply is JSON encoded into the acknowledgment.
	Reply any

	// After, when set, runs once the acknowledgment was handed to the channel,
	// whether or not it could be delivered.
	After func(ctx context.Context)
}

// Dispatcher is the request/response contract the gateway serves.
// It knows nothing about the channel carrying the requests.
type Dispatcher interface {
	HandleRequest(ctx context.Context, peer signalling.PeerIdentifier, event string, data json.RawMessage) Response
	OnDisconnect(peer signalling.PeerIdentifier)
}
