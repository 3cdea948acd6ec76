package signalling

import (
	"encoding/json"
	"fmt"
)

// Request names understood by the gateway.
const (
	EventGetRouterRtpCapabilities = "getRouterRtpCapabilities"
	EventCreateWebRtcTransport    = "createWebRtcTransport"
	EventConnectWebRtcTransport   = "connectWebRtcTransport"
	EventProduce                  = "produce"
	EventAddConsumer              = "addConsumer"
	EventCloseTransport           = "closeTransport"
)

// Status is the outcome carried by every reply.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// TransportRole selects which plane a WebRTC transport is created on.
type TransportRole string

const (
	TransportRoleProducer TransportRole = "producer"
	TransportRoleConsumer TransportRole = "consumer"
)

func ParseTransportRole(s string) (TransportRole, error) {
	switch TransportRole(s) {
	case TransportRoleProducer, TransportRoleConsumer:
		return TransportRole(s), nil
	default:
		return "", fmt.Errorf("signalling: unknown transport type %q", s)
	}
}

func (r *TransportRole) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	role, err := ParseTransportRole(s)
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// ErrorKind tells a client why a request failed. Older clients ignore it and
// only look at Status.
type ErrorKind string

const (
	ErrorKindBadRequest ErrorKind = "bad_request"
	ErrorKindNotFound   ErrorKind = "not_found"
	ErrorKindRouting    ErrorKind = "routing"
	ErrorKindConnect    ErrorKind = "connect"
	ErrorKindInternal   ErrorKind = "internal"
)

// FailureReply is the uniform reply of every failed request.
type FailureReply struct {
	Status Status    `json:"status"`
	Error  ErrorKind `json:"error,omitempty"`
}

func NewFailureReply(kind ErrorKind) FailureReply {
	return FailureReply{Status: StatusFailure, Error: kind}
}

// StatusReply is a reply without a body.
type StatusReply struct {
	Status Status    `json:"status"`
	Error  ErrorKind `json:"error,omitempty"`
}
