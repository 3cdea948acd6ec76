package signalling

import (
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/engine"
	protocol "github.com/Honorable-Knights-of-the-Roundtable/relaygate/pkg/signalling"
)

type GetRouterRtpCapabilitiesRequest struct {
	ProducerID string `json:"producerId,omitempty"`
}

type GetRouterRtpCapabilitiesReply struct {
	Status                protocol.Status        `json:"status"`
	RouterID              string                 `json:"routerId"`
	RouterRtpCapabilities engine.RTPCapabilities `json:"routerRtpCapabilities"`
}

type CreateWebRtcTransportRequest struct {
	RouterID string                 `json:"routerId"`
	Type     protocol.TransportRole `json:"type"`
}

type CreateWebRtcTransportReply struct {
	Status          protocol.Status                  `json:"status"`
	TransportParams engine.WebRTCTransportParameters `json:"transportParams"`
	// RtpTransportID is the raw-media transport created alongside producer transports.
	RtpTransportID string `json:"rtpTransportId,omitempty"`
}

type ConnectWebRtcTransportRequest struct {
	TransportID    string                `json:"transportId"`
	DtlsParameters engine.DTLSParameters `json:"dtlsParameters"`
	IceParameters  *engine.ICEParameters `json:"iceParameters,omitempty"`
	IceCandidates  []engine.ICECandidate `json:"iceCandidates,omitempty"`
}

type ProduceRequest struct {
	TransportID    string               `json:"transportId"`
	RtpTransportID string               `json:"rtpTransportId"`
	Kind           string               `json:"kind"`
	RtpParameters  engine.RTPParameters `json:"rtpParameters"`
}

type ProduceReply struct {
	Status protocol.Status `json:"status"`
	// ID is the relayed producer id subscribers must reference.
	ID string `json:"id"`
}

type AddConsumerRequest struct {
	TransportID           string                 `json:"transportId"`
	ProducerID            string                 `json:"producerId"`
	RouterRtpCapabilities engine.RTPCapabilities `json:"routerRtpCapabilities"`
}

type ConsumerParameters struct {
	ID            string               `json:"id"`
	Kind          engine.MediaKind     `json:"kind"`
	RtpParameters engine.RTPParameters `json:"rtpParameters"`
	ProducerID    string               `json:"producerId"`
}

// AddConsumerReply carries the status twice. Deployed clients read the
// capitalised key, everything else reads the lower case one.
type AddConsumerReply struct {
	Status       protocol.Status    `json:"status"`
	LegacyStatus protocol.Status    `json:"Status"`
	Consumer     ConsumerParameters `json:"consumer"`
}

type CloseTransportRequest struct {
	TransportID string `json:"transportId"`
}
