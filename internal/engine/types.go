package engine

import (
	"fmt"
	"strings"
)

// MediaKind is the kind of media carried by a producer or consumer.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// ParseMediaKind validates a kind received from a remote peer.
func ParseMediaKind(s string) (MediaKind, error) {
	switch MediaKind(s) {
	case MediaKindAudio, MediaKindVideo:
		return MediaKind(s), nil
	default:
		return "", fmt.Errorf("engine: unknown media kind %q", s)
	}
}

// MediaKindFromMimeType returns the kind encoded in the type part of a mime type, e.g. "video/VP8".
func MediaKindFromMimeType(mimeType string) (MediaKind, error) {
	kind, _, ok := strings.Cut(mimeType, "/")
	if !ok {
		return "", fmt.Errorf("engine: malformed mime type %q", mimeType)
	}
	return ParseMediaKind(strings.ToLower(kind))
}

// Plane tags which side of the dual-router topology a router serves.
type Plane string

const (
	// PlaneIngest routers face publishing clients.
	PlaneIngest Plane = "ingest"
	// PlaneEgress routers face subscribing clients and are fed by the relay.
	PlaneEgress Plane = "egress"
)

// CloseReason describes why a transport closed.
type CloseReason int

const (
	// CloseReasonExplicit is a Close call made by the application.
	CloseReasonExplicit CloseReason = iota
	// CloseReasonDTLSClosed means the remote peer closed the DTLS association.
	CloseReasonDTLSClosed
	// CloseReasonDTLSFailed means DTLS negotiation failed.
	CloseReasonDTLSFailed
	// CloseReasonRouterClosed means the owning router was closed.
	CloseReasonRouterClosed
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonExplicit:
		return "explicit"
	case CloseReasonDTLSClosed:
		return "dtls closed"
	case CloseReasonDTLSFailed:
		return "dtls failed"
	case CloseReasonRouterClosed:
		return "router closed"
	default:
		return fmt.Sprintf("CloseReason(%d)", int(r))
	}
}

// --------------------------------------------------------------------------------
// RTP capabilities and parameters

type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RTPCodecCapability is one codec a router is able to switch.
type RTPCodecCapability struct {
	Kind                 MediaKind      `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RTCPFeedback         []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

type RTPHeaderExtension struct {
	Kind        MediaKind `json:"kind,omitempty"`
	URI         string    `json:"uri"`
	PreferredID int       `json:"preferredId"`
}

// RTPCapabilities is the capability set advertised by a router or by a receiving endpoint.
type RTPCapabilities struct {
	Codecs           []RTPCodecCapability `json:"codecs"`
	HeaderExtensions []RTPHeaderExtension `json:"headerExtensions"`
}

// FindCodec returns the first codec matching mimeType, ignoring case.
func (c RTPCapabilities) FindCodec(mimeType string) (RTPCodecCapability, bool) {
	for _, codec := range c.Codecs {
		if strings.EqualFold(codec.MimeType, mimeType) {
			return codec, true
		}
	}
	return RTPCodecCapability{}, false
}

type RTPCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RTCPFeedback []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

type RTPHeaderExtensionParameters struct {
	URI string `json:"uri"`
	ID  int    `json:"id"`
}

type RTPEncodingParameters struct {
	SSRC uint32 `json:"ssrc,omitempty"`
	RID  string `json:"rid,omitempty"`
}

type RTCPParameters struct {
	CNAME       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

// RTPParameters describe a single sent or received stream.
type RTPParameters struct {
	MID              string                         `json:"mid,omitempty"`
	Codecs           []RTPCodecParameters           `json:"codecs"`
	HeaderExtensions []RTPHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RTPEncodingParameters        `json:"encodings,omitempty"`
	RTCP             RTCPParameters                 `json:"rtcp"`
}

// PrimaryCodec returns the first codec. Parameters without a codec are invalid.
func (p RTPParameters) PrimaryCodec() (RTPCodecParameters, error) {
	if len(p.Codecs) == 0 {
		return RTPCodecParameters{}, ErrNoCodec
	}
	return p.Codecs[0], nil
}

// SSRC returns the SSRC of the first encoding, or zero.
func (p RTPParameters) SSRC() uint32 {
	if len(p.Encodings) == 0 {
		return 0
	}
	return p.Encodings[0].SSRC
}

// Clone returns a deep copy so parameters handed across the relay cannot alias.
func (p RTPParameters) Clone() RTPParameters {
	out := RTPParameters{
		MID:  p.MID,
		RTCP: p.RTCP,
	}
	if p.Codecs != nil {
		out.Codecs = make([]RTPCodecParameters, len(p.Codecs))
		for i, c := range p.Codecs {
			out.Codecs[i] = c
			if c.Parameters != nil {
				out.Codecs[i].Parameters = make(map[string]any, len(c.Parameters))
				for k, v := range c.Parameters {
					out.Codecs[i].Parameters[k] = v
				}
			}
			if c.RTCPFeedback != nil {
				out.Codecs[i].RTCPFeedback = append([]RTCPFeedback(nil), c.RTCPFeedback...)
			}
		}
	}
	if p.HeaderExtensions != nil {
		out.HeaderExtensions = append([]RTPHeaderExtensionParameters(nil), p.HeaderExtensions...)
	}
	if p.Encodings != nil {
		out.Encodings = append([]RTPEncodingParameters(nil), p.Encodings...)
	}
	return out
}

// --------------------------------------------------------------------------------
// Transport negotiation parameters

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// DTLSParameters are the security parameters exchanged during connect.
type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// WebRTCTransportParameters are returned to the remote peer so it can build its side of the transport.
type WebRTCTransportParameters struct {
	ID             string         `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

// ConnectParameters carries the remote side of a WebRTC transport.
// ICE parameters are optional for engines running ICE-lite.
type ConnectParameters struct {
	DTLSParameters DTLSParameters
	ICEParameters  *ICEParameters
	ICECandidates  []ICECandidate
}

// Tuple is a local or remote UDP address of a pipe or plain transport.
type Tuple struct {
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}
