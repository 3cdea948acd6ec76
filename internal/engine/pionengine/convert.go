package pionengine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/engine"
	"github.com/pion/webrtc/v4"
)

func codecType(kind engine.MediaKind) webrtc.RTPCodecType {
	if kind == engine.MediaKindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

// formatFmtpLine renders codec parameters in a stable order.
func formatFmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]string, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(fields, ";")
}

func toWebRTCCodec(c engine.RTPCodecCapability) webrtc.RTPCodecParameters {
	feedback := make([]webrtc.RTCPFeedback, 0, len(c.RTCPFeedback))
	for _, fb := range c.RTCPFeedback {
		feedback = append(feedback, webrtc.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
	}
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			SDPFmtpLine:  formatFmtpLine(c.Parameters),
			RTCPFeedback: feedback,
		},
		PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
	}
}

func fromWebRTCCandidate(c webrtc.ICECandidate) engine.ICECandidate {
	return engine.ICECandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		IP:         c.Address,
		Protocol:   c.Protocol.String(),
		Port:       c.Port,
		Type:       c.Typ.String(),
		TCPType:    c.TCPType,
	}
}

func toWebRTCCandidate(c engine.ICECandidate) (webrtc.ICECandidate, error) {
	protocol, err := webrtc.NewICEProtocol(c.Protocol)
	if err != nil {
		return webrtc.ICECandidate{}, err
	}
	typ, err := webrtc.NewICECandidateType(c.Type)
	if err != nil {
		return webrtc.ICECandidate{}, err
	}
	return webrtc.ICECandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		Address:    c.IP,
		Protocol:   protocol,
		Port:       c.Port,
		Typ:        typ,
		TCPType:    c.TCPType,
		Component:  1,
	}, nil
}

func fromWebRTCDTLS(p webrtc.DTLSParameters) engine.DTLSParameters {
	out := engine.DTLSParameters{Role: p.Role.String()}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, engine.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

func parseDTLSRole(role string) (webrtc.DTLSRole, error) {
	switch strings.ToLower(role) {
	case "", "auto":
		return webrtc.DTLSRoleAuto, nil
	case "client":
		return webrtc.DTLSRoleClient, nil
	case "server":
		return webrtc.DTLSRoleServer, nil
	default:
		return 0, fmt.Errorf("pionengine: unknown dtls role %q", role)
	}
}

func toWebRTCDTLS(p engine.DTLSParameters) (webrtc.DTLSParameters, error) {
	if len(p.Fingerprints) == 0 {
		return webrtc.DTLSParameters{}, ErrNoFingerprint
	}
	role, err := parseDTLSRole(p.Role)
	if err != nil {
		return webrtc.DTLSParameters{}, err
	}
	out := webrtc.DTLSParameters{Role: role}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out, nil
}
