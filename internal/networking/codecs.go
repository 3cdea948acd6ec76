package networking

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/engine"
	"github.com/pion/webrtc/v4"
)

// First payload type handed out to router codecs. Dynamic payload types are 96-127.
const firstDynamicPayloadType = 100

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

var (
	// Define a mapping from string representation (e.g. for use in config files) to codec specification
	CodecMap map[string]webrtc.RTPCodecCapability = map[string]webrtc.RTPCodecCapability{
		"CodecOpus48000Stereo": {
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		"CodecOpus48000Mono": {
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  1,
		},
		"CodecVP8": {
			MimeType:     webrtc.MimeTypeVP8,
			ClockRate:    90000,
			SDPFmtpLine:  "x-google-start-bitrate=1000",
			RTCPFeedback: videoFeedback,
		},
		"CodecVP9": {
			MimeType:     webrtc.MimeTypeVP9,
			ClockRate:    90000,
			SDPFmtpLine:  "profile-id=0",
			RTCPFeedback: videoFeedback,
		},
		"CodecH264": {
			MimeType:     webrtc.MimeTypeH264,
			ClockRate:    90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: videoFeedback,
		},
	}
)

// RouterMediaCodecs converts configured codecs into the capabilities a router is
// created with. Payload types are assigned in order.
func RouterMediaCodecs(codecs []webrtc.RTPCodecCapability) ([]engine.RTPCodecCapability, error) {
	if len(codecs) == 0 {
		return nil, fmt.Errorf("networking: no media codecs configured")
	}

	out := make([]engine.RTPCodecCapability, 0, len(codecs))
	for i, codec := range codecs {
		kind, err := engine.MediaKindFromMimeType(codec.MimeType)
		if err != nil {
			return nil, err
		}
		pt := firstDynamicPayloadType + i
		if pt > 127 {
			return nil, fmt.Errorf("networking: too many media codecs (%d)", len(codecs))
		}

		capability := engine.RTPCodecCapability{
			Kind:                 kind,
			MimeType:             codec.MimeType,
			PreferredPayloadType: uint8(pt),
			ClockRate:            codec.ClockRate,
			Channels:             codec.Channels,
			Parameters:           ParseFmtpLine(codec.SDPFmtpLine),
		}
		for _, fb := range codec.RTCPFeedback {
			capability.RTCPFeedback = append(capability.RTCPFeedback, engine.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
		}
		out = append(out, capability)
	}
	return out, nil
}

// ParseFmtpLine splits an SDP fmtp line into parameters. Integer values are
// kept as ints so they serialize as JSON numbers.
func ParseFmtpLine(line string) map[string]any {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	params := make(map[string]any)
	for _, field := range strings.Split(line, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok || key == "" {
			continue
		}
		if n, err := strconv.Atoi(value); err == nil {
			params[key] = n
		} else {
			params[key] = value
		}
	}
	return params
}
