package bridge

import (
	"fmt"

	"github.com/zaf/g711"
)

// G.711 at 8 kHz, 20 ms frames: 160 payload bytes per packet.
const (
	SampleRate     = 8000
	FrameDuration  = 20 // ms
	FrameSamples   = SampleRate * FrameDuration / 1000
	PayloadPCMU    = 0
	PayloadPCMA    = 8
	PayloadDTMF    = 101 // RFC 2833 telephone-event
	silencePCMU    = 0xFF
	silencePCMA    = 0xD5
)

// Codec identifies the negotiated G.711 variant of a channel.
type Codec int

const (
	CodecPCMU Codec = iota
	CodecPCMA
)

func (c Codec) String() string {
	if c == CodecPCMA {
		return "PCMA"
	}
	return "PCMU"
}

// PayloadType returns the static RTP payload type for the codec.
func (c Codec) PayloadType() uint8 {
	if c == CodecPCMA {
		return PayloadPCMA
	}
	return PayloadPCMU
}

// SilenceFrame returns one frame of codec-correct silence. Injected on the
// outbound leg when the jitter queue underruns so the RTP clock never stalls.
func (c Codec) SilenceFrame() []byte {
	fill := byte(silencePCMU)
	if c == CodecPCMA {
		fill = silencePCMA
	}
	frame := make([]byte, FrameSamples)
	for i := range frame {
		frame[i] = fill
	}
	return frame
}

// DecodePCM expands a G.711 payload to 16-bit little-endian linear PCM.
func (c Codec) DecodePCM(payload []byte) []byte {
	if c == CodecPCMA {
		return g711.DecodeAlaw(payload)
	}
	return g711.DecodeUlaw(payload)
}

// EncodePCM compresses 16-bit little-endian linear PCM to a G.711 payload.
func (c Codec) EncodePCM(pcm []byte) []byte {
	if c == CodecPCMA {
		return g711.EncodeAlaw(pcm)
	}
	return g711.EncodeUlaw(pcm)
}

// codecByPayloadType maps a negotiated payload type back to a Codec.
func codecByPayloadType(pt int) (Codec, error) {
	switch pt {
	case PayloadPCMU:
		return CodecPCMU, nil
	case PayloadPCMA:
		return CodecPCMA, nil
	}
	return 0, fmt.Errorf("unsupported payload type %d", pt)
}
