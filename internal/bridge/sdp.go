package bridge

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Minimal SDP offer/answer for a G.711 audio-only bridge, RFC 4566 subset.

// offer is what the bridge needs out of an inbound SDP: where to send RTP
// and which G.711 variant to use.
type offer struct {
	Address string
	Port    int
	Codec   Codec
	HasDTMF bool
}

// parseOffer extracts the audio endpoint and picks a codec from an SDP
// offer. PCMU is preferred when both variants are present.
func parseOffer(body []byte) (*offer, error) {
	text := strings.ReplaceAll(string(body), "\r\n", "\n")
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")

	o := &offer{Port: -1}
	inAudio := false
	for _, line := range lines {
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		switch line[0] {
		case 'c':
			fields := strings.Fields(line[2:])
			if len(fields) == 3 && (o.Address == "" || inAudio) {
				addr := fields[2]
				if idx := strings.Index(addr, "/"); idx >= 0 {
					addr = addr[:idx]
				}
				if net.ParseIP(addr) == nil {
					return nil, fmt.Errorf("invalid connection address %q", addr)
				}
				o.Address = addr
			}
		case 'm':
			fields := strings.Fields(line[2:])
			if len(fields) < 4 || fields[0] != "audio" {
				inAudio = false
				continue
			}
			inAudio = true
			port, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, fmt.Errorf("invalid audio port %q: %w", fields[1], err)
			}
			o.Port = port

			pcmu, pcma := false, false
			for _, f := range fields[3:] {
				switch f {
				case "0":
					pcmu = true
				case "8":
					pcma = true
				case "101":
					o.HasDTMF = true
				}
			}
			switch {
			case pcmu:
				o.Codec = CodecPCMU
			case pcma:
				o.Codec = CodecPCMA
			default:
				return nil, fmt.Errorf("offer carries no supported codec: %v", fields[3:])
			}
		}
	}

	if o.Port < 0 {
		return nil, fmt.Errorf("offer has no audio media line")
	}
	if o.Address == "" {
		return nil, fmt.Errorf("offer has no connection address")
	}
	return o, nil
}

// buildAnswer renders the SDP answer for the chosen codec with RFC 2833
// telephone-event support.
func buildAnswer(host string, rtpPort int, codec Codec) []byte {
	var b strings.Builder
	sessID := time.Now().Unix()
	fmt.Fprintf(&b, "v=0\r\n")
	fmt.Fprintf(&b, "o=carecall %d %d IN IP4 %s\r\n", sessID, sessID, host)
	fmt.Fprintf(&b, "s=carecall\r\n")
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", host)
	fmt.Fprintf(&b, "t=0 0\r\n")
	fmt.Fprintf(&b, "m=audio %d RTP/AVP %d %d\r\n", rtpPort, codec.PayloadType(), PayloadDTMF)
	if codec == CodecPCMA {
		fmt.Fprintf(&b, "a=rtpmap:8 PCMA/8000\r\n")
	} else {
		fmt.Fprintf(&b, "a=rtpmap:0 PCMU/8000\r\n")
	}
	fmt.Fprintf(&b, "a=rtpmap:%d telephone-event/8000\r\n", PayloadDTMF)
	fmt.Fprintf(&b, "a=fmtp:%d 0-15\r\n", PayloadDTMF)
	fmt.Fprintf(&b, "a=ptime:%d\r\n", FrameDuration)
	fmt.Fprintf(&b, "a=sendrecv\r\n")
	return []byte(b.String())
}
