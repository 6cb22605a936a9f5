package bridge

import (
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pion/rtp"
)

func TestParseOffer(t *testing.T) {
	tests := []struct {
		name      string
		sdp       string
		wantCodec Codec
		wantPort  int
		wantErr   bool
	}{
		{
			name: "pcmu preferred over pcma",
			sdp: "v=0\r\no=- 1 1 IN IP4 10.0.0.5\r\ns=-\r\nc=IN IP4 10.0.0.5\r\nt=0 0\r\n" +
				"m=audio 14000 RTP/AVP 8 0 101\r\na=rtpmap:0 PCMU/8000\r\na=rtpmap:8 PCMA/8000\r\n",
			wantCodec: CodecPCMU,
			wantPort:  14000,
		},
		{
			name: "pcma only",
			sdp: "v=0\r\no=- 1 1 IN IP4 10.0.0.5\r\ns=-\r\nc=IN IP4 10.0.0.5\r\nt=0 0\r\n" +
				"m=audio 14002 RTP/AVP 8\r\n",
			wantCodec: CodecPCMA,
			wantPort:  14002,
		},
		{
			name: "no supported codec",
			sdp: "v=0\r\no=- 1 1 IN IP4 10.0.0.5\r\ns=-\r\nc=IN IP4 10.0.0.5\r\nt=0 0\r\n" +
				"m=audio 14000 RTP/AVP 111\r\n",
			wantErr: true,
		},
		{
			name:    "no audio media",
			sdp:     "v=0\r\no=- 1 1 IN IP4 10.0.0.5\r\ns=-\r\nc=IN IP4 10.0.0.5\r\nt=0 0\r\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := parseOffer([]byte(tt.sdp))
			if tt.wantErr {
				if err == nil {
					t.Fatal("parseOffer() succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseOffer() error: %v", err)
			}
			if o.Codec != tt.wantCodec || o.Port != tt.wantPort || o.Address != "10.0.0.5" {
				t.Errorf("offer = (%v, %d, %q), want (%v, %d, 10.0.0.5)",
					o.Codec, o.Port, o.Address, tt.wantCodec, tt.wantPort)
			}
		})
	}
}

func TestBuildAnswer(t *testing.T) {
	answer := string(buildAnswer("203.0.113.9", 14000, CodecPCMU))
	for _, want := range []string{
		"c=IN IP4 203.0.113.9",
		"m=audio 14000 RTP/AVP 0 101",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:101 telephone-event/8000",
		"a=ptime:20",
	} {
		if !strings.Contains(answer, want) {
			t.Errorf("answer missing %q:\n%s", want, answer)
		}
	}
}

func TestPortAllocator(t *testing.T) {
	a := newPortAllocator(10000, 10006)

	var got []int
	for i := 0; i < 4; i++ {
		p, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate() error: %v", err)
		}
		if p%2 != 0 || p < 10000 || p > 10006 {
			t.Errorf("allocated %d, want even port in range", p)
		}
		got = append(got, p)
	}
	if _, err := a.Allocate(); err == nil {
		t.Error("Allocate() on exhausted range succeeded")
	}

	a.Release(got[0])
	p, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate() after release error: %v", err)
	}
	if p != got[0] {
		t.Errorf("reallocated %d, want released port %d", p, got[0])
	}
}

func TestCodecSilence(t *testing.T) {
	u := CodecPCMU.SilenceFrame()
	if len(u) != FrameSamples || u[0] != 0xFF {
		t.Errorf("pcmu silence = (%d, %#x), want (%d, 0xff)", len(u), u[0], FrameSamples)
	}
	a := CodecPCMA.SilenceFrame()
	if len(a) != FrameSamples || a[0] != 0xD5 {
		t.Errorf("pcma silence = (%d, %#x), want (%d, 0xd5)", len(a), a[0], FrameSamples)
	}
}

func TestCodecTranscode(t *testing.T) {
	payload := CodecPCMU.SilenceFrame()
	pcm := CodecPCMU.DecodePCM(payload)
	if len(pcm) != 2*FrameSamples {
		t.Fatalf("decoded %d bytes, want %d", len(pcm), 2*FrameSamples)
	}
	back := CodecPCMU.EncodePCM(pcm)
	if len(back) != FrameSamples {
		t.Fatalf("re-encoded %d bytes, want %d", len(back), FrameSamples)
	}
}

func testChannel(t *testing.T) (*Channel, *net.UDPConn) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("binding channel socket: %v", err)
	}
	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("binding peer socket: %v", err)
	}
	t.Cleanup(func() { peer.Close() })

	remote := peer.LocalAddr().(*net.UDPAddr)
	ch := newChannel("chan-1", "CA42", 7, CodecPCMU, conn, remote,
		conn.LocalAddr().(*net.UDPAddr).Port, "sip-call-1", slog.Default())
	return ch, peer
}

func TestChannelOutboundQueueDropsOldest(t *testing.T) {
	ch, _ := testChannel(t)
	defer ch.close()

	for i := 0; i < outboundBuffer+5; i++ {
		if err := ch.Write([]byte{byte(i)}); err != nil {
			t.Fatalf("Write() error: %v", err)
		}
	}
	if ch.Dropped() != 5 {
		t.Errorf("dropped = %d, want 5", ch.Dropped())
	}

	// The oldest frames were displaced; the head of the queue moved on.
	first := <-ch.outbound
	if first[0] != 5 {
		t.Errorf("queue head = %d, want 5", first[0])
	}

	flushed := ch.FlushOutbound()
	if flushed != outboundBuffer-1 {
		t.Errorf("FlushOutbound() = %d, want %d", flushed, outboundBuffer-1)
	}
}

func TestChannelReceivesAudioAndDTMF(t *testing.T) {
	ch, peer := testChannel(t)
	ch.start()
	defer ch.close()

	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: ch.port}
	send := func(pt uint8, payload []byte, seq uint16) {
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version: 2, PayloadType: pt, SequenceNumber: seq,
				Timestamp: uint32(seq) * FrameSamples, SSRC: 0x1234,
			},
			Payload: payload,
		}
		data, err := pkt.Marshal()
		if err != nil {
			t.Fatalf("marshalling rtp: %v", err)
		}
		if _, err := peer.WriteToUDP(data, dest); err != nil {
			t.Fatalf("sending rtp: %v", err)
		}
	}

	send(PayloadPCMU, CodecPCMU.SilenceFrame(), 1)
	select {
	case frame := <-ch.Frames():
		if len(frame) != FrameSamples {
			t.Errorf("frame length = %d, want %d", len(frame), FrameSamples)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no audio frame delivered")
	}

	// DTMF digit 5: start packet then end packet. Only the end emits.
	send(PayloadDTMF, []byte{5, 0x0A, 0x00, 0xA0}, 2)
	send(PayloadDTMF, []byte{5, 0x8A, 0x03, 0x20}, 3)
	select {
	case digit := <-ch.DTMF():
		if digit != "5" {
			t.Errorf("digit = %q, want 5", digit)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no dtmf digit delivered")
	}

	if ch.LastActivity().IsZero() {
		t.Error("LastActivity not updated")
	}
}
