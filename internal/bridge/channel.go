package bridge

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

const (
	// Inbound frames are handed over on a 1-frame buffer: a slow consumer
	// drops audio rather than building latency.
	inboundBuffer = 1

	// Outbound jitter queue. The AI session can burst faster than the 20 ms
	// clock drains; two seconds of audio absorbs that.
	outboundBuffer = 100

	readTimeout = 100 * time.Millisecond
)

// Channel is one live media leg between the provider and this bridge. Audio
// flows as G.711 payloads; transcoding to PCM happens at the edges via the
// Codec helpers.
type Channel struct {
	ID        string
	CallSid   string
	PatientID int64
	Codec     Codec

	conn      *net.UDPConn
	remote    atomic.Pointer[net.UDPAddr]
	port      int
	sipCallID string

	frames   chan []byte
	outbound chan []byte
	dtmf     chan string
	pcmRem   []byte // partial outbound frame between WritePCM calls

	dropped      atomic.Uint64
	silenceSent  atomic.Uint64
	lastActivity atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
	logger    *slog.Logger
}

func newChannel(id, callSid string, patientID int64, codec Codec, conn *net.UDPConn, remote *net.UDPAddr, port int, sipCallID string, logger *slog.Logger) *Channel {
	ch := &Channel{
		ID:        id,
		CallSid:   callSid,
		PatientID: patientID,
		Codec:     codec,
		conn:      conn,
		port:      port,
		sipCallID: sipCallID,
		frames:    make(chan []byte, inboundBuffer),
		outbound:  make(chan []byte, outboundBuffer),
		dtmf:      make(chan string, 16),
		closed:    make(chan struct{}),
		logger:    logger.With("channel_id", id, "call_sid", callSid),
	}
	ch.remote.Store(remote)
	ch.lastActivity.Store(time.Now().UnixNano())
	return ch
}

// start launches the read and write loops.
func (c *Channel) start() {
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
}

// Frames returns the inbound audio payload stream.
func (c *Channel) Frames() <-chan []byte {
	return c.frames
}

// DTMF returns the stream of detected digits.
func (c *Channel) DTMF() <-chan string {
	return c.dtmf
}

// Done is closed when the channel has been torn down.
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}

// Write queues one G.711 payload for the paced outbound leg. When the
// jitter queue is full the oldest frame is displaced so fresh audio wins.
func (c *Channel) Write(payload []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	for {
		select {
		case c.outbound <- payload:
			return nil
		default:
			select {
			case <-c.outbound:
				c.dropped.Add(1)
			default:
			}
		}
	}
}

// WritePCM transcodes raw PCM16LE to the channel codec and queues it in
// 20 ms frames. Leftover samples shorter than a frame are buffered until
// the next call. Single-writer: only the call's orchestrator goroutine
// may call this.
func (c *Channel) WritePCM(pcm []byte) error {
	c.pcmRem = append(c.pcmRem, pcm...)
	for len(c.pcmRem) >= 2*FrameSamples {
		payload := c.Codec.EncodePCM(c.pcmRem[:2*FrameSamples])
		c.pcmRem = c.pcmRem[2*FrameSamples:]
		if err := c.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// PCM decodes one inbound G.711 payload to raw PCM16LE.
func (c *Channel) PCM(frame []byte) []byte {
	return c.Codec.DecodePCM(frame)
}

// FlushOutbound discards all queued outbound audio. Called on barge-in so
// the patient does not hear the rest of an interrupted response.
func (c *Channel) FlushOutbound() int {
	n := 0
	for {
		select {
		case <-c.outbound:
			n++
		default:
			return n
		}
	}
}

// LastActivity returns when the last RTP packet arrived from the remote.
// The orchestrator's silence detection is driven from this.
func (c *Channel) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Dropped returns the count of frames discarded on either leg.
func (c *Channel) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *Channel) readLoop() {
	defer c.wg.Done()

	buf := make([]byte, 1500)
	inDTMF := false
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, srcAddr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			select {
			case <-c.closed:
			default:
				c.logger.Debug("rtp read error", "error", err)
			}
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			c.dropped.Add(1)
			continue
		}

		// Symmetric RTP: the real post-NAT source wins over the SDP address.
		if old := c.remote.Load(); !old.IP.Equal(srcAddr.IP) || old.Port != srcAddr.Port {
			c.remote.Store(srcAddr)
			c.logger.Debug("learned remote rtp address", "addr", srcAddr.String())
		}

		c.lastActivity.Store(time.Now().UnixNano())

		switch pkt.PayloadType {
		case PayloadDTMF:
			if len(pkt.Payload) < 4 {
				continue
			}
			end := pkt.Payload[1]&0x80 != 0
			if end && !inDTMF {
				continue
			}
			if !end {
				inDTMF = true
				continue
			}
			inDTMF = false
			select {
			case c.dtmf <- dtmfName(pkt.Payload[0]):
			default:
			}

		case c.Codec.PayloadType():
			payload := make([]byte, len(pkt.Payload))
			copy(payload, pkt.Payload)
			select {
			case c.frames <- payload:
			default:
				c.dropped.Add(1)
			}

		default:
			c.dropped.Add(1)
		}
	}
}

func (c *Channel) writeLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(FrameDuration * time.Millisecond)
	defer ticker.Stop()

	seq := uint16(time.Now().UnixNano())
	ts := uint32(time.Now().UnixNano())
	ssrc := uint32(time.Now().UnixNano() >> 16)
	silence := c.Codec.SilenceFrame()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
		}

		var payload []byte
		select {
		case payload = <-c.outbound:
		default:
			payload = silence
			c.silenceSent.Add(1)
		}

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    c.Codec.PayloadType(),
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           ssrc,
			},
			Payload: payload,
		}
		data, err := pkt.Marshal()
		if err != nil {
			c.logger.Debug("rtp marshal error", "error", err)
			continue
		}
		if _, err := c.conn.WriteToUDP(data, c.remote.Load()); err != nil {
			select {
			case <-c.closed:
				return
			default:
				c.logger.Debug("rtp write error", "error", err)
			}
		}

		seq++
		ts += FrameSamples
	}
}

// close tears the channel down. Idempotent.
func (c *Channel) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
		c.wg.Wait()
		c.logger.Info("channel closed",
			"dropped_frames", c.dropped.Load(),
			"silence_frames", c.silenceSent.Load(),
		)
	})
}

func dtmfName(event uint8) string {
	switch {
	case event <= 9:
		return string(rune('0' + event))
	case event == 10:
		return "*"
	case event == 11:
		return "#"
	case event >= 12 && event <= 15:
		return string(rune('A' + event - 12))
	}
	return "?"
}
