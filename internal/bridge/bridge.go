package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/carecall/carecall/internal/config"
	"github.com/carecall/carecall/internal/telephony"
)

// EventType classifies bridge events.
type EventType int

const (
	// EventChannelUp fires when an INVITE has been answered and media is
	// flowing. The orchestrator binds the channel to its conversation.
	EventChannelUp EventType = iota
	// EventChannelDown fires when a channel has been torn down, locally or
	// by a remote BYE.
	EventChannelDown
	// EventDTMF fires per detected digit.
	EventDTMF
)

// Event is one bridge notification.
type Event struct {
	Type      EventType
	ChannelID string
	CallSid   string
	PatientID int64
	Digit     string
	Reason    string
}

// Server is the SIP endpoint the telephony provider dials. Each answered
// INVITE becomes a Channel carrying the patient's audio.
type Server struct {
	cfg     *config.Config
	ua      *sipgo.UserAgent
	srv     *sipgo.Server
	auth    *Authenticator
	allowed []*net.IPNet
	ports   *portAllocator
	events  chan Event
	logger  *slog.Logger

	mu        sync.Mutex
	channels  map[string]*Channel // by channel ID
	byCallID  map[string]*Channel // by SIP Call-ID, for BYE correlation
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewServer creates the bridge with all SIP handlers registered.
func NewServer(cfg *config.Config) (*Server, error) {
	logger := slog.Default().With("component", "bridge")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("CareCall"),
		sipgo.WithUserAgentHostname(cfg.SIPHost),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		ua:       ua,
		srv:      srv,
		allowed:  cfg.AllowedSIPNets(),
		ports:    newPortAllocator(cfg.RTPPortMin, cfg.RTPPortMax),
		events:   make(chan Event, 64),
		logger:   logger,
		channels: make(map[string]*Channel),
		byCallID: make(map[string]*Channel),
	}
	if cfg.SIPDigestUser != "" {
		s.auth = NewAuthenticator(cfg.SIPDigestUser, cfg.SIPDigestPass, logger)
	}

	srv.OnInvite(s.handleInvite)
	srv.OnAck(s.handleAck)
	srv.OnBye(s.handleBye)
	srv.OnOptions(s.handleOptions)
	return s, nil
}

// Events returns the bridge notification stream.
func (s *Server) Events() <-chan Event {
	return s.events
}

// Start begins listening on the configured transport. Non-blocking.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip listener starting", "transport", s.cfg.SIPTransport, "addr", addr)
		if err := s.srv.ListenAndServe(ctx, s.cfg.SIPTransport, addr); err != nil {
			s.logger.Error("sip listener stopped", "error", err)
		}
	}()

	if s.auth != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.auth.CleanExpiredNonces()
				}
			}
		}()
	}
	return nil
}

// Stop closes all channels and shuts the SIP stack down.
func (s *Server) Stop() {
	s.logger.Info("stopping bridge")
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.channels))
	for id := range s.channels {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.CloseChannel(id, "shutdown")
	}

	s.wg.Wait()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("bridge stopped")
}

// Channel returns a live channel by ID, or nil.
func (s *Server) Channel(id string) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[id]
}

// ChannelCount reports the number of live media channels.
func (s *Server) ChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// DroppedFrames sums the outbound frames dropped across live channels.
func (s *Server) DroppedFrames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total uint64
	for _, ch := range s.channels {
		total += ch.Dropped()
	}
	return total
}

// CloseChannel tears a channel down and releases its port. Idempotent:
// closing an unknown or already-closed channel is a no-op.
func (s *Server) CloseChannel(id, reason string) {
	s.mu.Lock()
	ch, ok := s.channels[id]
	if ok {
		delete(s.channels, id)
		delete(s.byCallID, ch.sipCallID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	ch.close()
	s.ports.Release(ch.port)
	s.emit(Event{
		Type: EventChannelDown, ChannelID: id,
		CallSid: ch.CallSid, PatientID: ch.PatientID, Reason: reason,
	})
}

func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	if !s.sourceAllowed(req.Source()) {
		s.logger.Warn("invite from disallowed source", "source", req.Source())
		s.respond(req, tx, 403, "Forbidden")
		return
	}
	if s.auth != nil && !s.auth.Authenticate(req, tx) {
		return
	}

	params := map[string]string{}
	for _, key := range []string{"callSid", "patientId"} {
		if v, ok := req.Recipient.UriParams.Get(key); ok {
			params[key] = v
		}
	}
	callSid, patientID, err := telephony.ParseBridgeURI(params)
	if err != nil {
		s.logger.Warn("invite without bridge correlation", "error", err, "uri", req.Recipient.String())
		s.respond(req, tx, 400, "Bad Request")
		return
	}

	off, err := parseOffer(req.Body())
	if err != nil {
		s.logger.Warn("unusable sdp offer", "error", err, "call_sid", callSid)
		s.respond(req, tx, 488, "Not Acceptable Here")
		return
	}

	port, err := s.ports.Allocate()
	if err != nil {
		s.logger.Error("rtp port allocation failed", "error", err)
		s.respond(req, tx, 503, "Service Unavailable")
		return
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		s.ports.Release(port)
		s.logger.Error("rtp socket bind failed", "port", port, "error", err)
		s.respond(req, tx, 503, "Service Unavailable")
		return
	}

	remote := &net.UDPAddr{IP: net.ParseIP(off.Address), Port: off.Port}
	sipCallID := ""
	if cid := req.CallID(); cid != nil {
		sipCallID = cid.Value()
	}

	ch := newChannel(uuid.NewString(), callSid, patientID, off.Codec, conn, remote, port, sipCallID, s.logger)

	answer := buildAnswer(s.cfg.SIPHost, port, off.Codec)
	res := sip.NewResponseFromRequest(req, 200, "OK", answer)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Contact",
		fmt.Sprintf("<sip:%s@%s:%d>", s.cfg.SIPUser, s.cfg.SIPHost, s.cfg.SIPPort)))
	if err := tx.Respond(res); err != nil {
		conn.Close()
		s.ports.Release(port)
		s.logger.Error("failed to answer invite", "call_sid", callSid, "error", err)
		return
	}

	s.mu.Lock()
	s.channels[ch.ID] = ch
	if sipCallID != "" {
		s.byCallID[sipCallID] = ch
	}
	s.mu.Unlock()

	ch.start()
	s.logger.Info("channel up",
		"channel_id", ch.ID,
		"call_sid", callSid,
		"patient_id", patientID,
		"codec", off.Codec.String(),
		"rtp_port", port,
	)
	s.emit(Event{
		Type: EventChannelUp, ChannelID: ch.ID,
		CallSid: callSid, PatientID: patientID,
	})

	// Fan DTMF digits into the event stream.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ch.Done():
				return
			case digit, ok := <-ch.DTMF():
				if !ok {
					return
				}
				s.emit(Event{
					Type: EventDTMF, ChannelID: ch.ID,
					CallSid: ch.CallSid, PatientID: ch.PatientID, Digit: digit,
				})
			}
		}
	}()
}

func (s *Server) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip ack received", "source", req.Source())
}

func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	s.respond(req, tx, 200, "OK")

	sipCallID := ""
	if cid := req.CallID(); cid != nil {
		sipCallID = cid.Value()
	}
	s.mu.Lock()
	ch := s.byCallID[sipCallID]
	s.mu.Unlock()
	if ch == nil {
		s.logger.Debug("bye for unknown dialog", "sip_call_id", sipCallID)
		return
	}
	s.CloseChannel(ch.ID, "remote_bye")
}

func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}

// sourceAllowed checks the transport source against the configured CIDR
// allow-list. An empty list allows everything.
func (s *Server) sourceAllowed(source string) bool {
	if len(s.allowed) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		host = source
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range s.allowed {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Server) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to send response", "code", code, "error", err)
	}
}

// emit delivers an event without ever blocking SIP or media goroutines.
func (s *Server) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("bridge event dropped, consumer too slow",
			"type", int(ev.Type), "call_sid", ev.CallSid)
	}
}
