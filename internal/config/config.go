package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// Config holds all runtime configuration for the CareCall engine.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir   string
	HTTPPort  int
	LogLevel  string
	LogFormat string // "text" or "json"

	// Telephony provider (PSTN gateway).
	TelephonyBaseURL string // REST API base, e.g. "https://api.telephony.example"
	TelephonyAccount string // account SID for basic auth
	TelephonySecret  string // auth token; also signs webhook callbacks
	TelephonyFrom    string // E.164 caller ID for outbound calls
	PublicURL        string // externally reachable base URL for webhooks

	// SIP media bridge.
	SIPHost       string // host advertised in the voice document dial target
	SIPPort       int
	SIPTransport  string // "udp" or "tcp"
	SIPUser       string // SIP user the provider dials
	SIPAllowedIPs string // comma-separated provider IPs/CIDRs; empty allows all
	SIPDigestUser string // optional digest auth for inbound INVITEs
	SIPDigestPass string
	RTPPortMin    int
	RTPPortMax    int

	// Realtime AI voice backend.
	AIEndpoint      string // websocket URL
	AIKey           string
	ReconnectWindow time.Duration

	// Per-call timing.
	RingTimeout     time.Duration
	SilenceTimeout  time.Duration
	MaxCallDuration time.Duration
	ForceCloseGrace time.Duration
	OrphanTimeout   time.Duration // zero means 2 × MaxCallDuration

	// Emergency detection.
	DebounceMinutes        int
	MaxAlertsPerHour       int
	CriticalSkipsHypoCheck bool // when set, CRITICAL phrases bypass the hypothetical filter

	// Notification latency targets by severity.
	CriticalResponseTime time.Duration
	HighResponseTime     time.Duration
	MediumResponseTime   time.Duration

	// Billing.
	RatePerMinute     float64 // currency units per minute of call time
	MinBillableSecs   int
	BillingHourUTC    int // hour of day the daily rollup runs
	BillingMaxRetries int

	// Notification transports.
	SMTPHost     string
	SMTPPort     string
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string
	SMTPTLS      string // "none", "starttls", "tls"
	FCMCredsFile string // path to Firebase service account JSON

	// Scheduler job store. Empty uses the embedded SQLite store; a
	// postgres:// DSN switches to the Postgres-backed store.
	JobStoreDSN string
}

// defaults
const (
	defaultDataDir         = "./data"
	defaultHTTPPort        = 8080
	defaultSIPPort         = 5060
	defaultSIPTransport    = "udp"
	defaultSIPUser         = "carecall"
	defaultRTPPortMin      = 10000
	defaultRTPPortMax      = 20000
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultRingTimeout     = 20 * time.Second
	defaultSilenceTimeout  = 30 * time.Second
	defaultMaxCallDur      = 600 * time.Second
	defaultReconnectWindow = 10 * time.Second
	defaultForceCloseGrace = 5 * time.Second
	defaultDebounceMinutes = 5
	defaultMaxAlertsPerHr  = 10
	defaultCriticalRT      = 60 * time.Second
	defaultHighRT          = 300 * time.Second
	defaultMediumRT        = 900 * time.Second
	defaultMinBillable     = 30
	defaultBillingHour     = 2
	defaultBillingRetries  = 3
)

// envPrefix is the prefix for all CareCall environment variables.
const envPrefix = "CARECALL_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:], os.LookupEnv)
}

func load(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("carecall", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database and file storage")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port (webhooks, health, metrics)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	fs.StringVar(&cfg.TelephonyBaseURL, "telephony-base-url", "", "telephony provider REST API base URL")
	fs.StringVar(&cfg.TelephonyAccount, "telephony-account", "", "telephony provider account SID")
	fs.StringVar(&cfg.TelephonySecret, "telephony-secret", "", "telephony provider auth token (signs webhooks)")
	fs.StringVar(&cfg.TelephonyFrom, "telephony-from", "", "E.164 caller ID for outbound calls")
	fs.StringVar(&cfg.PublicURL, "public-url", "", "externally reachable base URL for webhook callbacks")

	fs.StringVar(&cfg.SIPHost, "sip-host", "", "host advertised in the voice document SIP dial target")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP listen port for the media bridge")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", defaultSIPTransport, "SIP transport (udp, tcp)")
	fs.StringVar(&cfg.SIPUser, "sip-user", defaultSIPUser, "SIP user the provider dials to reach the bridge")
	fs.StringVar(&cfg.SIPAllowedIPs, "sip-allowed-ips", "", "comma-separated provider IPs/CIDRs allowed to send INVITEs")
	fs.StringVar(&cfg.SIPDigestUser, "sip-digest-user", "", "optional digest auth username for inbound INVITEs")
	fs.StringVar(&cfg.SIPDigestPass, "sip-digest-pass", "", "optional digest auth password for inbound INVITEs")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP media")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP media")

	fs.StringVar(&cfg.AIEndpoint, "ai-endpoint", "", "realtime AI voice backend websocket URL")
	fs.StringVar(&cfg.AIKey, "ai-key", "", "realtime AI voice backend API key")
	fs.DurationVar(&cfg.ReconnectWindow, "reconnect-window", defaultReconnectWindow, "window for AI session reconnects before the call fails")

	fs.DurationVar(&cfg.RingTimeout, "ring-timeout", defaultRingTimeout, "abandon a call that has not been answered within this window")
	fs.DurationVar(&cfg.SilenceTimeout, "silence-timeout", defaultSilenceTimeout, "fail an in-progress call after this long without audio")
	fs.DurationVar(&cfg.MaxCallDuration, "max-call-duration", defaultMaxCallDur, "hard deadline for a single call")
	fs.DurationVar(&cfg.ForceCloseGrace, "force-close-grace", defaultForceCloseGrace, "second cancel within this window forces abortive teardown")
	fs.DurationVar(&cfg.OrphanTimeout, "orphan-timeout", 0, "janitor reaps orchestrator-less in-progress calls after this long (default 2x max-call-duration)")

	fs.IntVar(&cfg.DebounceMinutes, "debounce-minutes", defaultDebounceMinutes, "suppress repeated detections of the same phrase within this window")
	fs.IntVar(&cfg.MaxAlertsPerHour, "max-alerts-per-hour", defaultMaxAlertsPerHr, "hard cap on fanned-out alerts per patient per hour")
	fs.BoolVar(&cfg.CriticalSkipsHypoCheck, "critical-skips-hypothetical", false, "CRITICAL phrases bypass the hypothetical-framing filter")

	fs.DurationVar(&cfg.CriticalResponseTime, "critical-response-time", defaultCriticalRT, "delivery latency target for CRITICAL alerts")
	fs.DurationVar(&cfg.HighResponseTime, "high-response-time", defaultHighRT, "delivery latency target for HIGH alerts")
	fs.DurationVar(&cfg.MediumResponseTime, "medium-response-time", defaultMediumRT, "delivery latency target for MEDIUM alerts")

	fs.Float64Var(&cfg.RatePerMinute, "rate-per-minute", 0, "billing rate in currency units per minute")
	fs.IntVar(&cfg.MinBillableSecs, "minimum-billable-seconds", defaultMinBillable, "floor applied to call duration when computing cost")
	fs.IntVar(&cfg.BillingHourUTC, "billing-hour-utc", defaultBillingHour, "UTC hour at which the daily billing rollup runs")
	fs.IntVar(&cfg.BillingMaxRetries, "billing-max-retries", defaultBillingRetries, "retries for a rollup that loses a billing race")

	fs.StringVar(&cfg.SMTPHost, "smtp-host", "", "SMTP server hostname for email alerts")
	fs.StringVar(&cfg.SMTPPort, "smtp-port", "587", "SMTP server port")
	fs.StringVar(&cfg.SMTPFrom, "smtp-from", "", "From address for email alerts")
	fs.StringVar(&cfg.SMTPUsername, "smtp-username", "", "SMTP auth username")
	fs.StringVar(&cfg.SMTPPassword, "smtp-password", "", "SMTP auth password")
	fs.StringVar(&cfg.SMTPTLS, "smtp-tls", "starttls", "SMTP TLS mode (none, starttls, tls)")
	fs.StringVar(&cfg.FCMCredsFile, "fcm-credentials-file", "", "path to Firebase service account JSON for push alerts")

	fs.StringVar(&cfg.JobStoreDSN, "job-store-dsn", "", "postgres DSN for the scheduler job store (empty uses SQLite)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, lookupEnv)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults. The env var name is the flag name
// upper-cased with dashes replaced by underscores, e.g. CARECALL_SIP_PORT.
func applyEnvOverrides(fs *flag.FlagSet, lookupEnv func(string) (string, bool)) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := lookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		if err := f.Value.Set(val); err != nil {
			slog.Warn("ignoring invalid env override",
				"env", envVar,
				"value", val,
				"error", err,
			)
		}
	})
}

// validate checks that the config values are sane. Billing rate and the
// telephony/AI credentials are start-up requirements: the engine refuses to
// run without them rather than producing unbillable or unroutable calls.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	switch strings.ToLower(c.SIPTransport) {
	case "udp", "tcp":
		c.SIPTransport = strings.ToLower(c.SIPTransport)
	default:
		return fmt.Errorf("sip-transport must be udp or tcp, got %q", c.SIPTransport)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP ports must be even (RTP uses even ports, RTCP the next odd port).
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.RatePerMinute <= 0 {
		return fmt.Errorf("rate-per-minute must be set and positive, got %v", c.RatePerMinute)
	}
	if c.MinBillableSecs < 0 {
		return fmt.Errorf("minimum-billable-seconds must not be negative, got %d", c.MinBillableSecs)
	}
	if c.BillingHourUTC < 0 || c.BillingHourUTC > 23 {
		return fmt.Errorf("billing-hour-utc must be between 0 and 23, got %d", c.BillingHourUTC)
	}
	if c.BillingMaxRetries < 0 {
		return fmt.Errorf("billing-max-retries must not be negative, got %d", c.BillingMaxRetries)
	}
	if c.DebounceMinutes < 1 {
		return fmt.Errorf("debounce-minutes must be at least 1, got %d", c.DebounceMinutes)
	}
	if c.MaxAlertsPerHour < 1 {
		return fmt.Errorf("max-alerts-per-hour must be at least 1, got %d", c.MaxAlertsPerHour)
	}
	if c.TelephonySecret == "" {
		return fmt.Errorf("telephony-secret is required to authenticate webhooks")
	}
	if c.AIEndpoint == "" || c.AIKey == "" {
		return fmt.Errorf("ai-endpoint and ai-key are required")
	}

	for _, p := range c.AllowedSIPNets() {
		if p == nil {
			return fmt.Errorf("sip-allowed-ips contains an entry that is neither an IP nor a CIDR")
		}
	}

	if c.OrphanTimeout == 0 {
		c.OrphanTimeout = 2 * c.MaxCallDuration
	}

	return nil
}

// AllowedSIPNets parses the configured SIP allow-list into networks. Plain
// IPs are treated as /32 (or /128) networks. A malformed entry yields a nil
// element, which validate rejects.
func (c *Config) AllowedSIPNets() []*net.IPNet {
	if c.SIPAllowedIPs == "" {
		return nil
	}
	var nets []*net.IPNet
	for _, entry := range strings.Split(c.SIPAllowedIPs, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, n, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, n)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			nets = append(nets, nil)
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// ResponseTime returns the delivery latency target for the given severity
// name (CRITICAL, HIGH, MEDIUM). Unknown severities get the MEDIUM target.
func (c *Config) ResponseTime(severity string) time.Duration {
	switch severity {
	case "CRITICAL":
		return c.CriticalResponseTime
	case "HIGH":
		return c.HighResponseTime
	default:
		return c.MediumResponseTime
	}
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
