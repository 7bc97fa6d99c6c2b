package config

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the agentdesk daemon.
// Precedence: CLI flags > env vars > env file > defaults.
type Config struct {
	EnvFile string // optional dotenv file of AGENTDESK_ variables

	AgentID      string
	BackendURL   string // base URL of the telephony backend REST API
	SignalingURL string // websocket URL of the push signaling service

	SIPUsername    string
	SIPRegistrar   string // registrar host
	SIPPort        int    // registrar port
	SIPTransport   string // udp or tcp
	SIPDomain      string // host part of dialled URIs, defaults to the registrar
	SIPListen      string // local SIP listener, host:port
	SIPContactHost string // address advertised in Contact, defaults to MediaIP
	ExternalIP     string // IP advertised in SDP (auto-detected if empty)
	MediaPort      int
	RegisterExpiry int // seconds

	HTTPBind    string
	HTTPPort    int
	APISecret   string // hex-encoded 32-byte secret for console tokens
	CORSOrigins string
	LogLevel    string
	LogFormat   string // log output format: "text" or "json"

	OfferTimeout               time.Duration
	CorrelationWindow          time.Duration
	HoldTimeout                time.Duration
	SignalingReconnectAttempts int
	SignalingReconnectDelay    time.Duration
	CallLogSize                int
}

// defaults
const (
	defaultSIPPort           = 5060
	defaultSIPTransport      = "udp"
	defaultSIPListen         = "0.0.0.0:5070"
	defaultMediaPort         = 10000
	defaultRegisterExpiry    = 300
	defaultHTTPBind          = "127.0.0.1"
	defaultHTTPPort          = 8090
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultOfferTimeout      = 30 * time.Second
	defaultCorrelationWindow = 2 * time.Second
	defaultHoldTimeout       = 10 * time.Second
	defaultReconnectAttempts = 5
	defaultReconnectDelay    = time.Second
	defaultCallLogSize       = 10
)

// envPrefix is the prefix for all agentdesk environment variables.
const envPrefix = "AGENTDESK_"

// Load parses configuration from args (without the program name) and
// environment variables.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("agentdesk", flag.ContinueOnError)

	fs.StringVar(&cfg.EnvFile, "env-file", "", "dotenv file with AGENTDESK_ variables (real environment wins)")
	fs.StringVar(&cfg.AgentID, "agent-id", "", "identity of the support agent this client serves")
	fs.StringVar(&cfg.BackendURL, "backend-url", "", "base URL of the telephony backend (e.g., https://support.example.com)")
	fs.StringVar(&cfg.SignalingURL, "signaling-url", "", "websocket URL of the signaling service (e.g., wss://support.example.com/ws)")

	fs.StringVar(&cfg.SIPUsername, "sip-username", "", "SIP username of the agent's line (defaults to agent-id)")
	fs.StringVar(&cfg.SIPRegistrar, "sip-registrar", "", "SIP registrar host")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP registrar port")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", defaultSIPTransport, "SIP transport (udp, tcp)")
	fs.StringVar(&cfg.SIPDomain, "sip-domain", "", "SIP domain for dialled URIs (defaults to the registrar host)")
	fs.StringVar(&cfg.SIPListen, "sip-listen", defaultSIPListen, "local SIP listen address")
	fs.StringVar(&cfg.SIPContactHost, "sip-contact-host", "", "host advertised in the SIP Contact header (defaults to the media IP)")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "IP address advertised in SDP (auto-detected if empty)")
	fs.IntVar(&cfg.MediaPort, "media-port", defaultMediaPort, "RTP port advertised in SDP")
	fs.IntVar(&cfg.RegisterExpiry, "register-expiry", defaultRegisterExpiry, "requested SIP registration expiry in seconds")

	fs.StringVar(&cfg.HTTPBind, "http-bind", defaultHTTPBind, "control API listen address")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "control API listen port")
	fs.StringVar(&cfg.APISecret, "api-secret", "", "hex-encoded 32-byte secret for console tokens (empty disables auth on loopback)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	fs.DurationVar(&cfg.OfferTimeout, "offer-timeout", defaultOfferTimeout, "how long an unanswered offer rings before it is logged missed")
	fs.DurationVar(&cfg.CorrelationWindow, "correlation-window", defaultCorrelationWindow, "window in which signaling and device offers are merged")
	fs.DurationVar(&cfg.HoldTimeout, "hold-timeout", defaultHoldTimeout, "limit on a hold or resume re-INVITE")
	fs.IntVar(&cfg.SignalingReconnectAttempts, "signaling-reconnect-attempts", defaultReconnectAttempts, "consecutive signaling dial failures before giving up")
	fs.DurationVar(&cfg.SignalingReconnectDelay, "signaling-reconnect-delay", defaultReconnectDelay, "delay between signaling dial attempts")
	fs.IntVar(&cfg.CallLogSize, "call-log-size", defaultCallLogSize, "number of recent calls kept in the call log")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	if cfg.EnvFile == "" {
		cfg.EnvFile = os.Getenv(envName("env-file"))
	}
	if cfg.EnvFile != "" {
		// godotenv never overwrites variables already in the environment.
		if err := godotenv.Load(cfg.EnvFile); err != nil {
			return nil, fmt.Errorf("loading env file: %w", err)
		}
	}

	if err := applyEnvOverrides(fs); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envName maps a flag name to its environment variable, e.g. sip-port to
// AGENTDESK_SIP_PORT.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides sets every flag not given on the command line from its
// environment variable, if present. Values go through the flag's own
// parser so a malformed number or duration is reported rather than
// ignored.
func applyEnvOverrides(fs *flag.FlagSet) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] || firstErr != nil {
			return
		}
		val, ok := os.LookupEnv(envName(f.Name))
		if !ok || val == "" {
			return
		}
		if err := f.Value.Set(val); err != nil {
			firstErr = fmt.Errorf("%s: %w", envName(f.Name), err)
		}
	})
	return firstErr
}

// validate checks that the config values are sane and fills derived
// defaults.
func (c *Config) validate() error {
	c.AgentID = strings.TrimSpace(c.AgentID)
	if c.AgentID == "" {
		return fmt.Errorf("agent-id is required")
	}
	if c.SIPUsername == "" {
		c.SIPUsername = c.AgentID
	}
	if err := validateURL("backend-url", c.BackendURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("signaling-url", c.SignalingURL, "ws", "wss"); err != nil {
		return err
	}
	if c.SIPRegistrar == "" {
		return fmt.Errorf("sip-registrar is required")
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	c.SIPTransport = strings.ToLower(c.SIPTransport)
	if c.SIPTransport != "udp" && c.SIPTransport != "tcp" {
		return fmt.Errorf("sip-transport must be one of udp, tcp; got %q", c.SIPTransport)
	}
	if _, _, err := net.SplitHostPort(c.SIPListen); err != nil {
		return fmt.Errorf("sip-listen must be host:port: %w", err)
	}
	if c.ExternalIP != "" && net.ParseIP(c.ExternalIP) == nil {
		return fmt.Errorf("external-ip is not a valid IP address: %q", c.ExternalIP)
	}
	if c.MediaPort < 1024 || c.MediaPort > 65534 {
		return fmt.Errorf("media-port must be between 1024 and 65534, got %d", c.MediaPort)
	}
	if c.RegisterExpiry < 60 {
		return fmt.Errorf("register-expiry must be at least 60 seconds, got %d", c.RegisterExpiry)
	}

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.APISecret != "" {
		if _, err := c.APISecretBytes(); err != nil {
			return err
		}
	} else if !isLoopback(c.HTTPBind) {
		return fmt.Errorf("api-secret is required when http-bind is not a loopback address")
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

	for name, d := range map[string]time.Duration{
		"offer-timeout":             c.OfferTimeout,
		"correlation-window":        c.CorrelationWindow,
		"hold-timeout":              c.HoldTimeout,
		"signaling-reconnect-delay": c.SignalingReconnectDelay,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.CorrelationWindow >= c.OfferTimeout {
		return fmt.Errorf("correlation-window (%s) must be shorter than offer-timeout (%s)", c.CorrelationWindow, c.OfferTimeout)
	}
	if c.SignalingReconnectAttempts < 1 {
		return fmt.Errorf("signaling-reconnect-attempts must be at least 1, got %d", c.SignalingReconnectAttempts)
	}
	if c.CallLogSize < 1 {
		return fmt.Errorf("call-log-size must be at least 1, got %d", c.CallLogSize)
	}

	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be an absolute %s URL, got %q", field, strings.Join(schemes, " or "), raw)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// HTTPAddr returns the control API listen address.
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.HTTPBind, fmt.Sprint(c.HTTPPort))
}

// APISecretBytes returns the decoded console token secret, or nil when
// authentication is disabled.
func (c *Config) APISecretBytes() ([]byte, error) {
	if c.APISecret == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.APISecret)
	if err != nil {
		return nil, fmt.Errorf("decoding api secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("api secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// MediaIP returns the IP address to advertise in SDP.
// If ExternalIP is configured, it is returned directly. Otherwise the
// function attempts to detect the machine's primary non-loopback IPv4 address.
// Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
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
