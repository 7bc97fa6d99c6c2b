package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv removes every AGENTDESK_ variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, envPrefix) {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}

// required is the minimal flag set Load accepts.
func required(extra ...string) []string {
	return append([]string{
		"--agent-id", "agent-7",
		"--backend-url", "https://support.example.com",
		"--signaling-url", "wss://support.example.com/ws",
		"--sip-registrar", "pbx.example.com",
	}, extra...)
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(required())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SIPUsername != "agent-7" {
		t.Errorf("SIPUsername = %q, want agent-7", cfg.SIPUsername)
	}
	if cfg.SIPPort != defaultSIPPort {
		t.Errorf("SIPPort = %d, want %d", cfg.SIPPort, defaultSIPPort)
	}
	if cfg.SIPTransport != "udp" {
		t.Errorf("SIPTransport = %q, want udp", cfg.SIPTransport)
	}
	if cfg.HTTPAddr() != "127.0.0.1:8090" {
		t.Errorf("HTTPAddr = %q, want 127.0.0.1:8090", cfg.HTTPAddr())
	}
	if cfg.OfferTimeout != 30*time.Second || cfg.CorrelationWindow != 2*time.Second {
		t.Errorf("timing = %s/%s, want 30s/2s", cfg.OfferTimeout, cfg.CorrelationWindow)
	}
	if cfg.SignalingReconnectAttempts != 5 || cfg.SignalingReconnectDelay != time.Second {
		t.Errorf("reconnect = %d x %s, want 5 x 1s", cfg.SignalingReconnectAttempts, cfg.SignalingReconnectDelay)
	}
	if cfg.CallLogSize != 10 {
		t.Errorf("CallLogSize = %d, want 10", cfg.CallLogSize)
	}
	if cfg.LogLevel != defaultLogLevel || cfg.LogFormat != defaultLogFormat {
		t.Errorf("logging = %s/%s", cfg.LogLevel, cfg.LogFormat)
	}
	if key, err := cfg.APISecretBytes(); key != nil || err != nil {
		t.Errorf("APISecretBytes = %v, %v; want nil, nil", key, err)
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("AGENTDESK_AGENT_ID", "agent-9")
	t.Setenv("AGENTDESK_BACKEND_URL", "http://localhost:3000")
	t.Setenv("AGENTDESK_SIGNALING_URL", "ws://localhost:3000/ws")
	t.Setenv("AGENTDESK_SIP_REGISTRAR", "10.0.0.2")
	t.Setenv("AGENTDESK_HTTP_PORT", "9090")
	t.Setenv("AGENTDESK_OFFER_TIMEOUT", "45s")
	t.Setenv("AGENTDESK_LOG_LEVEL", "DEBUG")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.AgentID != "agent-9" || cfg.SIPRegistrar != "10.0.0.2" {
		t.Errorf("identity = %q@%q", cfg.AgentID, cfg.SIPRegistrar)
	}
	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.OfferTimeout != 45*time.Second {
		t.Errorf("OfferTimeout = %s, want 45s", cfg.OfferTimeout)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("AGENTDESK_HTTP_PORT", "9090")
	t.Setenv("AGENTDESK_LOG_LEVEL", "debug")

	cfg, err := Load(required("--http-port", "3000", "--log-level", "warn"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestMalformedEnvValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("AGENTDESK_CORRELATION_WINDOW", "two seconds")

	_, err := Load(required())
	if err == nil || !strings.Contains(err.Error(), "AGENTDESK_CORRELATION_WINDOW") {
		t.Fatalf("expected error naming AGENTDESK_CORRELATION_WINDOW, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	secret := strings.Repeat("ab", 32)

	tests := []struct {
		name string
		args []string
		ok   bool
	}{
		{"missing agent", []string{"--backend-url", "https://b", "--signaling-url", "wss://s", "--sip-registrar", "pbx"}, false},
		{"blank agent", required("--agent-id", "  "), false},
		{"backend not http", required("--backend-url", "ftp://b.example.com"), false},
		{"signaling not websocket", required("--signaling-url", "https://s.example.com"), false},
		{"invalid http port", required("--http-port", "99999"), false},
		{"invalid log level", required("--log-level", "verbose"), false},
		{"unknown transport", required("--sip-transport", "tls"), false},
		{"bad listen address", required("--sip-listen", "5070"), false},
		{"bad external ip", required("--external-ip", "pbx.example.com"), false},
		{"window not shorter than timeout", required("--correlation-window", "30s"), false},
		{"zero reconnect attempts", required("--signaling-reconnect-attempts", "0"), false},
		{"public bind without secret", required("--http-bind", "0.0.0.0"), false},
		{"short secret", required("--api-secret", "abcd"), false},
		{"public bind with secret", required("--http-bind", "0.0.0.0", "--api-secret", secret), true},
		{"uppercase transport", required("--sip-transport", "TCP"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(tt.args)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestAPISecretBytes(t *testing.T) {
	cfg := &Config{APISecret: strings.Repeat("0f", 32)}
	key, err := cfg.APISecretBytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(key) != 32 || key[0] != 0x0f {
		t.Fatalf("unexpected key %x", key)
	}

	cfg.APISecret = "zz"
	if _, err := cfg.APISecretBytes(); err == nil {
		t.Fatal("expected error for non-hex secret")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "agentdesk.env")
	content := "AGENTDESK_AGENT_ID=agent-file\n" +
		"AGENTDESK_BACKEND_URL=https://support.example.com\n" +
		"AGENTDESK_SIGNALING_URL=wss://support.example.com/ws\n" +
		"AGENTDESK_SIP_REGISTRAR=pbx.example.com\n" +
		"AGENTDESK_HTTP_PORT=9100\n" +
		"AGENTDESK_LOG_LEVEL=error\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing env file: %v", err)
	}
	// Register the file's keys so cleanup unsets what godotenv exports.
	for _, line := range strings.Split(strings.TrimSpace(content), "\n") {
		name, _, _ := strings.Cut(line, "=")
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
	t.Setenv("AGENTDESK_HTTP_PORT", "9200")

	cfg, err := Load([]string{"--env-file", path, "--log-level", "warn"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AgentID != "agent-file" {
		t.Errorf("AgentID = %q, want agent-file from env file", cfg.AgentID)
	}
	if cfg.HTTPPort != 9200 {
		t.Errorf("HTTPPort = %d, want 9200 (environment should beat env file)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should beat env file)", cfg.LogLevel)
	}
}

func TestEnvFileMissing(t *testing.T) {
	clearEnv(t)
	if _, err := Load(required("--env-file", filepath.Join(t.TempDir(), "missing.env"))); err == nil {
		t.Fatal("expected error for missing env file")
	}
}
