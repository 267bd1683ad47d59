package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig holds service identity and call-flow settings.
type AgentConfig struct {
	Environment    string        `yaml:"environment"`      // "development", "staging", "production"
	PublicURL      string        `yaml:"public_url"`       // e.g. "https://agent.example.com"
	WebSocketURL   string        `yaml:"websocket_url"`    // e.g. "wss://agent.example.com/ws"
	IVRPhoneNumber string        `yaml:"ivr_phone_number"` // default dial-out target
	DialTimeout    time.Duration `yaml:"dial_timeout"`     // outer bound on dial-out

	SilenceTimeout     time.Duration `yaml:"silence_timeout"`      // no-activity threshold inside a call
	MaxSilenceTimeouts int           `yaml:"max_silence_timeouts"` // timeouts before the call fails
	MaxRepeatedPrompts int           `yaml:"max_repeated_prompts"` // identical prompts before trying an alternative

	PendingCallTTL time.Duration `yaml:"pending_call_ttl"` // how long unclaimed dial-outs are kept
	ReapSchedule   string        `yaml:"reap_schedule"`    // cron spec for the registry reaper
}

// TelephonyConfig holds provider credentials for dial-out.
type TelephonyConfig struct {
	AccountSID      string `yaml:"account_sid"`
	AuthToken       string `yaml:"auth_token"`
	FromNumber      string `yaml:"from_number"`
	VerifyCallbacks bool   `yaml:"verify_callbacks"` // HMAC-verify status callbacks
}

// Configured reports whether dial-out credentials are present.
func (c TelephonyConfig) Configured() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.FromNumber != ""
}

// BreakerConfig configures the circuit breaker around the oracle.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// OracleConfig holds navigator oracle settings.
type OracleConfig struct {
	Provider  string        `yaml:"provider"` // "anthropic" or "bedrock"
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"base_url"`
	Region    string        `yaml:"region"` // bedrock only
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
	Breaker   BreakerConfig `yaml:"breaker"`
}

// Configured reports whether the oracle can be reached.
func (c OracleConfig) Configured() bool {
	if c.Provider == "bedrock" {
		return true // credentials come from the AWS chain
	}
	return c.APIKey != ""
}

// BackendConfig holds results-sink settings.
type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// GatewayConfig holds HTTP/WebSocket edge settings.
type GatewayConfig struct {
	Addr           string   `yaml:"addr"`
	RequestsPerMin int      `yaml:"requests_per_min"`
	RateBurst      int      `yaml:"rate_burst"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// Config is the top-level application configuration.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Telephony TelephonyConfig `yaml:"telephony"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Backend   BackendConfig   `yaml:"backend"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// Defaults returns a configuration with development-friendly defaults.
func Defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			Environment:        "development",
			PublicURL:          "http://localhost:8080",
			WebSocketURL:       "ws://localhost:8080/ws",
			DialTimeout:        120 * time.Second,
			SilenceTimeout:     10 * time.Second,
			MaxSilenceTimeouts: 2,
			MaxRepeatedPrompts: 2,
			PendingCallTTL:     time.Hour,
			ReapSchedule:       "@every 10m",
		},
		Oracle: OracleConfig{
			Provider:  "anthropic",
			Model:     "claude-3-5-haiku-latest",
			MaxTokens: 500,
			Timeout:   30 * time.Second,
		},
		Backend: BackendConfig{
			BaseURL: "http://localhost:8000",
			Timeout: 30 * time.Second,
		},
		Gateway: GatewayConfig{
			Addr:           ":8080",
			RequestsPerMin: 60,
			RateBurst:      10,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path is not an
// error; the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// envOverrides maps deployment environment variables onto config fields.
// These are the only variables with runtime semantics.
var envOverrides = map[string]func(*Config, string){
	"TELEPHONY_SID":         func(c *Config, v string) { c.Telephony.AccountSID = v },
	"TELEPHONY_TOKEN":       func(c *Config, v string) { c.Telephony.AuthToken = v },
	"TELEPHONY_FROM_NUMBER": func(c *Config, v string) { c.Telephony.FromNumber = v },
	"IVR_PHONE_NUMBER":      func(c *Config, v string) { c.Agent.IVRPhoneNumber = v },
	"ORACLE_API_KEY":        func(c *Config, v string) { c.Oracle.APIKey = v },
	"BACKEND_URL":           func(c *Config, v string) { c.Backend.BaseURL = v },
	"AGENT_PUBLIC_URL":      func(c *Config, v string) { c.Agent.PublicURL = v },
	"AGENT_WEBSOCKET_URL":   func(c *Config, v string) { c.Agent.WebSocketURL = v },
	"ENVIRONMENT":           func(c *Config, v string) { c.Agent.Environment = v },
}

// ApplyEnvOverrides overlays recognized environment variables onto the
// configuration.
func (c *Config) ApplyEnvOverrides() {
	for name, apply := range envOverrides {
		if v := os.Getenv(name); v != "" {
			apply(c, v)
		}
	}
}

// Validate checks for fatal misconfiguration. Called once at startup.
func (c *Config) Validate() error {
	switch c.Oracle.Provider {
	case "anthropic", "bedrock":
	default:
		return fmt.Errorf("oracle provider %q not supported", c.Oracle.Provider)
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend base_url is required")
	}
	if !strings.HasPrefix(c.Agent.WebSocketURL, "ws://") && !strings.HasPrefix(c.Agent.WebSocketURL, "wss://") {
		return fmt.Errorf("agent websocket_url must be a ws:// or wss:// URL")
	}
	if c.Agent.Environment == "production" && !c.Oracle.Configured() {
		return fmt.Errorf("oracle api key is required in production")
	}
	return nil
}
