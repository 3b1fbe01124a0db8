package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

var (
	ErrChannelEndpointRequired = errors.New("config: channel endpoint url required")
	ErrAuxiliaryAppRequired    = errors.New("config: auxiliary app url required")
	ErrInvalidURL              = errors.New("config: invalid url")
	ErrInvalidMaxRetries       = errors.New("config: max retries must be >= 0")
	ErrInvalidInterval         = errors.New("config: interval must be positive")
	ErrInvalidTransport        = errors.New("config: invalid transport")
	ErrInvalidHandoffParam     = errors.New("config: invalid handoff param")
)

const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"

	HandoffParamConnID    = "conn_id"
	HandoffParamSessionID = "sessionId"

	SecurityModeDevelopment = "development"
	SecurityModeProduction  = "production"
)

// Env keys read by ApplyEnv.
const (
	EnvChannelEndpoint = "IDVLINK_CHANNEL_URL"
	EnvAuxiliaryApp    = "IDVLINK_AUX_APP_URL"
	EnvMaxRetries      = "IDVLINK_MAX_RETRIES"
	EnvSecurityMode    = "IDVLINK_SECURITY_MODE"
	EnvTransport       = "IDVLINK_TRANSPORT"
	EnvCAFile          = "IDVLINK_CA_FILE"
)

// Config is resolved once per orchestrator and treated as immutable afterwards.
type Config struct {
	ChannelEndpointURL string
	AuxiliaryAppURL    string
	VerifyEndpointURL  string
	ResultsEndpointURL string
	MaxRetries         int

	SecurityMode      string
	ProbePath         string
	ChannelPathSuffix string
	ProbeTimeout      time.Duration
	CAFile            string

	Transport      string
	RetryBaseDelay time.Duration

	HeartbeatInterval   time.Duration
	HeartbeatStaleAfter time.Duration
	HeartbeatMaxMissed  int

	WindowPollInterval time.Duration
	WindowCommand      []string
	HandoffEvent       string
	HandoffParam       string
}

func Default() Config {
	return Config{
		MaxRetries:          3,
		SecurityMode:        SecurityModeProduction,
		ProbePath:           "/test",
		ChannelPathSuffix:   "/webhook/session",
		ProbeTimeout:        10 * time.Second,
		Transport:           TransportSSE,
		RetryBaseDelay:      2 * time.Second,
		HeartbeatInterval:   10 * time.Second,
		HeartbeatStaleAfter: 30 * time.Second,
		HeartbeatMaxMissed:  3,
		WindowPollInterval:  2 * time.Second,
		HandoffEvent:        "connection",
		HandoffParam:        HandoffParamConnID,
	}
}

type fileConfig struct {
	ChannelURL         string   `toml:"channel_url"`
	AuxiliaryAppURL    string   `toml:"auxiliary_app_url"`
	VerifyURL          string   `toml:"verify_url"`
	ResultsURL         string   `toml:"results_url"`
	MaxRetries         int      `toml:"max_retries"`
	SecurityMode       string   `toml:"security_mode"`
	ProbePath          string   `toml:"probe_path"`
	ChannelPathSuffix  string   `toml:"channel_path_suffix"`
	ProbeTimeout       string   `toml:"probe_timeout"`
	CAFile             string   `toml:"ca_file"`
	Transport          string   `toml:"transport"`
	RetryBaseDelay     string   `toml:"retry_base_delay"`
	RetryBaseDelayMS   int64    `toml:"retry_base_delay_ms"`
	HeartbeatInterval  string   `toml:"heartbeat_interval"`
	HeartbeatStale     string   `toml:"heartbeat_stale_after"`
	HeartbeatMaxMissed int      `toml:"heartbeat_max_missed"`
	WindowPoll         string   `toml:"window_poll_interval"`
	WindowCommand      []string `toml:"window_command"`
	HandoffEvent       string   `toml:"handoff_event"`
	HandoffParam       string   `toml:"handoff_param"`
}

// Load overlays the TOML file at path onto Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	setString := func(key string, dst *string, v string) {
		if meta.IsDefined(key) {
			*dst = strings.TrimSpace(v)
		}
	}
	setString("channel_url", &cfg.ChannelEndpointURL, raw.ChannelURL)
	setString("auxiliary_app_url", &cfg.AuxiliaryAppURL, raw.AuxiliaryAppURL)
	setString("verify_url", &cfg.VerifyEndpointURL, raw.VerifyURL)
	setString("results_url", &cfg.ResultsEndpointURL, raw.ResultsURL)
	setString("security_mode", &cfg.SecurityMode, raw.SecurityMode)
	setString("probe_path", &cfg.ProbePath, raw.ProbePath)
	setString("channel_path_suffix", &cfg.ChannelPathSuffix, raw.ChannelPathSuffix)
	setString("ca_file", &cfg.CAFile, raw.CAFile)
	setString("transport", &cfg.Transport, raw.Transport)
	setString("handoff_event", &cfg.HandoffEvent, raw.HandoffEvent)
	setString("handoff_param", &cfg.HandoffParam, raw.HandoffParam)

	if meta.IsDefined("max_retries") {
		cfg.MaxRetries = raw.MaxRetries
	}
	if meta.IsDefined("heartbeat_max_missed") {
		cfg.HeartbeatMaxMissed = raw.HeartbeatMaxMissed
	}
	if meta.IsDefined("window_command") {
		cfg.WindowCommand = append([]string(nil), raw.WindowCommand...)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"probe_timeout", raw.ProbeTimeout, &cfg.ProbeTimeout},
		{"retry_base_delay", raw.RetryBaseDelay, &cfg.RetryBaseDelay},
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"heartbeat_stale_after", raw.HeartbeatStale, &cfg.HeartbeatStaleAfter},
		{"window_poll_interval", raw.WindowPoll, &cfg.WindowPollInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("retry_base_delay_ms") {
		cfg.RetryBaseDelay = time.Duration(raw.RetryBaseDelayMS) * time.Millisecond
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays IDVLINK_* environment variables onto c.
func (c Config) ApplyEnv() (Config, error) {
	if v := strings.TrimSpace(os.Getenv(EnvChannelEndpoint)); v != "" {
		c.ChannelEndpointURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAuxiliaryApp)); v != "" {
		c.AuxiliaryAppURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSecurityMode)); v != "" {
		c.SecurityMode = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTransport)); v != "" {
		c.Transport = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvCAFile)); v != "" {
		c.CAFile = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvMaxRetries)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", EnvMaxRetries, err)
		}
		c.MaxRetries = n
	}
	return c, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ChannelEndpointURL) == "" {
		return ErrChannelEndpointRequired
	}
	if err := validateURL(c.ChannelEndpointURL, "http", "https", "ws", "wss"); err != nil {
		return fmt.Errorf("channel_url: %w", err)
	}
	if strings.TrimSpace(c.AuxiliaryAppURL) == "" {
		return ErrAuxiliaryAppRequired
	}
	if err := validateURL(c.AuxiliaryAppURL, "http", "https"); err != nil {
		return fmt.Errorf("auxiliary_app_url: %w", err)
	}
	for _, u := range []string{c.VerifyEndpointURL, c.ResultsEndpointURL} {
		if strings.TrimSpace(u) == "" {
			continue
		}
		if err := validateURL(u, "http", "https"); err != nil {
			return err
		}
	}
	if c.MaxRetries < 0 {
		return ErrInvalidMaxRetries
	}
	switch c.Transport {
	case TransportSSE, TransportWebSocket:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTransport, c.Transport)
	}
	switch c.HandoffParam {
	case HandoffParamConnID, HandoffParamSessionID:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidHandoffParam, c.HandoffParam)
	}
	intervals := map[string]time.Duration{
		"probe_timeout":         c.ProbeTimeout,
		"retry_base_delay":      c.RetryBaseDelay,
		"heartbeat_interval":    c.HeartbeatInterval,
		"heartbeat_stale_after": c.HeartbeatStaleAfter,
		"window_poll_interval":  c.WindowPollInterval,
	}
	for name, d := range intervals {
		if d <= 0 {
			return fmt.Errorf("%w: %s=%v", ErrInvalidInterval, name, d)
		}
	}
	if c.HeartbeatMaxMissed <= 0 {
		return fmt.Errorf("%w: heartbeat_max_missed=%d", ErrInvalidInterval, c.HeartbeatMaxMissed)
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host in %q", ErrInvalidURL, raw)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
}
