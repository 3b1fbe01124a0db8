// Package idvlink supervises a server-push session channel to an
// identity-verification service and the auxiliary verification window tied
// to it.
//
// Callers build a Config, supply a Sink, and drive the Orchestrator with
// Establish and Cleanup. Every outcome is reported through the Sink.
package idvlink

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/danmuck/idvlink/internal/config"
	"github.com/danmuck/idvlink/internal/idvapi"
	"github.com/danmuck/idvlink/internal/logging"
	"github.com/danmuck/idvlink/internal/session"
	"github.com/danmuck/idvlink/internal/window"
)

type (
	Config       = config.Config
	Orchestrator = session.Orchestrator
	Option       = session.Option
	Status       = session.Status
	State        = session.State
	Cause        = session.Cause
	Failure      = session.Failure
	Sink         = session.Sink
	SinkFuncs    = session.SinkFuncs

	AttemptObserver  = session.AttemptObserver
	SecurityObserver = session.SecurityObserver
	WindowObserver   = session.WindowObserver
	FailureObserver  = session.FailureObserver

	Launcher     = window.Launcher
	Window       = window.Window
	WindowSignal = window.Signal

	APIClient = idvapi.Client
	APIResult = idvapi.Result
)

const (
	StatusIdle         = session.StatusIdle
	StatusConnecting   = session.StatusConnecting
	StatusConnected    = session.StatusConnected
	StatusDisconnected = session.StatusDisconnected

	CauseSecurityRejected = session.CauseSecurityRejected
	CauseTransportError   = session.CauseTransportError
	CauseLivenessLost     = session.CauseLivenessLost
	CauseAuxiliaryClosed  = session.CauseAuxiliaryClosed
	CauseMalformedEvent   = session.CauseMalformedEvent
)

func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads a TOML file and applies IDVLINK_* environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err = cfg.ApplyEnv()
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// New configures runtime logging once and starts an orchestrator.
func New(cfg Config, sink Sink, opts ...Option) (*Orchestrator, error) {
	logging.ConfigureRuntime()
	return session.New(cfg, sink, opts...)
}

// WithLauncher sets how auxiliary windows are opened.
func WithLauncher(l Launcher) Option {
	return session.WithLauncher(l)
}

// WithRegisterer registers the session metrics on reg instead of the
// default prometheus registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return session.WithRegisterer(reg)
}

// NewAPIClient returns helpers for the verify and results endpoints.
func NewAPIClient(cfg Config, client *http.Client) *APIClient {
	return idvapi.NewClientFromConfig(cfg, client)
}
