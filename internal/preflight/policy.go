package preflight

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/idvlink/internal/config"
)

var (
	ErrInvalidSecurityMode = errors.New("preflight: invalid security mode")
	ErrCABundle            = errors.New("preflight: unable to parse ca bundle")
)

// Mode selects how strictly transport security is enforced.
type Mode string

const (
	ModeDevelopment Mode = config.SecurityModeDevelopment
	ModeProduction  Mode = config.SecurityModeProduction
)

// NormalizeMode lowercases raw and defaults an empty value to production.
func NormalizeMode(raw string) Mode {
	if strings.TrimSpace(raw) == "" {
		return ModeProduction
	}
	return Mode(strings.ToLower(strings.TrimSpace(raw)))
}

// Policy is resolved once from configuration and shared by the checker and
// the channel dialers.
type Policy struct {
	Mode              Mode
	ProbePath         string
	ChannelPathSuffix string
	ProbeTimeout      time.Duration
	CAFile            string
}

func PolicyFromConfig(cfg config.Config) (Policy, error) {
	mode := NormalizeMode(cfg.SecurityMode)
	switch mode {
	case ModeDevelopment, ModeProduction:
	default:
		return Policy{}, fmt.Errorf("%w: %q", ErrInvalidSecurityMode, cfg.SecurityMode)
	}
	p := Policy{
		Mode:              mode,
		ProbePath:         strings.TrimSpace(cfg.ProbePath),
		ChannelPathSuffix: strings.TrimSpace(cfg.ChannelPathSuffix),
		ProbeTimeout:      cfg.ProbeTimeout,
		CAFile:            strings.TrimSpace(cfg.CAFile),
	}
	if p.ProbePath == "" {
		p.ProbePath = "/test"
	}
	if p.ProbeTimeout <= 0 {
		p.ProbeTimeout = 10 * time.Second
	}
	return p, nil
}

// Relaxed reports whether plaintext transport is tolerated.
func (p Policy) Relaxed() bool {
	return p.Mode == ModeDevelopment
}

// TLSConfig returns the client TLS settings every outbound connection uses.
func (p Policy) TLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if p.CAFile == "" {
		return cfg, nil
	}
	caPEM, err := os.ReadFile(p.CAFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, fmt.Errorf("%w: %s", ErrCABundle, p.CAFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}
