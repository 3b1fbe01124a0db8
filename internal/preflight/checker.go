package preflight

import (
	"context"
	"crypto/tls"
	"fmt"
	"go/version"
	"net/http"
	"net/url"
	"path"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/idvlink/internal/logging"
	"github.com/danmuck/idvlink/internal/observability"
)

// minRuntimeVersion is the oldest Go runtime whose crypto/tls negotiates
// TLS 1.2+ with modern cipher suites by default.
const minRuntimeVersion = "go1.13"

// Assessment is produced fresh for every connection attempt.
type Assessment struct {
	Accepted bool
	Detail   string
}

func reject(detail string) Assessment {
	return Assessment{Accepted: false, Detail: detail}
}

// RuntimeCheck inspects the hosting runtime's secure-transport capability.
type RuntimeCheck func() (supported bool, detail string)

type Option func(*Checker)

// WithHTTPClient replaces the probe client. The client's cookie jar is ignored.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Checker) {
		c.client = client
	}
}

func WithRuntimeCheck(check RuntimeCheck) Option {
	return func(c *Checker) {
		c.runtime = check
	}
}

// Checker gates connection attempts on the transport-security policy.
type Checker struct {
	policy  Policy
	client  *http.Client
	runtime RuntimeCheck
	log     zerolog.Logger
}

func NewChecker(policy Policy, opts ...Option) (*Checker, error) {
	c := &Checker{
		policy:  policy,
		runtime: RuntimeTLSSupport,
		log:     logging.For("preflight"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		tlsCfg, err := policy.TLSConfig()
		if err != nil {
			return nil, err
		}
		c.client = &http.Client{
			Timeout:   policy.ProbeTimeout,
			Transport: &http.Transport{TLSClientConfig: tlsCfg, Proxy: http.ProxyFromEnvironment},
		}
	}
	return c, nil
}

// Check evaluates endpoint against the policy. It never returns an error;
// every failure is folded into a rejected Assessment.
func (c *Checker) Check(ctx context.Context, endpoint string) Assessment {
	start := time.Now()
	a := c.check(ctx, endpoint)
	observability.RecordPreflight(string(c.policy.Mode), a.Accepted, time.Since(start))
	ev := c.log.Info()
	if !a.Accepted {
		ev = c.log.Warn()
	}
	ev.Str("endpoint", redact(endpoint)).
		Str("mode", string(c.policy.Mode)).
		Bool("accepted", a.Accepted).
		Str("detail", a.Detail).
		Msg("preflight assessed")
	return a
}

func (c *Checker) check(ctx context.Context, endpoint string) Assessment {
	runtimeDetail := "Development environment: TLS checks bypassed"
	if !c.policy.Relaxed() {
		supported, detail := c.runtime()
		if !supported {
			return reject(detail)
		}
		runtimeDetail = detail
	}

	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || u.Host == "" {
		return reject(fmt.Sprintf("invalid channel endpoint %q", endpoint))
	}

	var secure bool
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		secure = true
	case "http", "ws":
		if !c.policy.Relaxed() {
			return reject("HTTPS is required for secure communication in production")
		}
	default:
		return reject(fmt.Sprintf("unsupported endpoint scheme %q", u.Scheme))
	}

	probe, err := ProbeURL(u, c.policy.ChannelPathSuffix, c.policy.ProbePath)
	if err != nil {
		return reject(err.Error())
	}
	serverDetail, ok := c.probe(ctx, probe, secure)
	if !ok {
		return reject(serverDetail)
	}
	return Assessment{Accepted: true, Detail: runtimeDetail + " | Server: " + serverDetail}
}

func (c *Checker) probe(ctx context.Context, probe string, secure bool) (detail string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			detail, ok = fmt.Sprintf("pre-connection probe aborted: %v", r), false
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, probe, nil)
	if err != nil {
		return fmt.Sprintf("pre-connection probe request invalid: %v", err), false
	}
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")

	// A client copy without a jar keeps credentials out of the probe.
	client := *c.client
	client.Jar = nil
	resp, err := client.Do(req)
	if err != nil {
		if IsTLSError(err) {
			return fmt.Sprintf("TLS handshake failed; TLS 1.2 or higher is required: %v", err), false
		}
		return fmt.Sprintf("pre-connection probe failed: %v", err), false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Sprintf("pre-connection validation failed: status %d", resp.StatusCode), false
	}
	if !secure {
		return "HTTP connection (development mode, not production-grade)", true
	}

	detail = "TLS connection established"
	if resp.TLS != nil {
		detail += " (" + tls.VersionName(resp.TLS.Version) + ")"
	}
	if resp.Header.Get("Strict-Transport-Security") != "" {
		detail += " with HSTS enabled"
	}
	return detail, true
}

// ProbeURL derives the well-known sibling probe location of a channel
// endpoint. A trailing channelSuffix is swapped for probePath; otherwise the
// probe lives next to the endpoint's last path segment. ws(s) maps to http(s)
// and userinfo, query and fragment are dropped.
func ProbeURL(endpoint *url.URL, channelSuffix, probePath string) (string, error) {
	if endpoint == nil || endpoint.Host == "" {
		return "", fmt.Errorf("preflight: endpoint host required")
	}
	u := url.URL{Scheme: strings.ToLower(endpoint.Scheme), Host: endpoint.Host}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}

	base := strings.TrimRight(endpoint.Path, "/")
	if channelSuffix != "" && strings.HasSuffix(base, channelSuffix) {
		base = strings.TrimSuffix(base, channelSuffix)
	} else {
		base = path.Dir(base)
	}
	if base == "." || base == "/" {
		base = ""
	}
	u.Path = base + "/" + strings.TrimLeft(probePath, "/")
	return u.String(), nil
}

// RuntimeTLSSupport is the default runtime capability check.
func RuntimeTLSSupport() (bool, string) {
	v := runtime.Version()
	if !version.IsValid(v) {
		return true, fmt.Sprintf("Runtime TLS support assumed (%s)", v)
	}
	if version.Compare(v, minRuntimeVersion) < 0 {
		return false, fmt.Sprintf("%s may not support TLS 1.2+; upgrade to %s or newer", v, minRuntimeVersion)
	}
	return true, fmt.Sprintf("%s supports TLS 1.2+", v)
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}
