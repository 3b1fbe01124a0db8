package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/idvlink/internal/logging"
)

// SSEDialer opens text/event-stream channels over HTTP(S).
type SSEDialer struct {
	client *http.Client
	log    zerolog.Logger
}

// NewSSEDialer builds a dialer whose client never follows cookies and never
// times out an established stream.
func NewSSEDialer(tlsCfg *tls.Config, headerTimeout time.Duration) *SSEDialer {
	return &SSEDialer{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				TLSClientConfig:       tlsCfg,
				ResponseHeaderTimeout: headerTimeout,
			},
		},
		log: logging.For("channel.sse"),
	}
}

// NewSSEDialerWithClient is used when the caller already owns a client.
func NewSSEDialerWithClient(client *http.Client) *SSEDialer {
	return &SSEDialer{client: client, log: logging.For("channel.sse")}
}

func (d *SSEDialer) Dial(ctx context.Context, endpoint string, l Listener) Channel {
	streamCtx, cancel := context.WithCancel(ctx)
	f := newFanout(l, cancel)
	go d.stream(streamCtx, endpoint, f)
	return f
}

func (d *SSEDialer) stream(ctx context.Context, endpoint string, f *fanout) {
	defer f.cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		f.fail(err)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			f.fail(err)
		}
		return
	}
	defer resp.Body.Close()
	f.setCloser(resp.Body.Close)

	if resp.StatusCode != http.StatusOK {
		f.fail(fmt.Errorf("%w: status %d", ErrUnexpectedOpen, resp.StatusCode))
		return
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		f.fail(fmt.Errorf("%w: content type %q", ErrUnexpectedOpen, mediaType))
		return
	}

	d.log.Debug().Str("endpoint", endpoint).Msg("stream open")
	f.open()

	scanner := NewScanner(resp.Body)
	for scanner.Next() {
		f.event(scanner.Event())
	}
	if ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		f.fail(err)
		return
	}
	f.fail(ErrStreamEnded)
}
