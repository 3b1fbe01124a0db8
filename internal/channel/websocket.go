package channel

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/danmuck/idvlink/internal/logging"
)

// WebSocketDialer opens channels for deployments that push envelopes over a
// WebSocket instead of an event stream. Every text frame is one envelope
// and is delivered as a frame named after the envelope's event.
type WebSocketDialer struct {
	dialer *websocket.Dialer
	log    zerolog.Logger
}

func NewWebSocketDialer(tlsCfg *tls.Config, handshakeTimeout time.Duration) *WebSocketDialer {
	return &WebSocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			TLSClientConfig:  tlsCfg,
			HandshakeTimeout: handshakeTimeout,
		},
		log: logging.For("channel.websocket"),
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string, l Listener) Channel {
	streamCtx, cancel := context.WithCancel(ctx)
	f := newFanout(l, cancel)
	go d.stream(streamCtx, endpoint, f)
	return f
}

func (d *WebSocketDialer) stream(ctx context.Context, endpoint string, f *fanout) {
	defer f.cancel()
	wsURL, err := WebSocketURL(endpoint)
	if err != nil {
		f.fail(err)
		return
	}
	conn, resp, err := d.dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() == nil {
			f.fail(err)
		}
		return
	}
	defer conn.Close()
	f.setCloser(conn.Close)

	// Unblock ReadMessage when the owner cancels.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	d.log.Debug().Str("endpoint", wsURL).Msg("websocket open")
	f.open()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				f.fail(ErrStreamEnded)
				return
			}
			f.fail(err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		ev := Event{Data: string(data)}
		var env Envelope
		if json.Unmarshal(data, &env) == nil {
			ev.Type = env.Event
			ev.ID = env.ID
		}
		f.event(ev)
	}
}

// WebSocketURL maps http(s) endpoints onto ws(s).
func WebSocketURL(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("channel: unsupported websocket scheme %q", u.Scheme)
	}
	return u.String(), nil
}
