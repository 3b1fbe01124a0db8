package window

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrIntrospectionDenied means the closed state cannot be read right now.
	// It is not a closure signal.
	ErrIntrospectionDenied = errors.New("window: closed state not readable")
	ErrLaunchBlocked       = errors.New("window: launch blocked")
	ErrClosedOnLaunch      = errors.New("window: closed immediately after launch")
	ErrWindowGone          = errors.New("window: gone")
	ErrTokenRequired       = errors.New("window: handoff token required")
)

// Message types exchanged with the window.
const (
	MessagePing   = "ping"
	MessageClosed = "closed"
)

// Message is one JSON message to or from the window.
type Message struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Window is a handle to an out-of-process verification flow. Every probe is
// best effort; an error from PostMessage or Focus means the window is gone.
type Window interface {
	ID() string
	Closed() (bool, error)
	PostMessage(Message) error
	Focus() error
	// Messages yields messages the window sends on its own. It may be nil.
	Messages() <-chan Message
	Close() error
}

// Launcher opens windows.
type Launcher interface {
	Open(ctx context.Context, rawURL string) (Window, error)
}

// BuildURL appends the handoff token to the auxiliary app URL under param.
func BuildURL(appURL, param, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrTokenRequired
	}
	u, err := url.Parse(strings.TrimSpace(appURL))
	if err != nil {
		return "", fmt.Errorf("window: parse app url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("window: app url %q is not absolute", appURL)
	}
	q := u.Query()
	q.Set(param, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Launch opens a window and rejects one that is already closed.
func Launch(ctx context.Context, l Launcher, rawURL string) (Window, error) {
	w, err := l.Open(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchBlocked, err)
	}
	if w == nil {
		return nil, ErrLaunchBlocked
	}
	if closed, err := w.Closed(); err == nil && closed {
		return nil, ErrClosedOnLaunch
	}
	return w, nil
}
