package channel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedEvent = errors.New("channel: malformed event payload")

const (
	EventConnection    = "connection"
	EventSessionOpened = "session.opened"
	eventMessage       = "message"
)

// Event is one raw frame delivered by the channel. Type is empty for
// unnamed frames.
type Event struct {
	Type string
	ID   string
	Data string
}

func (e Event) Named() bool {
	return e.Type != "" && e.Type != eventMessage
}

// Envelope is the JSON payload carried by every frame.
type Envelope struct {
	ID        string          `json:"id,omitempty"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp,omitempty"`
}

type Kind int

const (
	KindUnknown Kind = iota
	KindAnnouncement
	KindSessionOpened
	KindHandoff
)

func (k Kind) String() string {
	switch k {
	case KindAnnouncement:
		return "announcement"
	case KindSessionOpened:
		return "session_opened"
	case KindHandoff:
		return "handoff"
	default:
		return "unknown"
	}
}

// Message is a classified frame.
type Message struct {
	Kind     Kind
	Name     string
	Value    string
	Envelope Envelope
}

// Classify maps a frame to its protocol meaning. Named frames are routed by
// frame name; a named handoffEvent frame carries the correlation token.
// Unnamed frames are routed by the envelope's event field, where
// "connection" is only a channel-level announcement.
func Classify(ev Event, handoffEvent string) (Message, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(ev.Data), &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	msg := Message{Name: env.Event, Envelope: env}
	if ev.Named() {
		msg.Name = ev.Type
	}

	switch {
	case msg.Name == EventSessionOpened:
		msg.Kind = KindSessionOpened
	case ev.Named() && msg.Name == handoffEvent:
		msg.Kind = KindHandoff
	case !ev.Named() && msg.Name == EventConnection:
		msg.Kind = KindAnnouncement
		return msg, nil
	case !ev.Named() && msg.Name == handoffEvent:
		msg.Kind = KindHandoff
	default:
		return msg, nil
	}

	value, err := dataString(env.Data)
	if err != nil {
		return Message{}, err
	}
	if value == "" {
		return Message{}, fmt.Errorf("%w: %s without data", ErrMalformedEvent, msg.Name)
	}
	msg.Value = value
	return msg, nil
}

func dataString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return strings.TrimSpace(s), nil
	case '{', '[':
		return "", fmt.Errorf("%w: structured data where an identifier was expected", ErrMalformedEvent)
	default:
		return string(raw), nil
	}
}
