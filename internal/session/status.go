package session

import (
	"fmt"

	"github.com/danmuck/idvlink/internal/window"
)

// Status is the connection status reported to the sink.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Cause classifies a failure.
type Cause string

const (
	CauseSecurityRejected Cause = "security_rejected"
	CauseTransportError   Cause = "transport_error"
	CauseLivenessLost     Cause = "liveness_lost"
	CauseAuxiliaryClosed  Cause = "auxiliary_closed"
	CauseMalformedEvent   Cause = "malformed_event"
)

// Retryable reports whether the cause consumes the retry budget.
func (c Cause) Retryable() bool {
	return c == CauseTransportError || c == CauseLivenessLost
}

// Failure is the normalized form of every fault the orchestrator observes.
type Failure struct {
	Cause  Cause
	Detail string
	Err    error
}

func (f Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Cause, f.Detail, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Cause, f.Detail)
}

func (f Failure) Unwrap() error { return f.Err }

// Sink receives status transitions and session identifiers. Calls are made
// synchronously from the orchestrator loop and must not block for long.
type Sink interface {
	OnStatusChange(Status)
	OnSessionIDChange(string)
}

// AttemptObserver is an optional Sink extension for the retry counter.
type AttemptObserver interface {
	OnAttemptChange(attempt int)
}

// SecurityObserver is an optional Sink extension for preflight details.
// Exactly one of info or err is non-empty, except at the start of an
// attempt when both are cleared.
type SecurityObserver interface {
	OnSecurityDetail(info, err string)
}

// WindowObserver is an optional Sink extension for auxiliary window closure.
type WindowObserver interface {
	OnWindowClosed(signal window.Signal)
}

// FailureObserver is an optional Sink extension that sees every normalized
// failure, including ones that leave the status unchanged.
type FailureObserver interface {
	OnFailure(Failure)
}

// SinkFuncs adapts plain functions to Sink. Nil fields are skipped.
type SinkFuncs struct {
	Status    func(Status)
	SessionID func(string)
}

func (s SinkFuncs) OnStatusChange(st Status) {
	if s.Status != nil {
		s.Status(st)
	}
}

func (s SinkFuncs) OnSessionIDChange(id string) {
	if s.SessionID != nil {
		s.SessionID(id)
	}
}

// State is a point-in-time copy of the orchestrator's observable state.
type State struct {
	Status       Status
	Attempt      int
	MaxAttempts  int
	SessionID    string
	AttemptID    string
	SecurityInfo string
	SecurityErr  string
	WindowActive bool
	RetryPending bool
}
