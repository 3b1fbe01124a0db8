package channel

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrStreamEnded    = errors.New("channel: stream ended")
	ErrUnexpectedOpen = errors.New("channel: unexpected open response")
)

// Listener observes one channel. OnOpen or OnError arrives first, OnError at
// most once, and nothing is delivered after the channel is closed.
type Listener interface {
	OnOpen()
	OnEvent(Event)
	OnError(error)
}

// Channel is a live server-push stream. Observers may add listeners; only
// the owner closes it.
type Channel interface {
	AddListener(Listener) (remove func())
	Close() error
}

// Dialer starts a channel without blocking. The outcome of opening is
// reported to l.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, l Listener) Channel
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Open  func()
	Event func(Event)
	Error func(error)
}

func (f ListenerFuncs) OnOpen() {
	if f.Open != nil {
		f.Open()
	}
}

func (f ListenerFuncs) OnEvent(ev Event) {
	if f.Event != nil {
		f.Event(ev)
	}
}

func (f ListenerFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// fanout delivers stream callbacks to every registered listener and enforces
// the open/error/close ordering shared by all transports.
type fanout struct {
	mu        sync.Mutex
	listeners map[uint64]Listener
	next      uint64
	closed    bool
	failed    bool
	cancel    context.CancelFunc
	closeFn   func() error
	closeOnce sync.Once
}

func newFanout(primary Listener, cancel context.CancelFunc) *fanout {
	f := &fanout{listeners: make(map[uint64]Listener), cancel: cancel}
	if primary != nil {
		f.listeners[0] = primary
	}
	f.next = 1
	return f
}

func (f *fanout) AddListener(l Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.listeners[id] = l
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *fanout) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		closeFn := f.closeFn
		f.mu.Unlock()
		f.cancel()
		if closeFn != nil {
			err = closeFn()
		}
	})
	return err
}

func (f *fanout) setCloser(fn func() error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeFn = fn
}

func (f *fanout) snapshot() []Listener {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.failed {
		return nil
	}
	out := make([]Listener, 0, len(f.listeners))
	for _, l := range f.listeners {
		out = append(out, l)
	}
	return out
}

func (f *fanout) open() {
	for _, l := range f.snapshot() {
		l.OnOpen()
	}
}

func (f *fanout) event(ev Event) {
	for _, l := range f.snapshot() {
		l.OnEvent(ev)
	}
}

func (f *fanout) fail(err error) {
	listeners := f.snapshot()
	f.mu.Lock()
	if f.failed {
		listeners = nil
	}
	f.failed = true
	f.mu.Unlock()
	for _, l := range listeners {
		l.OnError(err)
	}
}
