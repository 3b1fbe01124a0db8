package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/idvlink/internal/channel"
	"github.com/danmuck/idvlink/internal/config"
	"github.com/danmuck/idvlink/internal/preflight"
	"github.com/danmuck/idvlink/internal/window"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ChannelEndpointURL = "https://idv.example.com/v1/webhook/session"
	cfg.AuxiliaryAppURL = "https://app.example.com/verify"
	cfg.RetryBaseDelay = 20 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	cfg.HeartbeatStaleAfter = time.Hour
	cfg.WindowPollInterval = 5 * time.Millisecond
	return cfg
}

type fakePreflight struct {
	assessment preflight.Assessment
	calls      atomic.Int32
}

func accepting() *fakePreflight {
	return &fakePreflight{assessment: preflight.Assessment{Accepted: true, Detail: "TLS 1.3 supported"}}
}

func (f *fakePreflight) Check(context.Context, string) preflight.Assessment {
	f.calls.Add(1)
	return f.assessment
}

// fakeChannel delivers whatever the test drives. raw delivery bypasses the
// closed check to simulate callbacks racing teardown.
type fakeChannel struct {
	mu        sync.Mutex
	listeners map[int]channel.Listener
	next      int
	closed    bool
}

func (c *fakeChannel) AddListener(l channel.Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.listeners[id] = l
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) each(raw bool, fn func(channel.Listener)) {
	c.mu.Lock()
	if c.closed && !raw {
		c.mu.Unlock()
		return
	}
	ls := make([]channel.Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.mu.Unlock()
	for _, l := range ls {
		fn(l)
	}
}

func (c *fakeChannel) Open()          { c.each(false, func(l channel.Listener) { l.OnOpen() }) }
func (c *fakeChannel) Fail(err error) { c.each(false, func(l channel.Listener) { l.OnError(err) }) }
func (c *fakeChannel) Emit(ev channel.Event) {
	c.each(false, func(l channel.Listener) { l.OnEvent(ev) })
}

func (c *fakeChannel) RawEmit(ev channel.Event) {
	c.each(true, func(l channel.Listener) { l.OnEvent(ev) })
}

// fakeDialer hands every dialed channel to the test. behave, when set, runs
// on each new channel before Dial returns its handle.
type fakeDialer struct {
	mu     sync.Mutex
	chans  []*fakeChannel
	times  []time.Time
	behave func(n int, c *fakeChannel)
}

func (d *fakeDialer) Dial(_ context.Context, _ string, l channel.Listener) channel.Channel {
	c := &fakeChannel{listeners: map[int]channel.Listener{0: l}, next: 1}
	d.mu.Lock()
	d.chans = append(d.chans, c)
	d.times = append(d.times, time.Now())
	n := len(d.chans)
	behave := d.behave
	d.mu.Unlock()
	if behave != nil {
		go behave(n, c)
	}
	return c
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.chans)
}

func (d *fakeDialer) last() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.chans) == 0 {
		return nil
	}
	return d.chans[len(d.chans)-1]
}

func (d *fakeDialer) at(i int) *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chans[i]
}

func (d *fakeDialer) dialTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.times...)
}

func openEvery(_ int, c *fakeChannel) { c.Open() }

type fakeWindow struct {
	mu       sync.Mutex
	closed   bool
	shutdown bool
	msgs     chan window.Message
}

func (w *fakeWindow) ID() string { return "fake-window" }

func (w *fakeWindow) Closed() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed, nil
}

func (w *fakeWindow) PostMessage(window.Message) error { return nil }
func (w *fakeWindow) Focus() error                     { return nil }
func (w *fakeWindow) Messages() <-chan window.Message  { return w.msgs }

func (w *fakeWindow) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.shutdown = true
	return nil
}

func (w *fakeWindow) markClosed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}

func (w *fakeWindow) wasShutdown() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shutdown
}

// fakeLauncher records every launch. delay holds Open before the window
// exists so a launch can still be in flight when the session moves on.
type fakeLauncher struct {
	mu      sync.Mutex
	urls    []string
	windows []*fakeWindow
	byURL   map[string]*fakeWindow
	err     error
	delay   time.Duration
}

func (l *fakeLauncher) Open(_ context.Context, rawURL string) (window.Window, error) {
	l.mu.Lock()
	l.urls = append(l.urls, rawURL)
	delay := l.delay
	l.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	w := &fakeWindow{msgs: make(chan window.Message, 1)}
	l.windows = append(l.windows, w)
	if l.byURL == nil {
		l.byURL = make(map[string]*fakeWindow)
	}
	l.byURL[rawURL] = w
	return w, nil
}

func (l *fakeLauncher) launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *fakeLauncher) windowFor(rawURL string) *fakeWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byURL[rawURL]
}

func (l *fakeLauncher) opened() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.urls...)
}

func (l *fakeLauncher) window(i int) *fakeWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.windows[i]
}

// recordingSink implements Sink and every optional observer.
type recordingSink struct {
	mu       sync.Mutex
	statuses []Status
	sessions []string
	attempts []int
	infos    []string
	errs     []string
	failures []Failure
	closures []window.Signal
}

func (s *recordingSink) OnStatusChange(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, st)
}

func (s *recordingSink) OnSessionIDChange(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, id)
}

func (s *recordingSink) OnAttemptChange(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, n)
}

func (s *recordingSink) OnSecurityDetail(info, err string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info != "" {
		s.infos = append(s.infos, info)
	}
	if err != "" {
		s.errs = append(s.errs, err)
	}
}

func (s *recordingSink) OnFailure(f Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, f)
}

func (s *recordingSink) OnWindowClosed(sig window.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closures = append(s.closures, sig)
}

func (s *recordingSink) statusSeq() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Status(nil), s.statuses...)
}

func (s *recordingSink) sessionIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sessions...)
}

func (s *recordingSink) attemptSeq() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.attempts...)
}

func (s *recordingSink) securityErrs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.errs...)
}

func (s *recordingSink) causes() []Cause {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Cause, 0, len(s.failures))
	for _, f := range s.failures {
		out = append(out, f.Cause)
	}
	return out
}

func (s *recordingSink) windowClosures() []window.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]window.Signal(nil), s.closures...)
}

func (s *recordingSink) lastStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return ""
	}
	return s.statuses[len(s.statuses)-1]
}

func newTestOrchestrator(t *testing.T, cfg config.Config, sink Sink, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(cfg, sink, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		o.Close()
		<-o.Done()
	})
	return o
}

func waitStatus(t *testing.T, sink *recordingSink, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return sink.lastStatus() == want }, 2*time.Second, 2*time.Millisecond,
		"status never reached %s, saw %v", want, sink.statusSeq())
}

// countingTransport fails the test's expectations if any request is made.
type countingTransport struct {
	calls atomic.Int32
}

func (c *countingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return nil, errors.New("unexpected network call")
}
