package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/danmuck/idvlink/internal/channel"
	"github.com/danmuck/idvlink/internal/config"
	"github.com/danmuck/idvlink/internal/heartbeat"
	"github.com/danmuck/idvlink/internal/logging"
	"github.com/danmuck/idvlink/internal/observability"
	"github.com/danmuck/idvlink/internal/preflight"
	"github.com/danmuck/idvlink/internal/window"
)

const (
	detailChannelTLS      = "TLS connection failed. Only TLS 1.2+ is supported. Please ensure your server supports modern TLS versions."
	detailConnectedSecure = "Connected with secure TLS"
	detailConnectedDev    = "Connected in development mode"
)

// Preflight gates each connection attempt.
type Preflight interface {
	Check(ctx context.Context, endpoint string) preflight.Assessment
}

type Option func(*Orchestrator)

func WithPreflight(p Preflight) Option {
	return func(o *Orchestrator) { o.pre = p }
}

func WithDialer(d channel.Dialer) Option {
	return func(o *Orchestrator) { o.dialer = d }
}

func WithLauncher(l window.Launcher) Option {
	return func(o *Orchestrator) { o.launcher = l }
}

// WithBackoff replaces the linear backoff derived from the config.
func WithBackoff(b BackoffConfig) Option {
	return func(o *Orchestrator) { o.backoff = b }
}

// WithRegisterer selects where metrics are registered. Nil or unset means
// the default prometheus registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Orchestrator) { o.registerer = reg }
}

// Orchestrator supervises one channel and at most one auxiliary window.
// Public methods never block and never return errors; outcomes reach the
// sink.
type Orchestrator struct {
	cfg        config.Config
	sink       Sink
	pre        Preflight
	dialer     channel.Dialer
	launcher   window.Launcher
	backoff    BackoffConfig
	registerer prometheus.Registerer
	strict     bool
	handoff    string
	log        zerolog.Logger

	qmu       sync.Mutex
	queue     []func()
	closed    bool
	wake      chan struct{}
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	// Loop-owned below.
	status     Status
	attempt    int
	gen        uint64
	attemptID  string
	cancel     context.CancelFunc
	ch         channel.Channel
	detachHB   func()
	retry      *time.Timer
	retryGen   uint64
	win        window.Window
	winGen     uint64
	closeGen   uint64
	stopWin    func()
	sessionID  string
	sessionGen uint64
	secInfo    string
	secErr     string

	smu   sync.Mutex
	state State
}

// New validates cfg and starts the orchestrator loop. Missing collaborators
// are built from cfg: a preflight checker for the configured security mode,
// a dialer for the configured transport, and a process launcher when a
// window command is set.
func New(cfg config.Config, sink Sink, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := preflight.PolicyFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = SinkFuncs{}
	}
	o := &Orchestrator{
		cfg:      cfg,
		sink:     sink,
		backoff:  LinearBackoff(cfg.RetryBaseDelay),
		strict:   !policy.Relaxed(),
		handoff:  strings.TrimSpace(cfg.HandoffEvent),
		log:      logging.For("session"),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		status:   StatusIdle,
	}
	if o.handoff == "" {
		o.handoff = channel.EventConnection
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.pre == nil {
		checker, err := preflight.NewChecker(policy)
		if err != nil {
			return nil, err
		}
		o.pre = checker
	}
	if o.dialer == nil {
		tlsCfg, err := policy.TLSConfig()
		if err != nil {
			return nil, err
		}
		switch cfg.Transport {
		case config.TransportWebSocket:
			o.dialer = channel.NewWebSocketDialer(tlsCfg, cfg.ProbeTimeout)
		default:
			o.dialer = channel.NewSSEDialer(tlsCfg, cfg.ProbeTimeout)
		}
	}
	if o.launcher == nil && len(cfg.WindowCommand) > 0 {
		launcher, err := window.NewProcessLauncher(cfg.WindowCommand)
		if err != nil {
			return nil, err
		}
		o.launcher = launcher
	}
	if err := observability.RegisterMetrics(o.registerer); err != nil {
		o.log.Warn().Err(err).Msg("metrics registration incomplete")
	}
	o.publish()
	go o.run()
	o.log.Info().
		Str("endpoint", cfg.ChannelEndpointURL).
		Str("mode", string(policy.Mode)).
		Str("transport", cfg.Transport).
		Int("max_retries", cfg.MaxRetries).
		Msg("orchestrator ready")
	return o, nil
}

// Establish starts a fresh connection attempt with a full retry budget.
// Any active channel or pending retry is replaced.
func (o *Orchestrator) Establish() {
	o.post(o.establish)
}

// Cleanup stops every monitor and timer, closes the channel and the window,
// and forces the status to disconnected. Safe from any state, any number of
// times.
func (o *Orchestrator) Cleanup() {
	o.post(o.cleanup)
}

// Close runs Cleanup and stops the loop. Later calls to Establish and
// Cleanup are ignored.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.post(o.cleanup)
		o.qmu.Lock()
		o.closed = true
		o.qmu.Unlock()
		close(o.done)
	})
}

// Done is closed once the loop has exited after Close.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.loopDone
}

func (o *Orchestrator) State() State {
	o.smu.Lock()
	defer o.smu.Unlock()
	return o.state
}

func (o *Orchestrator) post(fn func()) bool {
	o.qmu.Lock()
	if o.closed {
		o.qmu.Unlock()
		return false
	}
	o.queue = append(o.queue, fn)
	o.qmu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

func (o *Orchestrator) run() {
	defer close(o.loopDone)
	for {
		select {
		case <-o.wake:
			o.drain()
		case <-o.done:
			o.drain()
			o.log.Debug().Msg("orchestrator loop stopped")
			return
		}
	}
}

func (o *Orchestrator) drain() {
	for {
		o.qmu.Lock()
		batch := o.queue
		o.queue = nil
		o.qmu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

func (o *Orchestrator) establish() {
	o.cancelRetry()
	o.teardownAttempt()
	if o.attempt != 0 {
		o.attempt = 0
		o.notifyAttempt()
	}
	o.begin()
}

func (o *Orchestrator) cleanup() {
	o.cancelRetry()
	o.teardownAttempt()
	o.stopWindow(true)
	o.setStatus(StatusDisconnected)
}

// begin starts one attempt: preflight first, then the dial.
func (o *Orchestrator) begin() {
	o.gen++
	gen := o.gen
	o.attemptID = uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.setStatus(StatusConnecting)
	o.setSecurity("", "")
	o.attemptLog().Info().Msg("connection attempt started")

	endpoint := o.cfg.ChannelEndpointURL
	go func() {
		a := o.pre.Check(ctx, endpoint)
		o.post(func() {
			if gen != o.gen {
				return
			}
			o.onAssessed(ctx, gen, a)
		})
	}()
}

func (o *Orchestrator) onAssessed(ctx context.Context, gen uint64, a preflight.Assessment) {
	if !a.Accepted {
		observability.RecordAttempt("rejected")
		o.setSecurity("", a.Detail)
		o.handleFailure(Failure{Cause: CauseSecurityRejected, Detail: a.Detail})
		return
	}
	o.setSecurity(a.Detail, "")

	guard := func(fn func()) {
		o.post(func() {
			if gen == o.gen {
				fn()
			}
		})
	}
	o.ch = o.dialer.Dial(ctx, o.cfg.ChannelEndpointURL, channel.ListenerFuncs{
		Open:  func() { guard(func() { o.onOpen(gen) }) },
		Event: func(ev channel.Event) { guard(func() { o.onEvent(ev) }) },
		Error: func(err error) { guard(func() { o.onChannelError(err) }) },
	})
}

func (o *Orchestrator) onOpen(gen uint64) {
	observability.RecordAttempt("opened")
	o.attempt = 0
	o.notifyAttempt()
	o.detachHB = heartbeat.Attach(o.ch, heartbeat.Config{
		Interval:   o.cfg.HeartbeatInterval,
		StaleAfter: o.cfg.HeartbeatStaleAfter,
		MaxMissed:  o.cfg.HeartbeatMaxMissed,
	}, func() {
		o.post(func() {
			if gen != o.gen {
				return
			}
			o.handleFailure(Failure{Cause: CauseLivenessLost, Detail: "no channel activity"})
		})
	})
	o.setStatus(StatusConnected)

	connected := detailConnectedDev
	if o.strict {
		connected = detailConnectedSecure
	}
	o.setSecurity(joinDetail(o.secInfo, connected), "")
	o.attemptLog().Info().Msg("channel open")
}

func (o *Orchestrator) onEvent(ev channel.Event) {
	if o.status != StatusConnected {
		return
	}
	msg, err := channel.Classify(ev, o.handoff)
	if err != nil {
		o.notifyFailure(Failure{Cause: CauseMalformedEvent, Detail: "discarded channel event", Err: err})
		return
	}
	observability.RecordEvent(msg.Kind.String())
	switch msg.Kind {
	case channel.KindSessionOpened:
		if o.sessionGen == o.gen && o.sessionID != "" {
			o.attemptLog().Debug().Str("session_id", msg.Value).Msg("duplicate session identifier ignored")
			return
		}
		o.sessionID = msg.Value
		o.sessionGen = o.gen
		o.publish()
		o.attemptLog().Info().Str("session_id", msg.Value).Msg("session opened")
		o.sink.OnSessionIDChange(msg.Value)
	case channel.KindHandoff:
		o.openWindow(msg.Value)
	case channel.KindAnnouncement:
		o.attemptLog().Debug().Msg("channel announcement")
	default:
		o.attemptLog().Debug().Str("event", msg.Name).Msg("unknown channel event ignored")
	}
}

func (o *Orchestrator) onChannelError(err error) {
	if o.status == StatusConnecting {
		observability.RecordAttempt("failed")
	}
	if o.strict && preflight.IsTLSError(err) {
		o.setSecurity("", detailChannelTLS)
		o.handleFailure(Failure{Cause: CauseSecurityRejected, Detail: detailChannelTLS, Err: err})
		return
	}
	o.handleFailure(Failure{Cause: CauseTransportError, Detail: "channel error", Err: err})
}

// openWindow replaces the active window with one for token. The previous
// window is no longer watched but stays open.
func (o *Orchestrator) openWindow(token string) {
	if o.launcher == nil {
		o.notifyFailure(Failure{
			Cause:  CauseAuxiliaryClosed,
			Detail: "no auxiliary window launcher configured",
			Err:    window.ErrLaunchBlocked,
		})
		return
	}
	target, err := window.BuildURL(o.cfg.AuxiliaryAppURL, o.cfg.HandoffParam, token)
	if err != nil {
		o.notifyFailure(Failure{Cause: CauseAuxiliaryClosed, Detail: "auxiliary window url", Err: err})
		return
	}
	o.stopWindow(false)
	wg, cg := o.winGen, o.closeGen
	launcher := o.launcher
	go func() {
		w, err := window.Launch(context.Background(), launcher, target)
		if !o.post(func() { o.onWindowLaunched(wg, cg, w, err) }) && w != nil {
			_ = w.Close()
		}
	}()
}

// onWindowLaunched adopts w if no newer window or disconnect superseded it.
// A superseded window is closed only when cleanup ran since its launch;
// otherwise it is left open and unwatched like any replaced window.
func (o *Orchestrator) onWindowLaunched(wg, cg uint64, w window.Window, err error) {
	if wg != o.winGen {
		if w == nil {
			return
		}
		if cg != o.closeGen {
			if cerr := w.Close(); cerr != nil {
				o.log.Debug().Err(cerr).Msg("window close")
			}
			return
		}
		o.attemptLog().Info().Str("window_id", w.ID()).Msg("superseded auxiliary window left unwatched")
		return
	}
	switch {
	case errors.Is(err, window.ErrClosedOnLaunch):
		o.handleFailure(Failure{Cause: CauseAuxiliaryClosed, Detail: "auxiliary window closed immediately", Err: err})
		return
	case err != nil:
		o.notifyFailure(Failure{Cause: CauseAuxiliaryClosed, Detail: "auxiliary window blocked", Err: err})
		return
	}
	o.win = w
	o.stopWin = window.Watch(w, o.cfg.WindowPollInterval, func(sig window.Signal) {
		o.post(func() {
			if wg == o.winGen {
				o.onWindowClosed(sig)
			}
		})
	})
	o.publish()
	o.attemptLog().Info().Str("window_id", w.ID()).Msg("auxiliary window opened")
}

func (o *Orchestrator) onWindowClosed(sig window.Signal) {
	observability.RecordWindowClosure(string(sig))
	o.stopWindow(false)
	if wo, ok := o.sink.(WindowObserver); ok {
		wo.OnWindowClosed(sig)
	}
	o.handleFailure(Failure{
		Cause:  CauseAuxiliaryClosed,
		Detail: fmt.Sprintf("auxiliary window closed (%s)", sig),
	})
}

func (o *Orchestrator) handleFailure(f Failure) {
	o.notifyFailure(f)
	if !f.Cause.Retryable() {
		o.cancelRetry()
		o.teardownAttempt()
		o.stopWindow(false)
		o.setStatus(StatusDisconnected)
		return
	}
	o.teardownAttempt()
	if o.attempt >= o.cfg.MaxRetries {
		o.attemptLog().Warn().Msg("retry budget exhausted")
		o.stopWindow(false)
		o.setStatus(StatusDisconnected)
		return
	}
	o.attempt++
	o.notifyAttempt()
	o.scheduleRetry()
	o.setStatus(StatusConnecting)
}

func (o *Orchestrator) scheduleRetry() {
	o.cancelRetry()
	delay := NextBackoffDelay(o.backoff, o.attempt, nil)
	rg := o.retryGen
	o.retry = time.AfterFunc(delay, func() {
		o.post(func() {
			if rg != o.retryGen {
				return
			}
			o.retry = nil
			o.begin()
		})
	})
	observability.RecordAttempt("scheduled")
	o.publish()
	o.attemptLog().Info().
		Dur("delay", delay).
		Int("max_retries", o.cfg.MaxRetries).
		Msg("retry scheduled")
}

func (o *Orchestrator) cancelRetry() {
	o.retryGen++
	if o.retry != nil {
		o.retry.Stop()
		o.retry = nil
		o.publish()
	}
}

// teardownAttempt invalidates every callback captured by the current
// attempt, then releases its handles.
func (o *Orchestrator) teardownAttempt() {
	o.gen++
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	if o.detachHB != nil {
		o.detachHB()
		o.detachHB = nil
	}
	if o.ch != nil {
		if err := o.ch.Close(); err != nil {
			o.log.Debug().Err(err).Msg("channel close")
		}
		o.ch = nil
	}
}

func (o *Orchestrator) stopWindow(closeIt bool) {
	o.winGen++
	if closeIt {
		o.closeGen++
	}
	if o.stopWin != nil {
		o.stopWin()
		o.stopWin = nil
	}
	if o.win != nil {
		if closeIt {
			if err := o.win.Close(); err != nil {
				o.log.Debug().Err(err).Msg("window close")
			}
		}
		o.win = nil
	}
	o.publish()
}

func (o *Orchestrator) setStatus(s Status) {
	if s == o.status {
		return
	}
	prev := o.status
	o.status = s
	o.publish()
	observability.RecordStatus(string(s))
	o.attemptLog().Info().Str("from", string(prev)).Str("status", string(s)).Msg("status change")
	o.sink.OnStatusChange(s)
}

func (o *Orchestrator) setSecurity(info, errDetail string) {
	if info == o.secInfo && errDetail == o.secErr {
		return
	}
	o.secInfo = info
	o.secErr = errDetail
	o.publish()
	if so, ok := o.sink.(SecurityObserver); ok {
		so.OnSecurityDetail(info, errDetail)
	}
}

func (o *Orchestrator) notifyAttempt() {
	o.publish()
	if ao, ok := o.sink.(AttemptObserver); ok {
		ao.OnAttemptChange(o.attempt)
	}
}

func (o *Orchestrator) notifyFailure(f Failure) {
	observability.RecordFailure(string(f.Cause))
	ev := o.attemptLog().Warn()
	if f.Cause == CauseMalformedEvent {
		ev = o.attemptLog().Debug()
	}
	ev.Str("cause", string(f.Cause)).Str("detail", f.Detail).AnErr("err", f.Err).Msg("session failure")
	if fo, ok := o.sink.(FailureObserver); ok {
		fo.OnFailure(f)
	}
}

func (o *Orchestrator) publish() {
	o.smu.Lock()
	o.state = State{
		Status:       o.status,
		Attempt:      o.attempt,
		MaxAttempts:  o.cfg.MaxRetries,
		SessionID:    o.sessionID,
		AttemptID:    o.attemptID,
		SecurityInfo: o.secInfo,
		SecurityErr:  o.secErr,
		WindowActive: o.win != nil,
		RetryPending: o.retry != nil,
	}
	o.smu.Unlock()
}

func (o *Orchestrator) attemptLog() *zerolog.Logger {
	l := o.log.With().
		Str("attempt_id", o.attemptID).
		Int("attempt", o.attempt).
		Logger()
	return &l
}

func joinDetail(base, extra string) string {
	if base == "" {
		return extra
	}
	return base + " | " + extra
}
