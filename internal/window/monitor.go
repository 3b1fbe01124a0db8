package window

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/idvlink/internal/logging"
)

// Signal names the probe that detected closure.
type Signal string

const (
	SignalClosedFlag   Signal = "closed_flag"
	SignalPostFailed   Signal = "post_failed"
	SignalFocusFailed  Signal = "focus_failed"
	SignalSelfReported Signal = "self_reported"
)

const DefaultPollInterval = 2 * time.Second

type watcher struct {
	w        Window
	interval time.Duration
	onClosed func(Signal)
	log      zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	fireOnce sync.Once
}

// Watch polls w every interval and calls onClosed once with the first signal
// that reports closure. The returned stop func is idempotent; after it
// returns onClosed is not called again unless it was already running.
func Watch(w Window, interval time.Duration, onClosed func(Signal)) (stop func()) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	wt := &watcher{
		w:        w,
		interval: interval,
		onClosed: onClosed,
		log:      logging.For("window").With().Str("window_id", w.ID()).Logger(),
		stopCh:   make(chan struct{}),
	}
	go wt.poll()
	if msgs := w.Messages(); msgs != nil {
		go wt.listen(msgs)
	}
	return wt.stop
}

func (wt *watcher) stop() {
	wt.stopOnce.Do(func() { close(wt.stopCh) })
}

func (wt *watcher) stopped() bool {
	select {
	case <-wt.stopCh:
		return true
	default:
		return false
	}
}

func (wt *watcher) fire(sig Signal) {
	if wt.stopped() {
		return
	}
	wt.fireOnce.Do(func() {
		wt.stop()
		wt.log.Info().Str("signal", string(sig)).Msg("window closed")
		if wt.onClosed != nil {
			wt.onClosed(sig)
		}
	})
}

func (wt *watcher) poll() {
	ticker := time.NewTicker(wt.interval)
	defer ticker.Stop()
	for {
		select {
		case <-wt.stopCh:
			return
		case <-ticker.C:
			if sig, ok := wt.probe(); ok {
				wt.fire(sig)
				return
			}
		}
	}
}

// probe runs the direct signals in order and stops at the first hit.
func (wt *watcher) probe() (Signal, bool) {
	closed, err := wt.w.Closed()
	switch {
	case err == nil && closed:
		return SignalClosedFlag, true
	case err != nil && !errors.Is(err, ErrIntrospectionDenied):
		wt.log.Debug().Err(err).Msg("closed-state read failed")
	}
	if err := wt.w.PostMessage(Message{Type: MessagePing}); err != nil {
		wt.log.Debug().Err(err).Msg("post failed")
		return SignalPostFailed, true
	}
	if err := wt.w.Focus(); err != nil {
		wt.log.Debug().Err(err).Msg("focus failed")
		return SignalFocusFailed, true
	}
	return "", false
}

func (wt *watcher) listen(msgs <-chan Message) {
	for {
		select {
		case <-wt.stopCh:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if msg.Type == MessageClosed {
				wt.fire(SignalSelfReported)
				return
			}
		}
	}
}
