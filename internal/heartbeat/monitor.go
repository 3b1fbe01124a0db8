package heartbeat

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/idvlink/internal/channel"
	"github.com/danmuck/idvlink/internal/logging"
)

const (
	DefaultInterval   = 10 * time.Second
	DefaultStaleAfter = 30 * time.Second
	DefaultMaxMissed  = 3
)

// Config controls the stale check. Zero fields fall back to defaults.
type Config struct {
	Interval   time.Duration
	StaleAfter time.Duration
	MaxMissed  int
}

func (c Config) normalized() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.MaxMissed <= 0 {
		c.MaxMissed = DefaultMaxMissed
	}
	return c
}

// Monitor tracks activity for one channel.
type Monitor struct {
	cfg    Config
	onLost func()
	log    zerolog.Logger
	now    func() time.Time

	mu           sync.Mutex
	lastActivity time.Time
	missed       int

	remove   func()
	stopCh   chan struct{}
	stopOnce sync.Once
	lostOnce sync.Once
}

// Attach starts monitoring ch and returns a detach func. onLost runs at most
// once, from the monitor goroutine, after MaxMissed consecutive stale checks.
// Attaching counts as activity.
func Attach(ch channel.Channel, cfg Config, onLost func()) (detach func()) {
	m := newMonitor(cfg, onLost, time.Now)
	m.remove = ch.AddListener(channel.ListenerFuncs{
		Open:  m.touch,
		Event: func(channel.Event) { m.touch() },
	})
	go m.run()
	return m.Stop
}

func newMonitor(cfg Config, onLost func(), now func() time.Time) *Monitor {
	return &Monitor{
		cfg:          cfg.normalized(),
		onLost:       onLost,
		log:          logging.For("heartbeat"),
		now:          now,
		lastActivity: now(),
		stopCh:       make(chan struct{}),
	}
}

func (m *Monitor) touch() {
	m.mu.Lock()
	m.lastActivity = m.now()
	m.missed = 0
	m.mu.Unlock()
}

// Missed reports the current consecutive miss count.
func (m *Monitor) Missed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.missed
}

// Stop detaches the monitor. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.remove != nil {
			m.remove()
		}
	})
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.check() {
				select {
				case <-m.stopCh:
					return
				default:
				}
				m.Stop()
				m.lostOnce.Do(func() {
					if m.onLost != nil {
						m.onLost()
					}
				})
				return
			}
		}
	}
}

// check runs one stale comparison and reports whether liveness is lost.
func (m *Monitor) check() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	idle := m.now().Sub(m.lastActivity)
	if idle <= m.cfg.StaleAfter {
		return false
	}
	m.missed++
	m.log.Debug().
		Dur("idle", idle).
		Int("missed", m.missed).
		Int("max_missed", m.cfg.MaxMissed).
		Msg("heartbeat stale")
	if m.missed < m.cfg.MaxMissed {
		return false
	}
	m.log.Warn().Int("missed", m.missed).Msg("liveness lost")
	return true
}
