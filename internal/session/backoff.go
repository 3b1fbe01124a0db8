package session

import (
	"math/rand"
	"time"
)

// BackoffConfig defines linear retry delay growth.
type BackoffConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    bool
}

func LinearBackoff(base time.Duration) BackoffConfig {
	return BackoffConfig{BaseDelay: base}
}

// NextBackoffDelay returns the delay before retry attempt N (1-based),
// attempt*BaseDelay capped at MaxDelay when set.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(cfg.BaseDelay) * float64(attempt)
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
