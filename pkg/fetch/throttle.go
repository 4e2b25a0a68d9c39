package fetch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Clock abstracts time for the throttle and tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is the wall clock.
var RealClock Clock = realClock{}

const maxPenaltyShift = 16

// Throttle is the backoff signal shared by every worker of a batch. A rate
// limit seen by one fetch pushes blockedUntil forward for all of them.
type Throttle struct {
	mu           sync.Mutex
	clock        Clock
	base         time.Duration
	max          time.Duration
	penalties    int
	blockedUntil time.Time
	limiter      *rate.Limiter
}

// ThrottleOption configures a Throttle.
type ThrottleOption func(*Throttle)

// WithClock sets the time source.
func WithClock(c Clock) ThrottleOption {
	return func(t *Throttle) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithPenaltyWindow sets the first penalty window and its cap.
func WithPenaltyWindow(base, max time.Duration) ThrottleOption {
	return func(t *Throttle) {
		if base > 0 {
			t.base = base
		}
		if max > 0 {
			t.max = max
		}
	}
}

// WithRate adds a steady request rate limit. Zero or negative disables it.
func WithRate(perSecond float64, burst int) ThrottleOption {
	return func(t *Throttle) {
		if perSecond <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewThrottle creates a throttle with a 1s first penalty capped at 60s.
func NewThrottle(opts ...ThrottleOption) *Throttle {
	t := &Throttle{
		clock: RealClock,
		base:  time.Second,
		max:   time.Minute,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Wait blocks until the shared penalty window has passed and the rate
// limiter admits a request. A nil throttle never blocks.
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil {
		return ctx.Err()
	}
	for {
		t.mu.Lock()
		until := t.blockedUntil
		now := t.clock.Now()
		t.mu.Unlock()

		if !now.Before(until) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.clock.After(until.Sub(now)):
		}
	}
	if t.limiter != nil {
		return t.limiter.Wait(ctx)
	}
	return ctx.Err()
}

// Penalize records a rate-limit response. Each consecutive penalty doubles
// the window, a longer server hint wins, and blockedUntil only moves
// forward. It returns the window applied.
func (t *Throttle) Penalize(hint time.Duration) time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	shift := t.penalties
	if shift > maxPenaltyShift {
		shift = maxPenaltyShift
	}
	t.penalties++

	window := t.base << shift
	if window > t.max || window <= 0 {
		window = t.max
	}
	if hint > window {
		window = hint
	}

	until := t.clock.Now().Add(window)
	if until.After(t.blockedUntil) {
		t.blockedUntil = until
	}
	return window
}

// Relax decays the penalty counter after a successful request.
func (t *Throttle) Relax() {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.penalties > 0 {
		t.penalties--
	}
	t.mu.Unlock()
}

// Penalties returns the current penalty count.
func (t *Throttle) Penalties() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.penalties
}

// BlockedUntil returns the end of the current penalty window.
func (t *Throttle) BlockedUntil() time.Time {
	if t == nil {
		return time.Time{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blockedUntil
}
