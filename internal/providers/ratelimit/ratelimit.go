// Package ratelimit wraps a providers.Model with an adaptive
// requests-per-minute limit.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/mwiater/toolchat/internal/logging"
	"github.com/mwiater/toolchat/internal/providers"
)

// Limiter is an AIMD token bucket measured in model requests per minute. It
// halves its budget when the backend reports throttling and recovers slowly
// on success.
type Limiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentRPM float64
	minRPM     float64
	maxRPM     float64
	recovery   float64

	throttled func(error) bool
}

type limitedModel struct {
	next    providers.Model
	limiter *Limiter
}

// New returns a limiter allowing rpm requests per minute. throttled reports
// whether an error means the backend rate-limited the call; nil disables
// backoff.
func New(rpm int, throttled func(error) bool) *Limiter {
	initial := float64(rpm)
	if initial <= 0 {
		initial = 60
	}
	minRPM := initial * 0.1
	if minRPM < 1 {
		minRPM = 1
	}
	recovery := initial * 0.05
	if recovery < 1 {
		recovery = 1
	}
	burst := int(initial / 60)
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiter:    rate.NewLimiter(rate.Limit(initial/60.0), burst),
		currentRPM: initial,
		minRPM:     minRPM,
		maxRPM:     initial,
		recovery:   recovery,
		throttled:  throttled,
	}
}

// Wrap returns next guarded by the limiter.
func (l *Limiter) Wrap(next providers.Model) providers.Model {
	if next == nil {
		return nil
	}
	return &limitedModel{next: next, limiter: l}
}

// RPM returns the current budget.
func (l *Limiter) RPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentRPM
}

func (m *limitedModel) Name() string { return m.next.Name() }

// Generate waits for capacity before delegating.
func (m *limitedModel) Generate(ctx context.Context, req providers.Request) (providers.Turn, error) {
	if err := m.limiter.limiter.Wait(ctx); err != nil {
		return providers.Turn{}, err
	}
	turn, err := m.next.Generate(ctx, req)
	m.limiter.observe(err)
	return turn, err
}

func (l *Limiter) observe(err error) {
	if err == nil {
		l.adjust(l.recovery)
		return
	}
	if l.throttled != nil && l.throttled(err) {
		l.mu.Lock()
		delta := -l.currentRPM * 0.5
		l.mu.Unlock()
		l.adjust(delta)
	}
}

func (l *Limiter) adjust(delta float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.currentRPM + delta
	if next < l.minRPM {
		next = l.minRPM
	}
	if next > l.maxRPM {
		next = l.maxRPM
	}
	if next == l.currentRPM {
		return
	}
	if delta < 0 {
		logging.LogEvent("model rate limit backoff: %.1f -> %.1f requests/min", l.currentRPM, next)
	}
	l.currentRPM = next
	l.limiter.SetLimit(rate.Limit(next / 60.0))
}
