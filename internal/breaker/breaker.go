// Package breaker implements the per-provider circuit breaker kept from the
// teacher as a post-selection dispatch availability guard (see
// SPEC_FULL.md "Supplemented Features"): it affects whether a selected
// provider is treated as available, never which provider gets selected.
package breaker

import (
	"sync"
	"time"
)

type state int

const (
	closed   state = 0
	open     state = 1
	halfOpen state = 2
)

const (
	defaultErrorThreshold  = 5
	defaultTimeWindow      = 60 * time.Second
	defaultHalfOpenTimeout = 30 * time.Second
)

// Config holds circuit breaker tuning parameters. Zero values fall back to
// the package defaults.
type Config struct {
	ErrorThreshold  int
	TimeWindow      time.Duration
	HalfOpenTimeout time.Duration
}

func (c Config) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return defaultErrorThreshold
}

func (c Config) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return defaultTimeWindow
}

func (c Config) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return defaultHalfOpenTimeout
}

type providerCB struct {
	mu sync.Mutex

	state         state
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// Breaker manages independent circuit breakers for each provider, created
// lazily on first use since the provider set is loaded from storage at
// runtime rather than known at startup.
type Breaker struct {
	mu       sync.Mutex
	breakers map[string]*providerCB
	cfg      Config
}

// New creates a Breaker with the given tuning parameters.
func New(cfg Config) *Breaker {
	return &Breaker{breakers: make(map[string]*providerCB), cfg: cfg}
}

func (b *Breaker) get(provider string) *providerCB {
	b.mu.Lock()
	defer b.mu.Unlock()
	pcb, ok := b.breakers[provider]
	if !ok {
		pcb = &providerCB{state: closed, windowStart: time.Now()}
		b.breakers[provider] = pcb
	}
	return pcb
}

// Allow reports whether provider should receive the next request attempt.
func (b *Breaker) Allow(provider string) bool {
	pcb := b.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case closed:
		return true
	case open:
		if time.Since(pcb.openedAt) >= b.cfg.halfOpenTimeout() {
			pcb.state = halfOpen
			pcb.probeInflight = true
			return true
		}
		return false
	case halfOpen:
		if pcb.probeInflight {
			return false
		}
		pcb.probeInflight = true
		return true
	}
	return true
}

// RecordSuccess resets provider's breaker to closed.
func (b *Breaker) RecordSuccess(provider string) {
	pcb := b.get(provider)
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	pcb.state = closed
	pcb.errorCount = 0
	pcb.probeInflight = false
	pcb.windowStart = time.Now()
}

// RecordFailure counts a failed attempt, tripping the breaker open once the
// error threshold is reached within the rolling time window.
func (b *Breaker) RecordFailure(provider string) {
	pcb := b.get(provider)
	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	now := time.Now()
	if now.Sub(pcb.windowStart) > b.cfg.timeWindow() {
		pcb.errorCount = 0
		pcb.windowStart = now
	}
	pcb.errorCount++
	pcb.probeInflight = false

	if pcb.errorCount >= b.cfg.errorThreshold() {
		pcb.state = open
		pcb.openedAt = now
	}
}

// StateLabel returns "closed", "open", or "half_open", for metrics export.
func (b *Breaker) StateLabel(provider string) string {
	pcb := b.get(provider)
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	switch pcb.state {
	case open:
		return "open"
	case halfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
