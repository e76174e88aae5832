package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/aigateway/internal/metrics"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes of the two components a request
// cannot proceed without — the SQL store and, when configured, the Redis
// model-cache front — and exposes the latest results. Per-provider
// reachability is no longer probed here: C5/C7 already discover a dead
// provider via the circuit breaker on the request hot path, so a duplicate
// background probe would only add load without adding signal.
type HealthChecker struct {
	dbPing    func(ctx context.Context) error
	redisPing func(ctx context.Context) error // nil when Redis isn't configured
	baseCtx   context.Context
	metrics   *metrics.Registry

	dbStatus    componentStatus
	redisStatus componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background probes.
// redisPing may be nil when the Redis-fronted model cache isn't configured.
func NewHealthChecker(ctx context.Context, dbPing func(context.Context) error, redisPing func(context.Context) error, met *metrics.Registry) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		dbPing:    dbPing,
		redisPing: redisPing,
		startTime: time.Now(),
		done:      make(chan struct{}),
		baseCtx:   ctx,
		metrics:   met,
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Database      string `json:"database"`
	Cache         string `json:"cache"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	db := hc.dbStatus.get()
	cache := hc.redisStatus.get()

	overall := "ok"
	if db != "ok" {
		overall = "degraded"
	}
	if cache == "degraded" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Database:      db,
		Cache:         cache,
	}
}

// ReadinessOK returns true when the SQL store is reachable (used by GET
// /readiness for orchestrator probes).
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.dbStatus.get() == "ok"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.dbPing == nil || hc.dbPing(ctx) == nil {
			hc.dbStatus.set("ok")
		} else {
			hc.dbStatus.set("down")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.redisPing == nil {
			hc.redisStatus.set("ok") // not configured
		} else if hc.redisPing(ctx) == nil {
			hc.redisStatus.set("ok")
		} else {
			hc.redisStatus.set("degraded")
		}
	}()

	wg.Wait()
}
