// Package balancer implements C5: two-level provider-then-key selection
// under a configurable policy, using the same atomic-counter idiom the
// teacher already uses for its own per-provider bookkeeping.
package balancer

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/nulpointcorp/aigateway/pkg/apierr"
)

// Policy is the selection strategy (§4.2).
type Policy string

const (
	FirstAvailable Policy = "first_available"
	RoundRobin     Policy = "round_robin"
	Random         Policy = "random"
)

// Balancer holds the process-local, non-durable round-robin counters.
// Counters are keyed by selection scope: "providers" for the top-level
// choice, and the provider name for the keys-of-provider choice — a
// separate counter per scope, as §4.2 requires.
type Balancer struct {
	policy Policy

	mu       sync.Mutex
	counters map[string]*uint64
}

// New builds a Balancer for the given policy.
func New(policy Policy) *Balancer {
	return &Balancer{policy: policy, counters: make(map[string]*uint64)}
}

func (b *Balancer) counter(scope string) *uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.counters[scope]
	if !ok {
		c = new(uint64)
		b.counters[scope] = c
	}
	return c
}

// pick returns the index chosen from n candidates under scope.
func (b *Balancer) pick(scope string, n int) int {
	switch b.policy {
	case FirstAvailable:
		return 0
	case Random:
		return rand.Intn(n)
	default: // RoundRobin
		c := b.counter(scope)
		v := atomic.AddUint64(c, 1) - 1
		return int(v % uint64(n))
	}
}

// SelectProvider picks one provider name from a non-empty candidate list
// (already filtered to enabled providers, optionally pre-filtered by
// prefix per §4.5 step 3).
func (b *Balancer) SelectProvider(candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", apierr.New(apierr.CodeNoProvidersAvailable, "no providers available")
	}
	idx := b.pick("providers", len(candidates))
	return candidates[idx], nil
}

// SelectKey picks one active key value for the given provider from its
// enabled key list.
func (b *Balancer) SelectKey(provider string, keys []string) (string, error) {
	if len(keys) == 0 {
		return "", apierr.New(apierr.CodeNoAPIKeysAvailable, "no active API keys for provider "+provider)
	}
	idx := b.pick("keys:"+provider, len(keys))
	return keys[idx], nil
}
