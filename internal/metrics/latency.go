package metrics

import (
	"sort"
	"sync"
	"time"
)

type OpLatency struct {
	// EWMA of round trip time in milliseconds.
	EWMAms float64

	OK    uint64
	Error uint64

	LastRTT time.Duration
	LastAt  time.Time
}

// LatencyTracker keeps per-operation round trip statistics for a client session.
type LatencyTracker struct {
	mu    sync.RWMutex
	alpha float64
	ops   map[string]*OpLatency
}

// NewLatencyTracker creates a tracker with EWMA smoothing factor alpha.
// Typical alpha: 0.1..0.3 (higher reacts faster).
func NewLatencyTracker(alpha float64) *LatencyTracker {
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.2
	}
	return &LatencyTracker{
		alpha: alpha,
		ops:   map[string]*OpLatency{},
	}
}

func (t *LatencyTracker) ObserveOK(op string, rtt time.Duration) {
	t.observe(op, rtt, true)
}

func (t *LatencyTracker) ObserveError(op string, rtt time.Duration) {
	t.observe(op, rtt, false)
}

func (t *LatencyTracker) observe(op string, rtt time.Duration, ok bool) {
	if t == nil {
		return
	}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.ops[op]
	if s == nil {
		s = &OpLatency{}
		t.ops[op] = s
	}

	ms := float64(rtt) / float64(time.Millisecond)
	if ms < 0 {
		ms = 0
	}

	if s.OK+s.Error == 0 {
		s.EWMAms = ms
	} else {
		s.EWMAms = (t.alpha * ms) + ((1.0 - t.alpha) * s.EWMAms)
	}

	s.LastRTT = rtt
	s.LastAt = now
	if ok {
		s.OK++
	} else {
		s.Error++
	}
}

func (t *LatencyTracker) Get(op string) (OpLatency, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.ops[op]
	if s == nil {
		return OpLatency{}, false
	}
	return *s, true
}

// Ops returns the observed operation names in sorted order.
func (t *LatencyTracker) Ops() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.ops))
	for k := range t.ops {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (t *LatencyTracker) Snapshot() map[string]OpLatency {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]OpLatency, len(t.ops))
	for k, v := range t.ops {
		out[k] = *v
	}
	return out
}
