package stats

import (
	"sort"
	"sync"
	"time"
)

// Snapshot is a single data point recorded for a routed request.
type Snapshot struct {
	Timestamp      time.Time
	ModelID        string
	Profile        string
	LatencyMs      float64
	CostUSD        float64
	SavedUSD       float64
	Success        bool
	Fallback       bool
	PaymentFailure bool
	Deduped        bool
}

// Window defines a named time window for aggregation.
type Window struct {
	Name     string
	Duration time.Duration
}

// DefaultWindows returns the standard set of rolling windows.
func DefaultWindows() []Window {
	return []Window{
		{Name: "1m", Duration: time.Minute},
		{Name: "5m", Duration: 5 * time.Minute},
		{Name: "1h", Duration: time.Hour},
		{Name: "24h", Duration: 24 * time.Hour},
	}
}

// Aggregate holds computed stats for a time window.
type Aggregate struct {
	Window          string  `json:"window"`
	ModelID         string  `json:"model_id,omitempty"`
	RequestCount    int     `json:"request_count"`
	ErrorCount      int     `json:"error_count"`
	ErrorRate       float64 `json:"error_rate"`
	FallbackCount   int     `json:"fallback_count"`
	PaymentFailures int     `json:"payment_failures"`
	DedupHits       int     `json:"dedup_hits"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	P95LatencyMs    float64 `json:"p95_latency_ms"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
	TotalSavedUSD   float64 `json:"total_saved_usd"`
}

// Totals are lifetime per-model counters, independent of the rolling windows.
type Totals struct {
	Attempts        int64   `json:"attempts"`
	Successes       int64   `json:"successes"`
	Fallbacks       int64   `json:"fallbacks"`
	PaymentFailures int64   `json:"payment_failures"`
	CostUSD         float64 `json:"cost_usd"`
	SavedUSD        float64 `json:"saved_usd"`
}

// Collector maintains rolling snapshots plus lifetime per-model totals.
type Collector struct {
	mu        sync.RWMutex
	snapshots []Snapshot
	totals    map[string]*Totals
	maxAge    time.Duration // oldest snapshot to keep
	windows   []Window
}

// NewCollector creates a new stats collector.
func NewCollector() *Collector {
	return &Collector{
		totals:  make(map[string]*Totals),
		windows: DefaultWindows(),
		maxAge:  25 * time.Hour, // keep slightly more than largest window
	}
}

// Record adds a new snapshot and updates lifetime totals.
func (c *Collector) Record(s Snapshot) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	c.mu.Lock()
	c.snapshots = append(c.snapshots, s)
	t := c.totals[s.ModelID]
	if t == nil {
		t = &Totals{}
		c.totals[s.ModelID] = t
	}
	t.Attempts++
	if s.Success {
		t.Successes++
	}
	if s.Fallback {
		t.Fallbacks++
	}
	if s.PaymentFailure {
		t.PaymentFailures++
	}
	t.CostUSD += s.CostUSD
	t.SavedUSD += s.SavedUSD
	c.mu.Unlock()
}

// RecordAttempt bumps the attempt counters for an intermediate fallback hop
// that never produced a client-visible response of its own.
func (c *Collector) RecordAttempt(modelID string, paymentFailure bool) {
	c.mu.Lock()
	t := c.totals[modelID]
	if t == nil {
		t = &Totals{}
		c.totals[modelID] = t
	}
	t.Attempts++
	if paymentFailure {
		t.PaymentFailures++
	}
	c.mu.Unlock()
}

// PerModel returns a copy of the lifetime totals keyed by model id.
func (c *Collector) PerModel() map[string]Totals {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Totals, len(c.totals))
	for k, v := range c.totals {
		out[k] = *v
	}
	return out
}

// Prune removes snapshots older than maxAge.
func (c *Collector) Prune() {
	cutoff := time.Now().Add(-c.maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(cutoff)
}

// pruneLocked removes expired snapshots. Caller must hold c.mu (write lock).
func (c *Collector) pruneLocked(cutoff time.Time) {
	i := 0
	for i < len(c.snapshots) && c.snapshots[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.snapshots = c.snapshots[i:]
	}
}

// snapshotsAfterPrune acquires a write lock, prunes expired snapshots, and
// returns a copy of the current data. This avoids the lock gap that exists
// when Prune() and a read lock are acquired separately.
func (c *Collector) snapshotsAfterPrune() []Snapshot {
	cutoff := time.Now().Add(-c.maxAge)
	c.mu.Lock()
	c.pruneLocked(cutoff)
	cp := make([]Snapshot, len(c.snapshots))
	copy(cp, c.snapshots)
	c.mu.Unlock()
	return cp
}

// Summary returns aggregated stats for all windows grouped by model.
func (c *Collector) Summary() map[string][]Aggregate {
	snapshots := c.snapshotsAfterPrune()

	now := time.Now()
	result := make(map[string][]Aggregate)

	for _, w := range c.windows {
		cutoff := now.Add(-w.Duration)

		byModel := make(map[string][]Snapshot)
		for _, s := range snapshots {
			if s.Timestamp.After(cutoff) {
				byModel[s.ModelID] = append(byModel[s.ModelID], s)
			}
		}

		for modelID, snaps := range byModel {
			result[w.Name] = append(result[w.Name], computeAggregate(w.Name, modelID, snaps))
		}
	}

	return result
}

// Global returns aggregate stats across all models.
func (c *Collector) Global() []Aggregate {
	snapshots := c.snapshotsAfterPrune()

	now := time.Now()
	var result []Aggregate

	for _, w := range c.windows {
		cutoff := now.Add(-w.Duration)
		var snaps []Snapshot
		for _, s := range snapshots {
			if s.Timestamp.After(cutoff) {
				snaps = append(snaps, s)
			}
		}
		if len(snaps) > 0 {
			result = append(result, computeAggregate(w.Name, "", snaps))
		}
	}

	return result
}

// SnapshotCount returns the total number of stored snapshots.
func (c *Collector) SnapshotCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshots)
}

func computeAggregate(window, modelID string, snaps []Snapshot) Aggregate {
	a := Aggregate{
		Window:       window,
		ModelID:      modelID,
		RequestCount: len(snaps),
	}

	var totalLatency float64
	latencies := make([]float64, 0, len(snaps))

	for _, s := range snaps {
		totalLatency += s.LatencyMs
		latencies = append(latencies, s.LatencyMs)
		a.TotalCostUSD += s.CostUSD
		a.TotalSavedUSD += s.SavedUSD
		if !s.Success {
			a.ErrorCount++
		}
		if s.Fallback {
			a.FallbackCount++
		}
		if s.PaymentFailure {
			a.PaymentFailures++
		}
		if s.Deduped {
			a.DedupHits++
		}
	}

	if a.RequestCount > 0 {
		a.AvgLatencyMs = totalLatency / float64(a.RequestCount)
		a.ErrorRate = float64(a.ErrorCount) / float64(a.RequestCount)
	}

	// P95 latency.
	sort.Float64s(latencies)
	if len(latencies) > 0 {
		idx := int(float64(len(latencies)) * 0.95)
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		a.P95LatencyMs = latencies[idx]
	}

	return a
}
