package tiercache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// statsCollector aggregates engine results between two stats log lines.
type statsCollector struct {
	mu       sync.Mutex
	bodies   sizeAgg
	outcomes map[string]uint64
	skipped  uint64
}

// sizeAgg tracks count, sum and bounds of observed body sizes.
type sizeAgg struct {
	n, sum, min, max uint64
}

func (a *sizeAgg) add(v uint64) {
	if a.n == 0 || v < a.min {
		a.min = v
	}
	if v > a.max {
		a.max = v
	}
	a.n++
	a.sum += v
}

func newStatsCollector() *statsCollector {
	return &statsCollector{outcomes: map[string]uint64{}}
}

// ObserveResult counts the outcome per tier. Body sizes are only sampled
// for answers that carry real content.
func (s *statsCollector) ObserveResult(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[r.Tier.String()+"/"+r.Outcome]++
	switch r.Outcome {
	case OutcomeHit, OutcomeNetwork, OutcomeStale:
		s.bodies.add(uint64(len(r.Body)))
	}
}

// ObserveSkippedRefresh counts a background refresh dropped because every
// refresher was busy.
func (s *statsCollector) ObserveSkippedRefresh() {
	s.mu.Lock()
	s.skipped++
	s.mu.Unlock()
}

type statsSnapshot struct {
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
	Outcomes       map[string]uint64
	// SkippedRefreshes counts revalidations dropped under load.
	SkippedRefreshes uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss := statsSnapshot{
		TotalResponses: s.bodies.n,
		TotalRespBytes: s.bodies.sum,
		MinRespBytes:   s.bodies.min,
		MaxRespBytes:   s.bodies.max,
		Outcomes:       make(map[string]uint64, len(s.outcomes)),

		SkippedRefreshes: s.skipped,
	}
	if s.bodies.n > 0 {
		ss.AvgRespBytes = s.bodies.sum / s.bodies.n
	}
	for k, v := range s.outcomes {
		ss.Outcomes[k] = v
	}
	return ss
}

// formatOutcomes renders "tier/outcome=n" pairs sorted by key.
func formatOutcomes(m map[string]uint64) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return strings.Join(parts, " ")
}

var byteUnits = []struct {
	suffix string
	size   uint64
}{
	{"gb", 1 << 30},
	{"mb", 1 << 20},
	{"kb", 1 << 10},
}

// formatBytes is the inverse of parseBytes for log output: one decimal,
// trailing ".0" dropped.
func formatBytes(b uint64) string {
	for _, u := range byteUnits {
		if b >= u.size {
			s := fmt.Sprintf("%.1f", float64(b)/float64(u.size))
			return strings.TrimSuffix(s, ".0") + u.suffix
		}
	}
	return fmt.Sprintf("%db", b)
}
