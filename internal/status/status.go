package status

import (
	"sort"
	"sync"
)

// TargetStatus holds the coverage counters of one fuzzing target.
type TargetStatus struct {
	Total   uint32 `toml:"total"`
	Covered uint32 `toml:"covered"`
	Errors  uint32 `toml:"errors"`
}

// FuzzingStatus maps target names to their counters at one instant.
type FuzzingStatus map[string]TargetStatus

// Names returns the target names in sorted order.
func (s FuzzingStatus) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns an independent copy of s.
func (s FuzzingStatus) Clone() FuzzingStatus {
	if s == nil {
		return nil
	}
	out := make(FuzzingStatus, len(s))
	for name, st := range s {
		out[name] = st
	}
	return out
}

// Aggregator is the shared, concurrency-safe view of a run's targets.
// All fuzzer output parsers of a run write into the same Aggregator.
type Aggregator struct {
	mu      sync.Mutex
	targets FuzzingStatus
}

func NewAggregator() *Aggregator {
	return &Aggregator{targets: make(FuzzingStatus)}
}

// SetTotal registers target and sets its total number of edges.
// Counters collected so far for the target are kept.
func (a *Aggregator) SetTotal(target string, total uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.targets[target]
	st.Total = total
	a.targets[target] = st
}

// AddCovered adds n covered edges to target. It reports false when the
// target has not been registered with SetTotal.
func (a *Aggregator) AddCovered(target string, n uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.targets[target]
	if !ok {
		return false
	}
	st.Covered += n
	a.targets[target] = st
	return true
}

// AddErrors adds n errors to target. It reports false when the target
// has not been registered with SetTotal.
func (a *Aggregator) AddErrors(target string, n uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.targets[target]
	if !ok {
		return false
	}
	st.Errors += n
	a.targets[target] = st
	return true
}

func (a *Aggregator) Get(target string) (TargetStatus, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.targets[target]
	return st, ok
}

// Snapshot returns a copy of the current status of all targets.
func (a *Aggregator) Snapshot() FuzzingStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.targets.Clone()
}

func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.targets)
}
