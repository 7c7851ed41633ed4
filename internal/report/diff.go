// Package report persists coverage snapshots of a run, compares them with
// earlier snapshots and renders the result.
package report

import (
	"sort"

	"fuzzci/internal/status"
)

// Trend classifies a delta by the sign of its covered edge difference.
type Trend string

const (
	TrendNone        Trend = "none"
	TrendImprovement Trend = "improvement"
	TrendRegression  Trend = "regression"
)

func trendOf(delta int64) Trend {
	switch {
	case delta < 0:
		return TrendRegression
	case delta > 0:
		return TrendImprovement
	default:
		return TrendNone
	}
}

// TargetStatusDelta is curr minus a baseline. It is never persisted.
type TargetStatusDelta struct {
	Total   int64
	Covered int64
	Errors  int64
	Trend   Trend
}

func NewDelta(curr, base status.TargetStatus) TargetStatusDelta {
	covered := int64(curr.Covered) - int64(base.Covered)
	return TargetStatusDelta{
		Total:   int64(curr.Total) - int64(base.Total),
		Covered: covered,
		Errors:  int64(curr.Errors) - int64(base.Errors),
		Trend:   trendOf(covered),
	}
}

// TargetStatusDiff is one row of the report. A nil baseline means the
// target was absent from it.
type TargetStatusDiff struct {
	Name string
	Curr status.TargetStatus

	// Prev is the previous snapshot of the same run.
	Prev  *status.TargetStatus
	Delta *TargetStatusDelta

	// Init is the first snapshot of the same run.
	Init      *status.TargetStatus
	DeltaInit *TargetStatusDelta

	// PrevRun is the last snapshot of the most recent prior run.
	PrevRun  *status.TargetStatus
	DeltaRun *TargetStatusDelta
}

func baseline(curr status.TargetStatus, snapshot status.FuzzingStatus, name string) (*status.TargetStatus, *TargetStatusDelta) {
	if snapshot == nil {
		return nil, nil
	}
	base, ok := snapshot[name]
	if !ok {
		return nil, nil
	}
	delta := NewDelta(curr, base)
	return &base, &delta
}

// Diff compares curr with each baseline. Any baseline may be nil. The
// result is sorted by target name.
func Diff(curr, prev, init, prevRun status.FuzzingStatus) []TargetStatusDiff {
	out := make([]TargetStatusDiff, 0, len(curr))
	for name, s := range curr {
		d := TargetStatusDiff{Name: name, Curr: s}
		d.Prev, d.Delta = baseline(s, prev, name)
		d.Init, d.DeltaInit = baseline(s, init, name)
		d.PrevRun, d.DeltaRun = baseline(s, prevRun, name)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
