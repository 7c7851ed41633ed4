package report

import (
	"fmt"
	"strings"
)

// Summarize describes which targets changed. A target with a previous
// snapshot in this run is reported only when it covered new edges since
// that snapshot; otherwise it is compared with the prior run.
func Summarize(diffs []TargetStatusDiff, reportURL string) string {
	var b strings.Builder
	if reportURL != "" {
		fmt.Fprintf(&b, "Summary of the report available at %s:\n", reportURL)
	} else {
		b.WriteString("Summary of the report:\n")
	}

	changed := false
	for _, d := range diffs {
		switch {
		case d.Delta != nil:
			if d.Delta.Covered != 0 {
				fmt.Fprintf(&b, "%s: new edges covered since previous report (%+d)\n", d.Name, d.Delta.Covered)
				changed = true
			}
		case d.DeltaRun != nil:
			if d.DeltaRun.Covered != 0 || d.DeltaRun.Total != 0 {
				fmt.Fprintf(&b, "%s: covered/total number of edges changed since previous run (%d/%d)\n",
					d.Name, d.DeltaRun.Covered, d.DeltaRun.Total)
				changed = true
			}
		}
	}
	if !changed {
		b.WriteString("No changes detected\n")
	}
	return b.String()
}
