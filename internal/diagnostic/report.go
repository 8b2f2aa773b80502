package diagnostic

import (
	"time"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/probe"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/protocol"
)

// FailurePoint is the first failing test of a run.
type FailurePoint = probe.FailurePoint

// LayerStatus is the aggregate verdict of one layer.
type LayerStatus string

const (
	StatusPassed  LayerStatus = "passed"
	StatusFailed  LayerStatus = "failed"
	StatusSkipped LayerStatus = "skipped"
)

// LayerSummary counts results by verdict.
type LayerSummary struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// LayerReport is the part of a DebugReport that belongs to one layer. A
// skipped layer is always present, with an empty Results slice.
type LayerReport struct {
	Layer      protocol.Hop            `json:"layer"`
	Status     LayerStatus             `json:"status"`
	SkipReason string                  `json:"skipReason,omitempty"`
	Summary    LayerSummary            `json:"summary"`
	Results    []probe.LayerTestResult `json:"results"`
}

// DebugReport is the output of one diagnostic run.
type DebugReport struct {
	ID               string        `json:"id"`
	Environment      string        `json:"environment"`
	BatteryVersion   string        `json:"batteryVersion"`
	StopOnFirstFail  bool          `json:"stopOnFirstFailure"`
	StartedAt        time.Time     `json:"startedAt"`
	EndedAt          time.Time     `json:"endedAt"`
	DurationMs       int64         `json:"durationMs"`
	Layers           []LayerReport `json:"layers"`
	FirstFailure     *FailurePoint `json:"firstFailurePoint,omitempty"`
	Recommendation   string        `json:"recommendation"`
	Incomplete       bool          `json:"incomplete,omitempty"`
	IncompleteReason string        `json:"incompleteReason,omitempty"`
}

// Passed reports a complete run without failures.
func (r *DebugReport) Passed() bool {
	return r.FirstFailure == nil && !r.Incomplete
}

// Layer returns the report of hop, if the run included it.
func (r *DebugReport) Layer(hop protocol.Hop) (LayerReport, bool) {
	for _, l := range r.Layers {
		if l.Layer == hop {
			return l, true
		}
	}
	return LayerReport{}, false
}

// AllResults flattens the results of every layer in run order.
func (r *DebugReport) AllResults() []probe.LayerTestResult {
	var out []probe.LayerTestResult
	for _, l := range r.Layers {
		out = append(out, l.Results...)
	}
	return out
}

// Totals sums the layer summaries.
func (r *DebugReport) Totals() LayerSummary {
	var t LayerSummary
	for _, l := range r.Layers {
		t.Passed += l.Summary.Passed
		t.Failed += l.Summary.Failed
		t.Skipped += l.Summary.Skipped
	}
	return t
}

func summarize(results []probe.LayerTestResult) LayerSummary {
	var s LayerSummary
	for _, r := range results {
		switch {
		case r.Skipped:
			s.Skipped++
		case r.Passed:
			s.Passed++
		default:
			s.Failed++
		}
	}
	return s
}

func skippedLayer(hop protocol.Hop, reason string) LayerReport {
	return LayerReport{
		Layer:      hop,
		Status:     StatusSkipped,
		SkipReason: reason,
		Results:    []probe.LayerTestResult{},
	}
}

// layerReport folds executed results into a layer verdict. A layer whose only
// result is a configuration skip is reported as skipped.
func layerReport(hop protocol.Hop, results []probe.LayerTestResult) LayerReport {
	lr := LayerReport{Layer: hop, Results: results, Summary: summarize(results)}
	if lr.Results == nil {
		lr.Results = []probe.LayerTestResult{}
	}
	switch {
	case lr.Summary.Failed > 0:
		lr.Status = StatusFailed
	case lr.Summary.Passed == 0 && lr.Summary.Skipped > 0:
		lr.Status = StatusSkipped
		lr.SkipReason = results[0].Error
	case lr.Summary.Passed == 0:
		lr.Status = StatusSkipped
		lr.SkipReason = "no test executed"
	default:
		lr.Status = StatusPassed
	}
	return lr
}
