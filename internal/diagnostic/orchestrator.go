// Package diagnostic runs the layer probes in dependency order and assembles
// a DebugReport that names the first failing layer.
package diagnostic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/metrics"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/probe"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/protocol"
)

// Policy holds the causal assumptions of a run. StopOnFirstFailure treats a
// failing lower layer as making every upper layer uninterpretable; turn it
// off when lower layers are known good. Layers selects a subset that still
// runs in dependency order; empty means all layers.
type Policy struct {
	StopOnFirstFailure bool           `json:"stopOnFirstFailure"`
	StopWithinLayer    bool           `json:"stopWithinLayer,omitempty"`
	Layers             []protocol.Hop `json:"layers,omitempty"`
}

// PolicyFromConfig returns the configured default policy.
func PolicyFromConfig(cfg config.DiagnosticConfig) Policy {
	return Policy{StopOnFirstFailure: cfg.StopOnFirstFailure}
}

// Plan returns the layers the policy selects, in dependency order.
func (p Policy) Plan() []protocol.Hop {
	if len(p.Layers) == 0 {
		return protocol.Order()
	}
	want := make(map[protocol.Hop]bool, len(p.Layers))
	for _, h := range p.Layers {
		want[h] = true
	}
	var plan []protocol.Hop
	for _, h := range protocol.Order() {
		if want[h] {
			plan = append(plan, h)
		}
	}
	return plan
}

// Recommender turns the first failure of a run into an operator diagnosis.
type Recommender interface {
	Recommend(fp *probe.FailurePoint, results []probe.LayerTestResult) string
}

// Orchestrator owns nothing between runs: every Run assembles its own report.
type Orchestrator struct {
	probes      map[protocol.Hop]*probe.Probe
	recommender Recommender
	logger      logger.Logger
	runTimeout  time.Duration
	observer    Observer
	now         func() time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithRunTimeout bounds a whole run. Zero disables the bound.
func WithRunTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.runTimeout = d
	}
}

// WithObserver registers a run event observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		o.observer = obs
	}
}

// WithClock overrides the report clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator creates an orchestrator over the given probes.
func NewOrchestrator(probes []*probe.Probe, rec Recommender, log logger.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		probes:      make(map[protocol.Hop]*probe.Probe, len(probes)),
		recommender: rec,
		logger:      log,
		now:         time.Now,
	}
	for _, p := range probes {
		o.probes[p.Layer()] = p
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one diagnostic against env. It always returns a report; on
// timeout or cancellation the report holds what was gathered and is marked
// incomplete.
func (o *Orchestrator) Run(ctx context.Context, env config.EnvironmentConfig, policy Policy) *DebugReport {
	return o.RunWithObserver(ctx, env, policy, nil)
}

// RunWithObserver is Run with an extra per-run observer in addition to the
// orchestrator-wide one.
func (o *Orchestrator) RunWithObserver(ctx context.Context, env config.EnvironmentConfig, policy Policy, obs Observer) *DebugReport {
	parent := ctx
	if o.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.runTimeout)
		defer cancel()
	}

	report := &DebugReport{
		ID:              uuid.NewString(),
		Environment:     env.Name,
		BatteryVersion:  probe.BatteryVersion,
		StopOnFirstFail: policy.StopOnFirstFailure,
		StartedAt:       o.now(),
		Layers:          []LayerReport{},
	}
	log := o.logger.With("run_id", report.ID, "environment", env.Name)
	emit := func(ev Event) {
		ev.RunID = report.ID
		ev.Time = o.now()
		if o.observer != nil {
			o.observer(ev)
		}
		if obs != nil {
			obs(ev)
		}
	}

	emit(Event{Type: EventState, State: State{Phase: PhaseNotStarted}})
	log.Info("Diagnostic run started", "layers", len(policy.Plan()), "stop_on_first_failure", policy.StopOnFirstFailure)

	stoppedByFailure := false
	for i, hop := range policy.Plan() {
		var lr LayerReport
		switch {
		case report.FirstFailure != nil && policy.StopOnFirstFailure:
			stoppedByFailure = true
			lr = skippedLayer(hop, fmt.Sprintf("not run: %s layer failed first", report.FirstFailure.Layer))
		case ctx.Err() != nil:
			lr = skippedLayer(hop, "not run: run interrupted")
		case o.probes[hop] == nil:
			lr = skippedLayer(hop, "not run: no probe registered for layer")
		default:
			emit(Event{Type: EventState, State: State{Phase: PhaseRunningLayer, Layer: hop, Index: i}})
			results := o.probes[hop].Run(ctx, env, probe.RunOptions{
				StopOnFirstFailure: policy.StopWithinLayer,
				OnResult: func(r probe.LayerTestResult) {
					emit(Event{Type: EventResult, State: State{Phase: PhaseRunningLayer, Layer: hop, Index: i}, Result: &r})
				},
			})
			for _, r := range results {
				if r.Failed() && report.FirstFailure == nil {
					report.FirstFailure = probe.FailurePointFrom(r)
				}
			}
			lr = layerReport(hop, results)
			if len(results) == 0 && ctx.Err() != nil {
				lr.SkipReason = "not run: run interrupted"
			}
		}

		report.Layers = append(report.Layers, lr)
		emit(Event{Type: EventLayer, State: State{Phase: PhaseRunningLayer, Layer: hop, Index: i}, Layer: &lr})
		log.Info("Layer finished",
			"layer", string(hop),
			"status", string(lr.Status),
			"passed", lr.Summary.Passed,
			"failed", lr.Summary.Failed,
		)
	}

	if err := ctx.Err(); err != nil {
		report.Incomplete = true
		report.IncompleteReason = incompleteReason(parent, err, o.runTimeout)
	}
	report.EndedAt = o.now()
	report.DurationMs = report.EndedAt.Sub(report.StartedAt).Milliseconds()
	report.Recommendation = o.recommend(report)

	final := State{Phase: PhaseCompleted}
	if stoppedByFailure || report.Incomplete {
		final = State{Phase: PhaseStopped}
	}
	emit(Event{Type: EventState, State: final})
	emit(Event{Type: EventReport, State: final, Report: report})

	failedLayer := ""
	if report.FirstFailure != nil {
		failedLayer = string(report.FirstFailure.Layer)
	}
	outcome := metrics.OutcomeSuccess
	switch {
	case report.Incomplete:
		outcome = metrics.OutcomeIncomplete
	case report.FirstFailure != nil:
		outcome = metrics.OutcomeFailure
	}
	metrics.ObserveDiagnosticRun(report.EndedAt.Sub(report.StartedAt), outcome, failedLayer)

	log.Info("Diagnostic run finished",
		"state", final.String(),
		"failed_layer", failedLayer,
		"incomplete", report.Incomplete,
		"duration_ms", report.DurationMs,
	)
	return report
}

func (o *Orchestrator) recommend(report *DebugReport) (msg string) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Recommendation failed", "error", fmt.Sprint(r))
			msg = ""
		}
		if msg == "" {
			if report.FirstFailure == nil {
				msg = "All layers passed."
			} else {
				msg = fmt.Sprintf("Inspect the %s layer for test %q.", report.FirstFailure.Layer, report.FirstFailure.TestName)
			}
		}
	}()
	if report.Incomplete && report.FirstFailure == nil {
		return fmt.Sprintf("Run incomplete (%s) before any failure was observed. Re-run with a longer diagnostic.run_timeout.", report.IncompleteReason)
	}
	if o.recommender == nil {
		return ""
	}
	return o.recommender.Recommend(report.FirstFailure, report.AllResults())
}

func incompleteReason(parent context.Context, err error, timeout time.Duration) string {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Sprintf("run timeout of %s exceeded", timeout)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "run deadline exceeded"
	}
	return "run cancelled"
}
