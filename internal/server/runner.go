package server

import (
	"context"
	"fmt"
	"time"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/capture"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/diagnostic"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/probe"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/protocol"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/recommend"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/replay"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/storage"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/tools"
)

// Runner wires configuration into the diagnostic and replay engines. It is
// shared by the CLI and the operator API.
type Runner struct {
	cfg          *config.Config
	logger       logger.Logger
	caller       protocol.Caller
	client       *protocol.Client
	backendPacer *protocol.Pacer
	orchestrator *diagnostic.Orchestrator
	captures     capture.Store
	store        storage.Store
	guard        *replay.Guard
	mock         *replay.MockExecutor
	table        replay.ProcedureTable
}

// RunnerOption customizes a Runner.
type RunnerOption func(*runnerOptions)

type runnerOptions struct {
	caller protocol.Caller
	now    func() time.Time
}

// WithCaller replaces the live protocol client.
func WithCaller(c protocol.Caller) RunnerOption {
	return func(o *runnerOptions) {
		o.caller = c
	}
}

// WithNow overrides the clock used by probes and reports.
func WithNow(now func() time.Time) RunnerOption {
	return func(o *runnerOptions) {
		o.now = now
	}
}

// NewRunner builds a Runner. captures and store may be nil; replays then fail
// and results are not persisted.
func NewRunner(cfg *config.Config, log logger.Logger, captures capture.Store, store storage.Store, opts ...RunnerOption) (*Runner, error) {
	var o runnerOptions
	for _, opt := range opts {
		opt(&o)
	}

	rec, err := recommend.LoadEngine(cfg.Rules.Path, log)
	if err != nil {
		return nil, fmt.Errorf("load recommendation rules: %w", err)
	}

	r := &Runner{
		cfg:          cfg,
		logger:       log,
		captures:     captures,
		store:        store,
		backendPacer: protocol.NewPacer(cfg.Diagnostic.BackendDelay),
		guard:        replay.NewGuard(),
		table:        replay.DefaultProcedureTable(),
	}
	if o.caller != nil {
		r.caller = o.caller
	} else {
		r.client = protocol.NewClient(log, protocol.Options{
			Timeouts: protocol.Timeouts{
				Backend:       cfg.Diagnostic.BackendTimeout,
				Middleware:    cfg.Diagnostic.MiddlewareTimeout,
				Orchestration: cfg.Diagnostic.OrchestrationTimeout,
			},
		})
		r.caller = r.client
	}

	probes := probe.All(r.caller, r.backendPacer, log, probe.Settings{
		SlotWindowDays: cfg.Diagnostic.SlotWindowDays,
		MessageDelay:   cfg.Diagnostic.MessageDelay,
		Now:            o.now,
	})
	r.orchestrator = diagnostic.NewOrchestrator(probes, rec, log,
		diagnostic.WithRunTimeout(cfg.Diagnostic.RunTimeout),
		diagnostic.WithClock(o.now),
	)

	var builder *replay.HarnessBuilder
	if captures != nil {
		builder = replay.NewHarnessBuilder(captures, log)
	}
	r.mock = replay.NewMockExecutor(builder, r.guard, log, tools.WithSlotWindow(cfg.Diagnostic.SlotWindowDays))
	return r, nil
}

// Environments lists the configured environment names.
func (r *Runner) Environments() []string {
	return r.cfg.EnvironmentNames()
}

// DefaultPolicy is the configured stop policy over every layer.
func (r *Runner) DefaultPolicy() diagnostic.Policy {
	return diagnostic.PolicyFromConfig(r.cfg.Diagnostic)
}

// Diagnose runs the progressive diagnostic against the named environment and
// stores the report.
func (r *Runner) Diagnose(ctx context.Context, envName string, policy diagnostic.Policy, obs diagnostic.Observer) (*diagnostic.DebugReport, error) {
	env, err := r.cfg.Environment(envName)
	if err != nil {
		return nil, err
	}
	report := r.orchestrator.RunWithObserver(ctx, env, policy, obs)
	if r.store != nil {
		// The run's context may be gone; the report is still worth keeping.
		if err := r.store.SaveReport(context.WithoutCancel(ctx), report); err != nil {
			r.logger.Warn("Failed to persist report", "report_id", report.ID, "error", err)
		}
	}
	return report, nil
}

// ReplayMock replays every tool invocation of a call against its captured
// middleware responses.
func (r *Runner) ReplayMock(ctx context.Context, callID string) (replay.CallReplayResult, error) {
	if r.captures == nil {
		return replay.CallReplayResult{}, fmt.Errorf("capture store not configured")
	}
	res, err := r.mock.ReplayCall(ctx, callID)
	if err != nil {
		return res, err
	}
	ok := res.Error == "" && res.Drifted == 0 && res.NoMockMatch == 0
	summary := fmt.Sprintf("%d invocation(s), %d drifted, %d without mock", len(res.Invocations), res.Drifted, res.NoMockMatch)
	r.persistReplay(ctx, replay.ModeMock, callID, callID, ok, summary, res)
	return res, nil
}

// ReplayTools re-runs a call's tool invocations against the middleware of the
// named environment.
func (r *Runner) ReplayTools(ctx context.Context, envName, callID string) (replay.CallReplayResult, error) {
	if r.captures == nil {
		return replay.CallReplayResult{}, fmt.Errorf("capture store not configured")
	}
	env, err := r.cfg.Environment(envName)
	if err != nil {
		return replay.CallReplayResult{}, err
	}
	live := replay.NewLiveToolReplay(r.captures, r.caller, env, r.guard, r.logger,
		tools.WithSlotWindow(r.cfg.Diagnostic.SlotWindowDays))
	res, err := live.ReplayCall(ctx, callID)
	if err != nil {
		return res, err
	}
	ok := res.Error == "" && !res.Incomplete && res.Drifted == 0
	summary := fmt.Sprintf("%d invocation(s), %d drifted", len(res.Invocations), res.Drifted)
	r.persistReplay(ctx, replay.ModeTool, callID, callID, ok, summary, res)
	return res, nil
}

// ReplayConversation resends a call's utterances to the named environment.
func (r *Runner) ReplayConversation(ctx context.Context, envName, callID string) (replay.ConversationalReplayResult, error) {
	if r.captures == nil {
		return replay.ConversationalReplayResult{}, fmt.Errorf("capture store not configured")
	}
	env, err := r.cfg.Environment(envName)
	if err != nil {
		return replay.ConversationalReplayResult{}, err
	}
	engine := replay.NewConversationEngine(r.captures, r.caller, env, r.cfg.Diagnostic.MessageDelay, r.guard, r.logger)
	res, err := engine.Replay(ctx, callID)
	if err != nil {
		return res, err
	}
	ok := !res.Incomplete && res.Error == ""
	summary := fmt.Sprintf("%d turn(s), %d tool call mismatch(es)", len(res.Turns), res.Mismatches)
	r.persistReplay(ctx, replay.ModeConversation, callID, callID, ok, summary, res)
	return res, nil
}

// ProbeDirect re-issues one captured middleware exchange against the backend
// of the named environment.
func (r *Runner) ProbeDirect(ctx context.Context, envName, observationID string) (replay.DirectProbeResult, error) {
	if r.captures == nil {
		return replay.DirectProbeResult{}, fmt.Errorf("capture store not configured")
	}
	env, err := r.cfg.Environment(envName)
	if err != nil {
		return replay.DirectProbeResult{}, err
	}
	direct := replay.NewDirectProbe(r.captures, r.caller, env, r.backendPacer, r.table, r.guard, r.logger)
	res, err := direct.Probe(ctx, observationID)
	if err != nil {
		return res, err
	}
	ok := res.Direct != nil && !res.Incomplete
	summary := fmt.Sprintf("%s: %s", res.Bottleneck, res.Reason)
	r.persistReplay(ctx, replay.ModeDirect, res.CallID, observationID, ok, summary, res)
	return res, nil
}

// Calls lists recent calls of the capture archive.
func (r *Runner) Calls(ctx context.Context, limit int) ([]capture.CallSummary, error) {
	if r.captures == nil {
		return nil, fmt.Errorf("capture store not configured")
	}
	return r.captures.Calls(ctx, limit)
}

func (r *Runner) persistReplay(ctx context.Context, mode, callID, target string, ok bool, summary string, result any) {
	if r.store == nil {
		return
	}
	rec, err := storage.NewReplayRecord(mode, callID, target, ok, summary, result)
	if err == nil {
		err = r.store.SaveReplay(context.WithoutCancel(ctx), rec)
	}
	if err != nil {
		r.logger.Warn("Failed to persist replay", "mode", mode, "call_id", callID, "error", err)
	}
}

// Close drains in-flight protocol calls.
func (r *Runner) Close() {
	if r.client != nil {
		r.client.Close()
	}
}
