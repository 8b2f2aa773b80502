// Package probe runs fixed batteries of test cases against one hop of the
// pipeline at a time.
package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/protocol"
)

// Expectation is the pass policy of a test case.
type Expectation struct {
	// ExpectSuccess is false for cases that probe known-bad input; for those a
	// failed call is the passing outcome.
	ExpectSuccess  bool     `json:"expectSuccess"`
	ExpectRecords  bool     `json:"expectRecords,omitempty"`
	ExpectedFields []string `json:"expectedFields,omitempty"`
	ExpectReply    bool     `json:"expectReply,omitempty"`
	ExpectTools    []string `json:"expectTools,omitempty"`
}

// LayerTestCase is one declarative test. Message is used by the agent hops,
// Params by the backend and Body by the middleware.
type LayerTestCase struct {
	Name    string           `json:"name"`
	Action  string           `json:"action,omitempty"`
	Params  []protocol.Param `json:"params,omitempty"`
	Body    map[string]any   `json:"body,omitempty"`
	Message string           `json:"message,omitempty"`
	Expect  Expectation      `json:"expect"`
}

// LayerTestResult is the immutable outcome of one test case.
type LayerTestResult struct {
	Layer      protocol.Hop        `json:"layer"`
	TestName   string              `json:"testName"`
	Passed     bool                `json:"passed"`
	Skipped    bool                `json:"skipped,omitempty"`
	DurationMs int64               `json:"durationMs"`
	Request    string              `json:"request,omitempty"`
	Response   string              `json:"response,omitempty"`
	Error      string              `json:"error,omitempty"`
	Details    string              `json:"details,omitempty"`
	Class      protocol.ErrorClass `json:"class,omitempty"`
}

// Failed reports a result that was executed and did not pass.
func (r LayerTestResult) Failed() bool {
	return !r.Passed && !r.Skipped
}

// RunOptions controls one probe execution.
type RunOptions struct {
	StopOnFirstFailure bool
	// OnResult, when set, observes every result as it is produced.
	OnResult func(LayerTestResult)
}

// Probe runs the battery of one hop. Cases execute strictly in order.
type Probe struct {
	hop     protocol.Hop
	caller  protocol.Caller
	pacer   *protocol.Pacer
	logger  logger.Logger
	battery func(env config.EnvironmentConfig, now time.Time) []LayerTestCase
	now     func() time.Time
	// cadence separates conversational turns; a fresh pacer is built per run.
	cadence time.Duration
}

// Layer returns the hop this probe targets.
func (p *Probe) Layer() protocol.Hop { return p.hop }

// Cases returns the battery for env.
func (p *Probe) Cases(env config.EnvironmentConfig) []LayerTestCase {
	return p.battery(env, p.now())
}

// missingEndpoint names the configuration gap that prevents this probe from
// running, or "".
func (p *Probe) missingEndpoint(env config.EnvironmentConfig) string {
	switch p.hop {
	case protocol.HopBackend:
		if strings.TrimSpace(env.Backend.Endpoint) == "" {
			return "backend endpoint"
		}
	case protocol.HopMiddleware:
		if strings.TrimSpace(env.Middleware.BaseURL) == "" {
			return "middleware base URL"
		}
	case protocol.HopOrchestration:
		if !env.HasOrchestration() {
			return "orchestration endpoint"
		}
	case protocol.HopConversational:
		// A chat proxy only forwards to the orchestration flow.
		if !env.HasOrchestration() {
			return "orchestration endpoint"
		}
		if env.ConversationalEndpoint() == "" {
			return "conversational endpoint"
		}
	}
	return ""
}

// Run executes the battery. On cancellation it stops issuing calls and
// returns the results completed so far.
func (p *Probe) Run(ctx context.Context, env config.EnvironmentConfig, opts RunOptions) []LayerTestResult {
	emit := func(r LayerTestResult) {
		if opts.OnResult != nil {
			opts.OnResult(r)
		}
	}

	if missing := p.missingEndpoint(env); missing != "" {
		reason := fmt.Sprintf("%s not configured for environment %q", missing, env.Name)
		p.logger.Warn("Layer skipped", "layer", string(p.hop), "reason", reason)
		r := LayerTestResult{
			Layer:    p.hop,
			TestName: "configuration",
			Skipped:  true,
			Error:    reason,
			Details:  "layer skipped: " + reason,
			Class:    protocol.ClassConfiguration,
		}
		emit(r)
		return []LayerTestResult{r}
	}

	cases := p.Cases(env)
	results := make([]LayerTestResult, 0, len(cases))

	// Agent hops share one session across the battery so the conversational
	// script is one conversation.
	sessionID := uuid.NewString()
	var cadence *protocol.Pacer
	if p.hop == protocol.HopConversational {
		cadence = protocol.NewPacer(p.cadence)
	}

	for _, tc := range cases {
		if ctx.Err() != nil {
			break
		}
		if err := p.pace(ctx, cadence); err != nil {
			break
		}

		req := protocol.Request{
			Hop:       p.hop,
			Action:    tc.Action,
			Params:    tc.Params,
			Body:      tc.Body,
			Message:   tc.Message,
			SessionID: sessionID,
		}
		if p.hop == protocol.HopOrchestration {
			req.SessionID = uuid.NewString()
		}
		out := p.caller.Call(ctx, env, req)
		if ctx.Err() != nil {
			// Interrupted calls are not findings.
			break
		}

		r := Evaluate(p.hop, tc, out)
		results = append(results, r)
		emit(r)
		p.logger.Info("Layer test finished",
			"layer", string(p.hop),
			"test", tc.Name,
			"passed", r.Passed,
			"duration_ms", r.DurationMs,
		)
		if r.Failed() && opts.StopOnFirstFailure {
			break
		}
	}
	return results
}

func (p *Probe) pace(ctx context.Context, cadence *protocol.Pacer) error {
	if p.hop == protocol.HopBackend {
		return p.pacer.Wait(ctx)
	}
	if cadence != nil {
		return cadence.Wait(ctx)
	}
	return nil
}

// Evaluate applies a test case's expectation to a call outcome.
func Evaluate(hop protocol.Hop, tc LayerTestCase, out protocol.Outcome) LayerTestResult {
	r := LayerTestResult{
		Layer:      hop,
		TestName:   tc.Name,
		DurationMs: out.DurationMs,
		Request:    requestSummary(tc, out),
		Response:   responseSummary(out),
	}

	if !out.OK {
		if !tc.Expect.ExpectSuccess {
			r.Passed = true
			r.Details = "expected failure observed: " + out.Error
			return r
		}
		r.Error = out.Error
		if r.Error == "" {
			r.Error = "call failed"
		}
		r.Class = out.Class
		r.Details = fmt.Sprintf("%s call failed", hop)
		return r
	}

	if !tc.Expect.ExpectSuccess {
		return expectationFailure(r, "expected failure but call succeeded")
	}
	if tc.Expect.ExpectRecords && len(out.Records) == 0 {
		return expectationFailure(r, "expected at least one record, got none")
	}
	if len(tc.Expect.ExpectedFields) > 0 && len(out.Records) > 0 {
		var missing []string
		for _, field := range tc.Expect.ExpectedFields {
			if _, ok := out.Records[0][field]; !ok {
				missing = append(missing, field)
			}
		}
		if len(missing) > 0 {
			return expectationFailure(r, "missing field(s) on first record: "+strings.Join(missing, ", "))
		}
	}
	if tc.Expect.ExpectReply && strings.TrimSpace(out.Text) == "" {
		return expectationFailure(r, "empty reply from agent")
	}
	if len(tc.Expect.ExpectTools) > 0 {
		seen := make(map[string]bool, len(out.ToolCalls))
		for _, name := range out.ToolNames() {
			seen[name] = true
		}
		for _, want := range tc.Expect.ExpectTools {
			if !seen[want] {
				return expectationFailure(r, fmt.Sprintf("tool mismatch: expected %s, observed [%s]",
					want, strings.Join(out.ToolNames(), ", ")))
			}
		}
	}

	r.Passed = true
	switch {
	case out.Records != nil:
		r.Details = fmt.Sprintf("%d record(s)", len(out.Records))
	case len(out.ToolCalls) > 0:
		r.Details = "tools: " + strings.Join(out.ToolNames(), ", ")
	}
	return r
}

func expectationFailure(r LayerTestResult, msg string) LayerTestResult {
	r.Passed = false
	r.Error = msg
	r.Class = protocol.ClassExpectation
	return r
}

func requestSummary(tc LayerTestCase, out protocol.Outcome) string {
	if out.RawRequest != "" {
		return out.RawRequest
	}
	if tc.Message != "" {
		return tc.Message
	}
	return tc.Action
}

const maxResponseSummary = 2000

func responseSummary(out protocol.Outcome) string {
	if len(out.Payload) > 0 {
		s := string(out.Payload)
		if len(s) > maxResponseSummary {
			s = s[:maxResponseSummary] + "..."
		}
		return s
	}
	return out.Summary()
}

// FailurePoint locates the first failing test of a run.
type FailurePoint struct {
	Layer    protocol.Hop        `json:"layer"`
	TestName string              `json:"testName"`
	Error    string              `json:"error"`
	Class    protocol.ErrorClass `json:"class,omitempty"`
}

// FailurePointFrom captures the failure described by r.
func FailurePointFrom(r LayerTestResult) *FailurePoint {
	return &FailurePoint{Layer: r.Layer, TestName: r.TestName, Error: r.Error, Class: r.Class}
}
