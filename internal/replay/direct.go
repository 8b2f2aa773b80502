package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/capture"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/metrics"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/protocol"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/tools"
	"github.com/pmezard/go-difflib/difflib"
)

// Bottleneck names where a reproduced anomaly originates.
type Bottleneck string

const (
	BottleneckBackend      Bottleneck = "backend"
	BottleneckToolLogic    Bottleneck = "tool_logic"
	BottleneckInconclusive Bottleneck = "inconclusive"
)

// Evidence is the part of a response that classification looks at.
type Evidence struct {
	OK      bool                `json:"ok"`
	Records int                 `json:"records"`
	Error   string              `json:"error,omitempty"`
	Class   protocol.ErrorClass `json:"class,omitempty"`
}

// EvidenceOf extracts classification evidence from an outcome.
func EvidenceOf(out protocol.Outcome) Evidence {
	return Evidence{OK: out.OK, Records: len(out.Records), Error: out.Error, Class: out.Class}
}

// Anomalous reports a failed response or one that carried no records.
func (e Evidence) Anomalous() bool {
	return !e.OK || e.Records == 0
}

// Classify decides the bottleneck from the original middleware response and
// the direct backend response. It is a pure function of its inputs.
func Classify(original, direct Evidence) Bottleneck {
	if direct.Class == protocol.ClassTransport || direct.Class == protocol.ClassConfiguration {
		return BottleneckInconclusive
	}
	switch {
	case original.Anomalous() && direct.Anomalous():
		return BottleneckBackend
	case original.Anomalous() && !direct.Anomalous():
		return BottleneckToolLogic
	default:
		return BottleneckInconclusive
	}
}

func explain(b Bottleneck, original, direct Evidence) string {
	switch b {
	case BottleneckBackend:
		return "the backend reproduces the anomaly seen through the middleware"
	case BottleneckToolLogic:
		return "the backend answers healthily; the middleware or tool layer mishandled its response"
	}
	if direct.Class == protocol.ClassTransport || direct.Class == protocol.ClassConfiguration {
		return "the backend could not be reached: " + direct.Error
	}
	if !original.Anomalous() {
		return "the original middleware response shows no anomaly"
	}
	return "the responses do not determine a bottleneck"
}

// DirectProbeResult compares one captured middleware exchange with the same
// request issued directly to the backend.
type DirectProbeResult struct {
	Mode          string            `json:"mode"`
	ObservationID string            `json:"observationId"`
	CallID        string            `json:"callId,omitempty"`
	Action        string            `json:"action,omitempty"`
	Procedure     string            `json:"procedure,omitempty"`
	TableVersion  string            `json:"tableVersion"`
	Params        []protocol.Param  `json:"params,omitempty"`
	Original      protocol.Outcome  `json:"original"`
	Direct        *protocol.Outcome `json:"direct,omitempty"`
	Bottleneck    Bottleneck        `json:"bottleneck"`
	Reason        string            `json:"reason"`
	Differences   []string          `json:"differences"`
	Diff          string            `json:"diff,omitempty"`
	Incomplete    bool              `json:"incomplete,omitempty"`
	DurationMs    int64             `json:"durationMs"`
}

// DirectProbe re-issues a captured middleware exchange against the backend.
type DirectProbe struct {
	store      capture.Store
	caller     protocol.Caller
	env        config.EnvironmentConfig
	pacer      *protocol.Pacer
	table      ProcedureTable
	guard      *Guard
	logger     logger.Logger
	windowDays int
}

// NewDirectProbe creates a direct probe. backendPacer must be the pacer
// shared with every other backend caller; guard may be nil.
func NewDirectProbe(store capture.Store, caller protocol.Caller, env config.EnvironmentConfig, backendPacer *protocol.Pacer, table ProcedureTable, guard *Guard, log logger.Logger) *DirectProbe {
	return &DirectProbe{
		store:      store,
		caller:     caller,
		env:        env,
		pacer:      backendPacer,
		table:      table,
		guard:      guard,
		logger:     log,
		windowDays: 14,
	}
}

// Probe runs the direct comparison for one observation. Failures to
// reconstruct the request are reported as inconclusive, not as errors.
func (d *DirectProbe) Probe(ctx context.Context, observationID string) (result DirectProbeResult, err error) {
	start := time.Now()
	result = DirectProbeResult{
		Mode:          ModeDirect,
		ObservationID: observationID,
		TableVersion:  d.table.Version,
		Bottleneck:    BottleneckInconclusive,
		Differences:   []string{},
	}

	obs, lerr := d.store.Observation(ctx, observationID)
	if lerr != nil {
		result.Reason = "observation unavailable: " + lerr.Error()
		if !errors.Is(lerr, capture.ErrObservationNotFound) {
			result.Incomplete = true
		}
		return d.finish(result, start), nil
	}
	result.CallID = obs.CallID

	release, err := d.guard.Acquire(obs.CallID)
	if err != nil {
		return DirectProbeResult{}, err
	}
	defer release()

	action, body, reason := d.reconstruct(obs)
	result.Action = action
	if reason != "" {
		result.Reason = reason
		return d.finish(result, start), nil
	}
	result.Original = originalOutcome(obs)

	mapping, ok := d.table.Lookup(action)
	if !ok {
		result.Reason = fmt.Sprintf("no backend procedure mapped for action %q (table %s)", action, d.table.Version)
		return d.finish(result, start), nil
	}
	result.Procedure = mapping.Procedure
	params, missing := mapping.BackendParams(body)
	result.Params = params
	if len(missing) > 0 {
		result.Reason = "could not reconstruct parameter(s): " + strings.Join(missing, ", ")
		return d.finish(result, start), nil
	}

	if werr := d.pacer.Wait(ctx); werr != nil {
		result.Incomplete = true
		result.Reason = "probe interrupted: " + werr.Error()
		return d.finish(result, start), nil
	}
	direct := d.caller.Call(ctx, d.env, protocol.Request{
		Hop:           protocol.HopBackend,
		Action:        mapping.Procedure,
		Params:        params,
		CorrelationID: obs.CallID,
	})
	result.Direct = &direct
	if ctx.Err() != nil {
		result.Incomplete = true
	}

	orig, dir := EvidenceOf(result.Original), EvidenceOf(direct)
	result.Bottleneck = Classify(orig, dir)
	result.Reason = explain(result.Bottleneck, orig, dir)
	result.Differences, result.Diff = differences(result.Original, direct)

	d.logger.Info("Direct backend probe finished",
		"observation_id", observationID,
		"action", action,
		"procedure", mapping.Procedure,
		"bottleneck", string(result.Bottleneck),
	)
	return d.finish(result, start), nil
}

func (d *DirectProbe) finish(result DirectProbeResult, start time.Time) DirectProbeResult {
	result.DurationMs = time.Since(start).Milliseconds()
	metrics.ObserveReplay(ModeDirect, !result.Incomplete && result.Bottleneck != BottleneckInconclusive)
	return result
}

// reconstruct recovers the middleware action and body of a captured
// exchange. A non-empty reason means it could not.
func (d *DirectProbe) reconstruct(obs capture.Observation) (string, map[string]any, string) {
	switch obs.Kind {
	case capture.KindAPI:
		action := obs.ActionKey
		if action == "" {
			action = capture.DeriveActionKey(obs.Endpoint, obs.Name)
		}
		body := map[string]any{}
		if raw := unwrapJSONString(obs.Request); len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &body); err != nil {
				return action, nil, "captured request body is not a JSON object"
			}
		}
		return action, body, ""
	case capture.KindTool:
		if !tools.IsKnownTool(obs.Name) {
			return "", nil, fmt.Sprintf("tool %q has no middleware action", obs.Name)
		}
		in, err := tools.ParseInput(obs.Name, obs.Request)
		if err != nil {
			return "", nil, err.Error()
		}
		call, err := tools.ResolveAction(in.Tool, in.Args, obs.Timestamp, d.windowDays)
		if err != nil {
			return "", nil, err.Error()
		}
		return call.Action, call.Body, ""
	default:
		return "", nil, fmt.Sprintf("observation kind %q is not a middleware exchange", obs.Kind)
	}
}

// originalOutcome decodes the recorded middleware response the way the live
// client would have.
func originalOutcome(obs capture.Observation) protocol.Outcome {
	status := obs.StatusCode
	if status == 0 {
		status = 200
		if obs.IsError() {
			status = 500
		}
	}
	out := protocol.DecodeMiddlewareResponse(status, "application/json", unwrapJSONString(obs.Response))
	if out.OK && obs.IsError() {
		out.OK = false
		out.Class = protocol.ClassProtocol
		out.Error = obs.StatusMessage
		if out.Error == "" {
			out.Error = "recorded as failed"
		}
	}
	return out
}

func differences(original, direct protocol.Outcome) ([]string, string) {
	diffs := []string{}
	if original.OK != direct.OK {
		diffs = append(diffs, fmt.Sprintf("status: middleware ok=%t, backend ok=%t", original.OK, direct.OK))
	}
	if original.Error != direct.Error {
		diffs = append(diffs, fmt.Sprintf("error: middleware %q, backend %q", original.Error, direct.Error))
	}
	if len(original.Records) != len(direct.Records) {
		diffs = append(diffs, fmt.Sprintf("record count: middleware %d, backend %d", len(original.Records), len(direct.Records)))
	}

	a := protocol.NormalizeRecords(original.Records)
	b := protocol.NormalizeRecords(direct.Records)
	if strings.Join(a, "\n") == strings.Join(b, "\n") {
		return diffs, ""
	}
	unified, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        linesOf(a),
		B:        linesOf(b),
		FromFile: "middleware",
		ToFile:   "backend",
		Context:  2,
	})
	if err != nil {
		return diffs, ""
	}
	if unified != "" {
		diffs = append(diffs, "record content differs")
	}
	return diffs, unified
}

func linesOf(items []string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = s + "\n"
	}
	return out
}
