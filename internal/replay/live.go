package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/capture"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/metrics"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/protocol"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/tools"
)

// LiveMarker tags every log line produced by a live tool replay.
const LiveMarker = "[LIVE]"

// LiveToolReplay re-runs captured tool invocations through the tool logic
// with the real middleware behind it. Drift against the recording means the
// middleware answers differently today.
type LiveToolReplay struct {
	store         capture.Store
	caller        protocol.Caller
	env           config.EnvironmentConfig
	guard         *Guard
	logger        logger.Logger
	opts          []tools.Option
	correlationID func() string
}

// NewLiveToolReplay creates a live tool replay against env. guard may be nil.
func NewLiveToolReplay(store capture.Store, caller protocol.Caller, env config.EnvironmentConfig, guard *Guard, log logger.Logger, opts ...tools.Option) *LiveToolReplay {
	return &LiveToolReplay{
		store:         store,
		caller:        caller,
		env:           env,
		guard:         guard,
		logger:        log,
		opts:          opts,
		correlationID: uuid.NewString,
	}
}

// ReplayCall runs every captured tool invocation of callID in recorded order.
// Every middleware request of the replay carries one correlation id.
func (l *LiveToolReplay) ReplayCall(ctx context.Context, callID string) (result CallReplayResult, err error) {
	release, err := l.guard.Acquire(callID)
	if err != nil {
		return CallReplayResult{}, err
	}
	defer release()

	start := time.Now()
	result = CallReplayResult{Mode: ModeTool, CallID: callID, StartedAt: start, Invocations: []InvocationReplay{}, HarnessKeys: []string{}}
	defer func() {
		result.DurationMs = time.Since(start).Milliseconds()
		metrics.ObserveReplay(ModeTool, result.Error == "" && !result.Incomplete && result.Drifted == 0)
	}()

	observations, lerr := l.store.Observations(ctx, callID)
	if lerr != nil {
		result.Error = lerr.Error()
		return result, nil
	}
	result.Empty = len(observations) == 0

	correlationID := l.correlationID()
	log := l.logger.With("call_id", callID, "correlation_id", correlationID)
	exec := tools.NewExecutor(tools.LiveCaller{Client: l.caller, Env: l.env, CorrelationID: correlationID}, log, l.opts...)

	replayToolInvocations(ctx, &result, observations, func(ctx context.Context, in tools.Input, _ time.Time) MockReplayResult {
		res := exec.Run(ctx, in)
		line := fmt.Sprintf("%s %s ok=%t", LiveMarker, in.Tool, res.OK)
		if !res.OK {
			line = fmt.Sprintf("%s %s failed: %s", LiveMarker, in.Tool, res.Error)
		}
		log.Info(line, "tool", in.Tool, "action", res.Action)
		return MockReplayResult{
			Mode:   ModeTool,
			CallID: callID,
			Tool:   in.Tool,
			Action: res.Action,
			OK:     res.OK,
			Output: res.Output,
			Error:  res.Error,
			Class:  res.Class,
			Log:    []string{line},
		}
	})

	log.Info("Live tool replay finished",
		"env", l.env.Name,
		"invocations", len(result.Invocations),
		"drifted", result.Drifted,
	)
	return result, nil
}
