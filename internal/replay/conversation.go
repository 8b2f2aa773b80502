package replay

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/capture"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/metrics"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/protocol"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/tools"
)

// ToolInvocation is one tool call as seen from outside the agent.
type ToolInvocation struct {
	Tool  string `json:"tool"`
	Input string `json:"input,omitempty"`
}

// ToolCallComparison pairs the i-th original invocation with the i-th
// replayed one. Either side is nil past the end of the shorter sequence.
// NameMatch and InputSimilarity are hints for a human reviewer; an agent may
// legitimately reorder its questions between runs.
type ToolCallComparison struct {
	Index           int             `json:"index"`
	Original        *ToolInvocation `json:"original,omitempty"`
	Replayed        *ToolInvocation `json:"replayed,omitempty"`
	OneSided        bool            `json:"oneSided,omitempty"`
	NameMatch       bool            `json:"nameMatch"`
	InputSimilarity float64         `json:"inputSimilarity"`
}

// TurnResult is one resent utterance and the live reply.
type TurnResult struct {
	Index         int                 `json:"index"`
	Utterance     string              `json:"utterance"`
	OriginalReply string              `json:"originalReply,omitempty"`
	Reply         string              `json:"reply,omitempty"`
	ToolCalls     []protocol.ToolCall `json:"toolCalls,omitempty"`
	DurationMs    int64               `json:"durationMs"`
	Error         string              `json:"error,omitempty"`
	Class         protocol.ErrorClass `json:"class,omitempty"`
}

// ConversationalReplayResult is the outcome of resending a call's utterances
// in a fresh session.
type ConversationalReplayResult struct {
	Mode              string               `json:"mode"`
	CallID            string               `json:"callId"`
	SessionID         string               `json:"sessionId"`
	StartedAt         time.Time            `json:"startedAt"`
	DurationMs        int64                `json:"durationMs"`
	Turns             []TurnResult         `json:"turns"`
	Responses         []string             `json:"responses"`
	OriginalToolCalls []ToolInvocation     `json:"originalToolCalls"`
	ReplayedToolCalls []ToolInvocation     `json:"replayedToolCalls"`
	Comparison        []ToolCallComparison `json:"toolCallComparison"`
	Mismatches        int                  `json:"mismatches"`
	Incomplete        bool                 `json:"incomplete,omitempty"`
	Error             string               `json:"error,omitempty"`
}

// ConversationEngine resends captured utterances through the live
// conversational hop.
type ConversationEngine struct {
	store      capture.Store
	caller     protocol.Caller
	env        config.EnvironmentConfig
	delay      time.Duration
	guard      *Guard
	logger     logger.Logger
	newSession func() string
}

// NewConversationEngine creates an engine. delay separates consecutive
// utterances; guard may be nil.
func NewConversationEngine(store capture.Store, caller protocol.Caller, env config.EnvironmentConfig, delay time.Duration, guard *Guard, log logger.Logger) *ConversationEngine {
	return &ConversationEngine{
		store:      store,
		caller:     caller,
		env:        env,
		delay:      delay,
		guard:      guard,
		logger:     log,
		newSession: uuid.NewString,
	}
}

// Replay resends the utterances of callID in recorded order. A failed turn
// stops the replay; the result keeps every completed turn and is marked
// incomplete.
func (e *ConversationEngine) Replay(ctx context.Context, callID string) (result ConversationalReplayResult, err error) {
	release, err := e.guard.Acquire(callID)
	if err != nil {
		return ConversationalReplayResult{}, err
	}
	defer release()

	start := time.Now()
	result = ConversationalReplayResult{
		Mode:              ModeConversation,
		CallID:            callID,
		SessionID:         e.newSession(),
		StartedAt:         start,
		Turns:             []TurnResult{},
		Responses:         []string{},
		OriginalToolCalls: []ToolInvocation{},
		ReplayedToolCalls: []ToolInvocation{},
	}
	log := e.logger.With("call_id", callID, "session_id", result.SessionID)
	defer func() {
		result.Comparison = CompareToolCalls(result.OriginalToolCalls, result.ReplayedToolCalls)
		result.Mismatches = countMismatches(result.Comparison)
		result.DurationMs = time.Since(start).Milliseconds()
		metrics.ObserveReplay(ModeConversation, result.Error == "" && !result.Incomplete)
	}()

	obs, lerr := e.store.Observations(ctx, callID)
	if lerr != nil {
		result.Error = lerr.Error()
		return result, nil
	}

	var turns []capture.Observation
	for _, o := range obs {
		switch o.Kind {
		case capture.KindTurn:
			if o.Utterance() != "" {
				turns = append(turns, o)
			}
		case capture.KindTool:
			if tools.IsKnownTool(o.Name) {
				result.OriginalToolCalls = append(result.OriginalToolCalls, ToolInvocation{Tool: o.Name, Input: compactJSON(o.Request)})
			}
		}
	}
	if len(turns) == 0 {
		result.Error = "no caller utterances captured for call"
		return result, nil
	}

	pacer := protocol.NewPacer(e.delay)
	for i, t := range turns {
		if werr := pacer.Wait(ctx); werr != nil {
			result.Incomplete = true
			result.Error = "replay interrupted: " + werr.Error()
			break
		}
		out := e.caller.Call(ctx, e.env, protocol.Request{
			Hop:           protocol.HopConversational,
			Message:       t.Utterance(),
			SessionID:     result.SessionID,
			CorrelationID: result.SessionID,
		})
		turn := TurnResult{
			Index:         i,
			Utterance:     t.Utterance(),
			OriginalReply: t.Reply(),
			Reply:         out.Text,
			ToolCalls:     out.ToolCalls,
			DurationMs:    out.DurationMs,
		}
		if !out.OK {
			turn.Error = out.Error
			turn.Class = out.Class
			result.Turns = append(result.Turns, turn)
			result.Incomplete = true
			result.Error = out.Error
			log.Warn("Conversational replay stopped", "turn", i, "error", out.Error)
			break
		}
		result.Turns = append(result.Turns, turn)
		result.Responses = append(result.Responses, out.Text)
		for _, tc := range out.ToolCalls {
			result.ReplayedToolCalls = append(result.ReplayedToolCalls, ToolInvocation{Tool: tc.Tool, Input: compactJSON(tc.Input)})
		}
		log.Debug("Turn replayed", "turn", i, "tools", len(out.ToolCalls))
	}

	log.Info("Conversational replay finished",
		"turns", len(result.Turns),
		"original_tools", len(result.OriginalToolCalls),
		"replayed_tools", len(result.ReplayedToolCalls),
		"incomplete", result.Incomplete,
	)
	return result, nil
}

// CompareToolCalls compares the sequences index by index. The result always
// has max(len(original), len(replayed)) entries.
func CompareToolCalls(original, replayed []ToolInvocation) []ToolCallComparison {
	n := len(original)
	if len(replayed) > n {
		n = len(replayed)
	}
	out := make([]ToolCallComparison, n)
	for i := 0; i < n; i++ {
		c := ToolCallComparison{Index: i}
		if i < len(original) {
			o := original[i]
			c.Original = &o
		}
		if i < len(replayed) {
			r := replayed[i]
			c.Replayed = &r
		}
		if c.Original == nil || c.Replayed == nil {
			c.OneSided = true
		} else {
			c.NameMatch = c.Original.Tool == c.Replayed.Tool
			c.InputSimilarity = Similarity(c.Original.Input, c.Replayed.Input)
		}
		out[i] = c
	}
	return out
}

// Similarity is 1 minus the normalized edit distance of a and b.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

func countMismatches(cmp []ToolCallComparison) int {
	n := 0
	for _, c := range cmp {
		if c.OneSided || !c.NameMatch {
			n++
		}
	}
	return n
}

func compactJSON(raw json.RawMessage) string {
	raw = unwrapJSONString(raw)
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return strings.TrimSpace(string(raw))
	}
	b, err := json.Marshal(v)
	if err != nil {
		return strings.TrimSpace(string(raw))
	}
	return string(b)
}
