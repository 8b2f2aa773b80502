package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PredictionRequest is the body accepted by the orchestration endpoint and by
// the chat proxy in front of it.
type PredictionRequest struct {
	Question       string         `json:"question"`
	OverrideConfig OverrideConfig `json:"overrideConfig"`
}

// OverrideConfig carries the session identity of a prediction.
type OverrideConfig struct {
	SessionID string `json:"sessionId"`
}

type predictionResponse struct {
	Text      string           `json:"text"`
	SessionID string           `json:"sessionId"`
	UsedTools []predictionTool `json:"usedTools"`
}

type predictionTool struct {
	Tool       string          `json:"tool"`
	ToolInput  json.RawMessage `json:"toolInput"`
	ToolOutput json.RawMessage `json:"toolOutput"`
}

func (c *Client) callPrediction(ctx context.Context, endpoint, apiKey string, req Request, timeout time.Duration) Outcome {
	if strings.TrimSpace(endpoint) == "" {
		return failure(ClassConfiguration, fmt.Sprintf("%s endpoint is not configured", req.Hop))
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	body, err := json.Marshal(PredictionRequest{
		Question:       req.Message,
		OverrideConfig: OverrideConfig{SessionID: sessionID},
	})
	if err != nil {
		return failure(ClassProtocol, fmt.Sprintf("encode prediction body: %v", err))
	}

	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}
	if apiKey != "" {
		headers["Authorization"] = "Bearer " + apiKey
	}

	res, err := c.do(ctx, endpoint, body, headers, req.CorrelationID)
	if err != nil {
		out := transportFailure(ctx, err, timeout)
		out.RawRequest = string(body)
		return out
	}
	out := DecodePredictionResponse(res.status, res.contentType, res.body)
	out.RawRequest = string(body)
	return out
}

// DecodePredictionResponse normalizes an orchestration response: reply text
// plus the ordered tool invocations of the turn.
func DecodePredictionResponse(status int, contentType string, body []byte) Outcome {
	res := httpResult{status: status, contentType: contentType, body: body}
	if status >= 400 {
		return httpFailure(res)
	}

	trimmed := bytes.TrimSpace(body)
	var decoded predictionResponse
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		// Some deployments answer with a bare JSON string.
		var text string
		if json.Unmarshal(trimmed, &text) == nil {
			return Outcome{OK: true, Status: status, Text: text, Payload: append(json.RawMessage(nil), trimmed...)}
		}
		out := failure(ClassProtocol, fmt.Sprintf("response is not JSON: %s", summarizeBody(contentType, body)))
		out.Status = status
		return out
	}

	out := Outcome{
		OK:      true,
		Status:  status,
		Text:    decoded.Text,
		Payload: append(json.RawMessage(nil), trimmed...),
	}
	for _, t := range decoded.UsedTools {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			Tool:   t.Tool,
			Input:  t.ToolInput,
			Output: rawToString(t.ToolOutput),
		})
	}
	return out
}

func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
