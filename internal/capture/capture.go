// Package capture reads the archive of recorded calls. The core only ever
// reads from it; ingestion lives in Importer and is used by operator tooling.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
)

var (
	// ErrObservationNotFound indicates no observation carries the given id.
	ErrObservationNotFound = errors.New("observation not found")
	// ErrUnsupportedDriver indicates the configured capture driver is unknown.
	ErrUnsupportedDriver = errors.New("unsupported capture driver")
)

// Kind classifies an observation.
type Kind string

const (
	// KindTurn is one caller utterance and the agent reply to it.
	KindTurn Kind = "turn"
	// KindTool is one agent-level tool invocation.
	KindTool Kind = "tool"
	// KindAPI is one middleware HTTP exchange issued by tool logic.
	KindAPI Kind = "api"
	// KindGeneration is an LLM generation step.
	KindGeneration Kind = "generation"
)

// Observation is one recorded request/response pair of a historical call.
type Observation struct {
	ID            string          `json:"id"`
	CallID        string          `json:"callId"`
	Name          string          `json:"name,omitempty"`
	ActionKey     string          `json:"actionKey,omitempty"`
	Kind          Kind            `json:"kind"`
	Endpoint      string          `json:"endpoint,omitempty"`
	Request       json.RawMessage `json:"request,omitempty"`
	Response      json.RawMessage `json:"response,omitempty"`
	StatusCode    int             `json:"statusCode,omitempty"`
	Level         string          `json:"level,omitempty"`
	StatusMessage string          `json:"statusMessage,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// IsError reports whether the observation was recorded as failed.
func (o Observation) IsError() bool {
	return strings.EqualFold(o.Level, "ERROR") || o.StatusCode >= 400
}

// Utterance returns the caller text of a turn observation.
func (o Observation) Utterance() string {
	return textField(o.Request, "question", "message", "input", "text", "content")
}

// Reply returns the agent text of a turn observation.
func (o Observation) Reply() string {
	return textField(o.Response, "text", "output", "answer", "content")
}

// CallSummary describes one recorded call.
type CallSummary struct {
	CallID       string    `json:"callId"`
	Observations int       `json:"observations"`
	Turns        int       `json:"turns"`
	ToolErrors   int       `json:"toolErrors"`
	FirstSeen    time.Time `json:"firstSeen"`
	LastSeen     time.Time `json:"lastSeen"`
}

// Store is the read surface of the capture archive. Every query is scoped to
// a single call or observation.
type Store interface {
	// Observations returns the observations of one call ordered by time,
	// ties broken by insertion order. An unknown call yields an empty slice.
	Observations(ctx context.Context, callID string) ([]Observation, error)
	// Observation returns one observation or ErrObservationNotFound.
	Observation(ctx context.Context, id string) (Observation, error)
	// Calls lists the most recent calls.
	Calls(ctx context.Context, limit int) ([]CallSummary, error)
	Close() error
}

// Open opens the configured capture archive read-only.
func Open(cfg *config.CaptureConfig, log logger.Logger) (Store, error) {
	if cfg == nil {
		return nil, errors.New("capture config is nil")
	}
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite", "sqlite3":
		return openSQLiteReader(cfg.Path, log)
	default:
		return nil, ErrUnsupportedDriver
	}
}

// DeriveActionKey returns the last path segment of endpoint, or name when the
// endpoint has none.
func DeriveActionKey(endpoint, name string) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint != "" {
		p := endpoint
		if u, err := url.Parse(endpoint); err == nil {
			p = u.Path
		}
		segments := strings.Split(strings.Trim(p, "/"), "/")
		if last := segments[len(segments)-1]; last != "" {
			return last
		}
	}
	return strings.TrimSpace(name)
}

func textField(raw json.RawMessage, keys ...string) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	for _, key := range keys {
		if v, ok := obj[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
