package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/metrics"
)

const defaultMaxResponseBytes = 8 << 20

// Caller issues a single call to one hop. Implementations never return an
// error: every failure is described by the returned Outcome.
type Caller interface {
	Call(ctx context.Context, env config.EnvironmentConfig, req Request) Outcome
}

// Timeouts are the per-hop hard deadlines applied when a Request carries none.
type Timeouts struct {
	Backend       time.Duration
	Middleware    time.Duration
	Orchestration time.Duration
}

// Options configures a Client.
type Options struct {
	Timeouts         Timeouts
	MaxResponseBytes int64
	Transport        TransportOptions
}

// Client is the protocol client shared by probes and replay engines. It never
// retries: a repeated write-type action could double-create state.
type Client struct {
	http     *http.Client
	logger   logger.Logger
	timeouts Timeouts
	maxBody  int64
	inflight *inflight
}

// NewClient creates a protocol client.
func NewClient(log logger.Logger, opts Options) *Client {
	return &Client{
		http:   newHTTPClient(opts.Transport),
		logger: log,
		timeouts: Timeouts{
			Backend:       durationOrDefault(opts.Timeouts.Backend, 30*time.Second),
			Middleware:    durationOrDefault(opts.Timeouts.Middleware, 30*time.Second),
			Orchestration: durationOrDefault(opts.Timeouts.Orchestration, 120*time.Second),
		},
		maxBody:  int64(positiveOrDefault(int(opts.MaxResponseBytes), defaultMaxResponseBytes)),
		inflight: newInflight(),
	}
}

// Call implements Caller.
func (c *Client) Call(ctx context.Context, env config.EnvironmentConfig, req Request) (out Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = failure(ClassProtocol, fmt.Sprintf("internal error: %v", r))
		}
		elapsed := time.Since(start)
		out.DurationMs = elapsed.Milliseconds()
		metrics.ObserveHopCall(string(req.Hop), out.OK, string(out.Class), elapsed)
		c.logger.Debug("Hop call finished",
			"hop", string(req.Hop),
			"action", req.Action,
			"ok", out.OK,
			"status", out.Status,
			"class", string(out.Class),
			"duration_ms", out.DurationMs,
		)
	}()

	if !c.inflight.acquire() {
		return failure(ClassTransport, "protocol client is closed")
	}
	defer c.inflight.release()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeoutFor(req.Hop)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch req.Hop {
	case HopBackend:
		return c.callBackend(ctx, env.Backend, req, timeout)
	case HopMiddleware:
		return c.callMiddleware(ctx, env.Middleware, req, timeout)
	case HopOrchestration:
		return c.callPrediction(ctx, env.Orchestration.Endpoint, env.Orchestration.APIKey, req, timeout)
	case HopConversational:
		return c.callPrediction(ctx, env.ConversationalEndpoint(), env.Orchestration.APIKey, req, timeout)
	default:
		return failure(ClassConfiguration, fmt.Sprintf("unknown hop %q", req.Hop))
	}
}

// Close refuses new calls, waits for in-flight ones and drops idle connections.
func (c *Client) Close() {
	if !c.inflight.close() {
		return
	}
	if transport, ok := c.http.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

func (c *Client) timeoutFor(hop Hop) time.Duration {
	switch hop {
	case HopBackend:
		return c.timeouts.Backend
	case HopMiddleware:
		return c.timeouts.Middleware
	default:
		return c.timeouts.Orchestration
	}
}

type httpResult struct {
	status      int
	contentType string
	body        []byte
}

// do performs one HTTP exchange. The returned error is always a transport
// failure; HTTP error statuses are left to the caller.
func (c *Client) do(ctx context.Context, url string, body []byte, headers map[string]string, correlationID string) (httpResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return httpResult{}, fmt.Errorf("create request failed: %w", err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	req.Header.Set("X-Correlation-ID", correlationID)

	resp, err := c.http.Do(req)
	if err != nil {
		return httpResult{}, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Warn("Failed to close response body", "error", cerr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return httpResult{}, fmt.Errorf("read response body: %w", err)
	}
	return httpResult{
		status:      resp.StatusCode,
		contentType: resp.Header.Get("Content-Type"),
		body:        data,
	}, nil
}

func failure(class ErrorClass, msg string) Outcome {
	return Outcome{OK: false, Class: class, Error: msg}
}

// transportFailure words the error so timeouts and unreachable hosts are
// recognizable by substring.
func transportFailure(ctx context.Context, err error, timeout time.Duration) Outcome {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return failure(ClassTransport, fmt.Sprintf("timeout after %s: %v", timeout, err))
	case errors.Is(err, context.Canceled):
		return failure(ClassTransport, fmt.Sprintf("call cancelled: %v", err))
	default:
		return failure(ClassTransport, fmt.Sprintf("unreachable: %v", err))
	}
}

func httpFailure(res httpResult) Outcome {
	out := failure(ClassProtocol, fmt.Sprintf("HTTP %d: %s", res.status, summarizeBody(res.contentType, res.body)))
	out.Status = res.status
	return out
}
