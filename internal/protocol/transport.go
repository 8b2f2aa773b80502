package protocol

import (
	"crypto/tls"
	"net/http"
	"sync"
	"time"
)

// TransportOptions tunes the shared HTTP transport. Zero values select defaults.
type TransportOptions struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	ResponseHeaderTimeout time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	TLSInsecureSkipVerify bool
}

// newHTTPClient builds the client used by every hop. No client-level timeout
// is set: each call carries its own deadline through the request context.
func newHTTPClient(opts TransportOptions) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          positiveOrDefault(opts.MaxIdleConns, 32),
		MaxIdleConnsPerHost:   positiveOrDefault(opts.MaxIdleConnsPerHost, 4),
		MaxConnsPerHost:       positiveOrDefault(opts.MaxConnsPerHost, 8),
		IdleConnTimeout:       durationOrDefault(opts.IdleConnTimeout, 90*time.Second),
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		TLSHandshakeTimeout:   durationOrDefault(opts.TLSHandshakeTimeout, 10*time.Second),
		ExpectContinueTimeout: durationOrDefault(opts.ExpectContinueTimeout, 1*time.Second),
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.TLSInsecureSkipVerify,
		},
	}
	return &http.Client{Transport: transport}
}

// inflight tracks active calls so Close can drain them.
type inflight struct {
	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
	active int
}

func newInflight() *inflight {
	f := &inflight{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// acquire registers a call; it reports false once the client is closed.
func (f *inflight) acquire() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.active++
	return true
}

func (f *inflight) release() {
	f.mu.Lock()
	f.active--
	if f.active == 0 {
		f.cond.Broadcast()
	}
	f.mu.Unlock()
}

// close refuses new calls and blocks until active ones finish.
func (f *inflight) close() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.closed = true
	for f.active > 0 {
		f.cond.Wait()
	}
	return true
}

func positiveOrDefault(value, def int) int {
	if value > 0 {
		return value
	}
	return def
}

func durationOrDefault(value, def time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return def
}
