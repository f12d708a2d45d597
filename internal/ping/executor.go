// Package ping performs a single HTTP health check and classifies the result.
//
// Any completed HTTP exchange is a Success, whatever the status code. Only a
// failure to complete the exchange (DNS, refused or reset connection, timeout)
// is a Failure. A 500 therefore does not take a website offline.
package ping

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single check so a hung remote cannot hold a worker.
const DefaultTimeout = 10 * time.Second

// DefaultBodyLimit caps how much of a response body is kept.
const DefaultBodyLimit = 64 << 10

// Kind classifies an outcome.
type Kind int

const (
	Success Kind = iota
	Failure
)

func (k Kind) String() string {
	if k == Success {
		return "success"
	}
	return "failure"
}

// TransportError describes why an HTTP exchange could not be completed.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ping %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Outcome is the classified result of one ping.
type Outcome struct {
	Kind       Kind
	StatusCode int
	Latency    time.Duration
	Body       []byte
	CheckedAt  time.Time
	Err        *TransportError
}

// LatencyMs is the latency rounded down to milliseconds.
func (o Outcome) LatencyMs() int64 { return o.Latency.Milliseconds() }

// Executor issues health-check requests.
type Executor struct {
	client    *http.Client
	bodyLimit int64
}

// Option customizes an Executor.
type Option func(*Executor)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.client.Timeout = d
		}
	}
}

// WithBodyLimit overrides DefaultBodyLimit.
func WithBodyLimit(n int64) Option {
	return func(e *Executor) {
		if n >= 0 {
			e.bodyLimit = n
		}
	}
}

// WithClient replaces the HTTP client. Its timeout is kept as given.
func WithClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		client: &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   5 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		bodyLimit: DefaultBodyLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute issues one GET to url. Latency runs from request start until the
// (capped) body has been read.
func (e *Executor) Execute(ctx context.Context, url string) Outcome {
	start := time.Now()
	out := Outcome{CheckedAt: start.UTC()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return failure(out, url, err)
	}
	req.Header.Set("User-Agent", "sitewatch/1.0 (+uptime check)")

	resp, err := e.client.Do(req)
	if err != nil {
		return failure(out, url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.bodyLimit))
	if err != nil {
		return failure(out, url, err)
	}
	// Drain the rest so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	out.Kind = Success
	out.StatusCode = resp.StatusCode
	out.Latency = time.Since(start)
	out.Body = body
	return out
}

func failure(out Outcome, url string, err error) Outcome {
	out.Kind = Failure
	out.StatusCode = 0
	out.Latency = 0
	out.Err = &TransportError{URL: url, Err: err}
	return out
}
