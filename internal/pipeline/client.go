// Package pipeline delegates a whole triage run to a remote pipeline service.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/triage-gateway/internal/completion"
	"github.com/lexiqai/triage-gateway/internal/resilience"
)

const (
	DefaultTimeout     = 45 * time.Second
	DefaultMaxAttempts = 2
	DefaultRetryDelay  = 2500 * time.Millisecond

	// TraceModel is the model name recorded on pipeline attempts.
	TraceModel = "pipeline"
	// TraceCredential marks pipeline attempts as not belonging to any credential.
	TraceCredential = -1
)

// ErrNotConfigured is returned when the client has no base URL.
var ErrNotConfigured = errors.New("pipeline: base url not configured")

// Request is the body posted to the pipeline.
type Request struct {
	Text    string   `json:"text"`
	Sources []string `json:"sources,omitempty"`
	Compile bool     `json:"compile"`
	UseRAG  bool     `json:"useRag"`
}

// Response is the pipeline's answer. Output is the model text to be parsed by the caller.
type Response struct {
	Output string          `json:"output"`
	Model  string          `json:"model,omitempty"`
	Trace  json.RawMessage `json:"trace,omitempty"`
	Raw    json.RawMessage `json:"raw,omitempty"`
	Score  *float64        `json:"score,omitempty"`
	Notes  []string        `json:"notes,omitempty"`
}

// Outcome carries the response (nil on failure) and the attempt trace on both paths.
type Outcome struct {
	Response *Response
	Trace    completion.Trace
	Err      error
}

// OK reports whether the pipeline answered.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetry sets the attempt budget and the fixed delay between attempts.
func WithRetry(maxAttempts int, delay time.Duration) Option {
	return func(c *Client) {
		if maxAttempts < 1 {
			maxAttempts = 1
		}
		c.retry = resilience.FixedDelayConfig(maxAttempts, delay)
	}
}

// WithCircuitBreaker guards the pipeline with cb.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) {
		c.breaker = cb
	}
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client calls the delegated pipeline.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	retry      *resilience.RetryConfig
	breaker    *resilience.CircuitBreaker
	logger     zerolog.Logger
}

// NewClient creates a client for the pipeline rooted at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, ErrNotConfigured
	}

	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		retry:      resilience.FixedDelayConfig(DefaultMaxAttempts, DefaultRetryDelay),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the pipeline root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Triage runs req through the pipeline with bounded retries.
func (c *Client) Triage(ctx context.Context, req Request) Outcome {
	var (
		trace completion.Trace
		resp  *Response
	)

	run := func(ctx context.Context) error {
		return resilience.Retry(ctx, func(ctx context.Context, attempt int) error {
			r, rec, err := c.attempt(ctx, attempt, req)
			if err != nil && attempt < c.retry.MaxAttempts-1 && ctx.Err() == nil {
				rec.BackoffMs = c.retry.InitialBackoff.Milliseconds()
			}
			trace = append(trace, rec)
			if err != nil {
				c.logger.Warn().Err(err).Int("attempt", attempt).Int("status", rec.Status).Msg("pipeline attempt failed")
				if ctx.Err() != nil {
					return err
				}
				return resilience.NewRetryableError(err)
			}
			resp = r
			return nil
		}, c.retry, resilience.IsRetryable)
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Call(ctx, run)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			trace = append(trace, completion.Attempt{
				Credential: TraceCredential,
				Model:      TraceModel,
				Note:       completion.NoteCircuitOpen,
			})
			_, requests, failures, rate := c.breaker.GetStats()
			c.logger.Warn().
				Str("breaker", c.breaker.Name()).
				Int64("requests", requests).
				Int64("failures", failures).
				Float64("failure_rate", rate).
				Msg("pipeline circuit open, failing fast")
		}
	} else {
		err = run(ctx)
	}

	if err != nil {
		return Outcome{Trace: trace, Err: err}
	}
	return Outcome{Response: resp, Trace: trace}
}

func (c *Client) attempt(ctx context.Context, attempt int, req Request) (*Response, completion.Attempt, error) {
	rec := completion.Attempt{Credential: TraceCredential, Model: TraceModel, Attempt: attempt}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, status, err := c.post(callCtx, req)
	rec.LatencyMs = time.Since(start).Milliseconds()
	rec.Status = status

	switch {
	case err == nil:
	case ctx.Err() != nil:
		rec.Note = completion.NoteCancelled
	case errors.Is(err, context.DeadlineExceeded):
		rec.Status = 0
		rec.Note = completion.NoteTimeout
	case status == 0:
		rec.Note = completion.NoteTransportError
	case errors.Is(err, completion.ErrMalformedResponse):
		rec.Note = completion.NoteMalformedResponse
	}
	return resp, rec, err
}

func (c *Client) post(ctx context.Context, req Request) (*Response, int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal pipeline request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/triage", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create pipeline request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 2048))
		return nil, httpResp.StatusCode, &completion.StatusError{StatusCode: httpResp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}

	var out Response
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return nil, httpResp.StatusCode, ctx.Err()
		}
		return nil, httpResp.StatusCode, fmt.Errorf("%w: %v", completion.ErrMalformedResponse, err)
	}
	return &out, httpResp.StatusCode, nil
}

// Health checks GET {base}/health.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pipeline health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pipeline health: status %d", resp.StatusCode)
	}
	return nil
}
