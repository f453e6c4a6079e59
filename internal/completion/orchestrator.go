// Package completion turns a logical chat-completion request into a sequential search
// over credentials, candidate models and bounded retries, keeping a full attempt trace.
package completion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/triage-gateway/internal/resilience"
)

// SleepFunc waits for d unless ctx ends first.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger used for attempt and failover events.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(sleep SleepFunc) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

// Orchestrator runs the credential x model x attempt search. It is safe for concurrent
// use; each Complete call is an independent, strictly sequential search.
type Orchestrator struct {
	client ChatClient
	cfg    Config
	sleep  SleepFunc
	logger zerolog.Logger
}

// New validates cfg and returns an Orchestrator. Configuration errors are fatal and
// surface here, before any network call.
func New(client ChatClient, cfg Config, opts ...Option) (*Orchestrator, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	creds := make([]string, 0, len(cfg.Credentials))
	for _, c := range cfg.Credentials {
		if c = strings.TrimSpace(c); c != "" {
			creds = append(creds, c)
		}
	}
	if len(creds) == 0 {
		return nil, ErrNoCredentials
	}
	cfg.Credentials = creds

	cfg.Models = cleanModels(cfg.Models)
	if len(cfg.Models) == 0 {
		return nil, ErrNoModels
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("completion: max retries must be >= 0, got %d", cfg.MaxRetries)
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}

	o := &Orchestrator{
		client: client,
		cfg:    cfg,
		sleep:  resilience.Sleep,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Models returns the configured candidate models, primary first.
func (o *Orchestrator) Models() []string {
	return append([]string(nil), o.cfg.Models...)
}

// Credentials returns the size of the credential pool.
func (o *Orchestrator) Credentials() int {
	return len(o.cfg.Credentials)
}

// Complete runs the search with the configured candidate models.
func (o *Orchestrator) Complete(ctx context.Context, conv Conversation) Outcome {
	return o.CompleteWith(ctx, conv, nil)
}

// CompleteWith runs the search with a caller supplied model order. Blank entries are
// ignored; an empty list means the configured models.
func (o *Orchestrator) CompleteWith(ctx context.Context, conv Conversation, models []string) Outcome {
	models = cleanModels(models)
	if len(models) == 0 {
		models = o.cfg.Models
	}

	s := &search{
		o:        o,
		ctx:      ctx,
		messages: conv.Messages(),
		models:   models,
	}
	return s.run()
}

// Backoff returns the delay after the given 0-based failed attempt.
func (o *Orchestrator) Backoff(attempt int) time.Duration {
	return resilience.CalculateBackoff(attempt, o.cfg.BaseDelay, 0, 2.0)
}

type state int

const (
	stateAttempt state = iota
	stateBackoff
	stateNextModel
	stateNextCredential
	stateDone
)

// search holds the cursor of one Complete call. Every trace entry is appended by a
// state transition; nothing is rewritten afterwards.
type search struct {
	o        *Orchestrator
	ctx      context.Context
	messages []Message
	models   []string

	cred    int
	model   int
	attempt int
	delay   time.Duration

	trace   Trace
	lastErr error
	text    string
	used    string
	failed  bool
}

func (s *search) run() Outcome {
	st := stateAttempt
	for st != stateDone {
		switch st {
		case stateAttempt:
			st = s.try()
		case stateBackoff:
			st = s.backoff()
		case stateNextModel:
			st = s.nextModel()
		case stateNextCredential:
			st = s.nextCredential()
		}
	}

	if !s.failed {
		return Outcome{Text: s.text, UsedModel: s.used, Trace: s.trace}
	}
	return Outcome{Trace: s.trace, Err: s.lastErr}
}

func (s *search) logger() *zerolog.Logger {
	l := s.o.logger.With().
		Int("key_index", s.cred).
		Str("model", s.models[s.model]).
		Int("attempt", s.attempt).
		Logger()
	return &l
}

func (s *search) try() state {
	if err := s.ctx.Err(); err != nil {
		return s.fail(err)
	}

	model := s.models[s.model]
	callCtx := s.ctx
	cancel := func() {}
	if s.o.cfg.AttemptTimeout > 0 {
		callCtx, cancel = context.WithTimeout(s.ctx, s.o.cfg.AttemptTimeout)
	}

	start := time.Now()
	resp, err := s.o.client.ChatCompletion(callCtx, s.o.cfg.Credentials[s.cred], ChatRequest{
		Model:       model,
		Messages:    s.messages,
		Temperature: s.o.cfg.Temperature,
	})
	latency := time.Since(start).Milliseconds()
	cancel()

	r := classify(s.ctx, resp, err)
	rec := Attempt{
		Credential: s.cred,
		Model:      model,
		Attempt:    s.attempt,
		Status:     r.status,
		LatencyMs:  latency,
		Note:       r.note,
	}

	switch r.class {
	case classSuccess:
		s.trace = append(s.trace, rec)
		s.text = resp.Content
		s.used = model
		s.logger().Debug().Int("status", r.status).Int64("latency_ms", latency).Msg("completion succeeded")
		return stateDone

	case classCancelled:
		s.trace = append(s.trace, rec)
		return s.fail(r.err)

	case classFatal:
		s.trace = append(s.trace, rec)
		s.logger().Error().Err(r.err).Stringer("class", r.class).Int("status", r.status).Msg("fatal completion error, aborting search")
		return s.fail(&FatalError{Credential: s.cred, Model: model, Err: r.err})

	case classNotFound:
		s.trace = append(s.trace, rec)
		s.lastErr = r.err
		s.logger().Warn().Int("status", r.status).Msg("model not servable with this key, skipping model")
		return stateNextModel
	}

	// Retryable: transport error, timeout, retryable status, empty or malformed output.
	s.lastErr = r.err
	if s.attempt < s.o.cfg.MaxRetries {
		s.delay = s.o.Backoff(s.attempt)
		rec.BackoffMs = s.delay.Milliseconds()
		rec.Note = joinNotes(rec.Note, fmt.Sprintf("backoff %dms", rec.BackoffMs))
		s.trace = append(s.trace, rec)
		s.logger().Info().Err(r.err).Stringer("class", r.class).Int("status", r.status).Dur("backoff", s.delay).Msg("retryable completion failure")
		return stateBackoff
	}

	s.trace = append(s.trace, rec)
	s.logger().Warn().Err(r.err).Stringer("class", r.class).Int("status", r.status).Msg("retries exhausted for model")
	return stateNextModel
}

func (s *search) backoff() state {
	if err := s.o.sleep(s.ctx, s.delay); err != nil {
		return s.fail(err)
	}
	s.attempt++
	return stateAttempt
}

func (s *search) nextModel() state {
	s.model++
	s.attempt = 0
	if s.model >= len(s.models) {
		return stateNextCredential
	}
	s.trace = append(s.trace, Attempt{
		Credential: s.cred,
		Model:      s.models[s.model],
		Note:       NoteSwitchModel,
	})
	s.logger().Info().Msg("switching to fallback model")
	return stateAttempt
}

// nextCredential moves to the next key. The switch_api_key marker names the key about to be
// tried, so none is recorded after the last key: the exhausted error closes the trace instead.
func (s *search) nextCredential() state {
	s.cred++
	s.model = 0
	s.attempt = 0
	if s.cred >= len(s.o.cfg.Credentials) {
		return s.fail(&ExhaustedError{Calls: s.trace.Calls(), Last: s.lastErr})
	}
	s.trace = append(s.trace, Attempt{
		Credential: s.cred,
		Model:      s.models[0],
		Note:       NoteSwitchAPIKey,
	})
	s.logger().Warn().Msg("all models failed for key, switching api key")
	return stateAttempt
}

func (s *search) fail(err error) state {
	s.failed = true
	s.lastErr = err
	return stateDone
}

func joinNotes(notes ...string) string {
	parts := make([]string, 0, len(notes))
	for _, n := range notes {
		if n != "" {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, ", ")
}

func cleanModels(models []string) []string {
	out := make([]string, 0, len(models))
	for _, m := range models {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}
