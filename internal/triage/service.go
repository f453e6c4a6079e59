// Package triage turns a support ticket into a validated triage verdict using either the
// direct completion engine or the delegated pipeline, and records every run.
package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/lexiqai/triage-gateway/internal/completion"
	"github.com/lexiqai/triage-gateway/internal/knowledge"
	"github.com/lexiqai/triage-gateway/internal/observability"
	"github.com/lexiqai/triage-gateway/internal/pipeline"
	"github.com/lexiqai/triage-gateway/internal/runstats"
)

var (
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid triage request")
	// ErrEngineUnavailable is returned when the delegated engine is requested but not configured.
	ErrEngineUnavailable = errors.New("delegated engine is not configured")
)

// Request is one triage invocation.
type Request struct {
	Text          string `json:"text" validate:"required,max=20000"`
	UseRAG        bool   `json:"useRag"`
	Engine        string `json:"engine" validate:"omitempty,oneof=direct delegated"`
	Compile       bool   `json:"compile"`
	PrimaryModel  string `json:"primaryModel"`
	// FallbackModel replaces the configured fallback list when set.
	FallbackModel string `json:"fallbackModel"`
}

// Step is one timed phase of a run.
type Step struct {
	Name string `json:"name"`
	Ms   int64  `json:"ms"`
	OK   bool   `json:"ok"`
}

// RunTrace is the caller-facing trace of a run.
type RunTrace struct {
	TraceID     string           `json:"traceId"`
	TotalMs     int64            `json:"totalMs"`
	Steps       []Step           `json:"steps"`
	Engine      runstats.Engine  `json:"engine"`
	EngineTrace completion.Trace `json:"engineTrace"`
}

// Result is returned for every run that reached an engine, successful or not.
type Result struct {
	Parsed          *Verdict            `json:"parsed"`
	RawText         string              `json:"rawText"`
	ValidationError string              `json:"validationError,omitempty"`
	Sources         []knowledge.Passage `json:"sources"`
	UsedRAG         bool                `json:"usedRag"`
	Engine          runstats.Engine     `json:"engine"`
	PrimaryModel    string              `json:"primaryModel"`
	FallbackModel   string              `json:"fallbackModel,omitempty"`
	UsedModel       string              `json:"usedModel,omitempty"`
	Trace           RunTrace            `json:"trace"`
	Error           string              `json:"error,omitempty"`
}

// Failed reports whether the engine produced no output.
func (r *Result) Failed() bool {
	return r.Error != ""
}

// Completer runs the direct engine.
type Completer interface {
	CompleteWith(ctx context.Context, conv completion.Conversation, models []string) completion.Outcome
}

// Pipeline runs the delegated engine.
type Pipeline interface {
	Triage(ctx context.Context, req pipeline.Request) pipeline.Outcome
}

// RunHook observes every recorded run.
type RunHook func(runstats.Run)

// Config holds service defaults.
type Config struct {
	DefaultEngine runstats.Engine
	Models        []string // primary first
	TopK          int
}

// Service runs triage requests.
type Service struct {
	completer Completer
	pipeline  Pipeline
	retriever knowledge.Retriever
	store     *runstats.Store
	parser    *Parser
	validate  *validator.Validate
	cfg       Config
	logger    zerolog.Logger

	mu    sync.RWMutex
	hooks []RunHook
}

// NewService wires the engines. pipe may be nil, which disables the delegated engine.
func NewService(completer Completer, pipe Pipeline, retriever knowledge.Retriever, store *runstats.Store, cfg Config, logger zerolog.Logger) (*Service, error) {
	if completer == nil {
		return nil, errors.New("triage: completer is required")
	}
	if store == nil {
		return nil, errors.New("triage: run store is required")
	}
	if len(cfg.Models) == 0 {
		return nil, errors.New("triage: at least one model is required")
	}
	if !cfg.DefaultEngine.Valid() {
		cfg.DefaultEngine = runstats.EngineDirect
	}
	if cfg.DefaultEngine == runstats.EngineDelegated && pipe == nil {
		return nil, fmt.Errorf("triage: default engine %q: %w", cfg.DefaultEngine, ErrEngineUnavailable)
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 4
	}
	if retriever == nil {
		retriever = knowledge.Empty()
	}

	parser := NewParser()
	return &Service{
		completer: completer,
		pipeline:  pipe,
		retriever: retriever,
		store:     store,
		parser:    parser,
		validate:  parser.validate,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// OnRun registers a hook called after each run is recorded.
func (s *Service) OnRun(hook RunHook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, hook)
	s.mu.Unlock()
}

// Store returns the run history.
func (s *Service) Store() *runstats.Store {
	return s.store
}

// DelegatedAvailable reports whether the delegated engine is configured.
func (s *Service) DelegatedAvailable() bool {
	return s.pipeline != nil
}

// Handle runs one triage request. Request errors are returned as errors; engine failures
// are reported inside the Result so the trace always reaches the caller.
func (s *Service) Handle(ctx context.Context, req Request) (*Result, error) {
	req.Text = strings.TrimSpace(req.Text)
	if err := s.validate.Struct(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, describe(err))
	}

	engine := runstats.Engine(req.Engine)
	if engine == "" {
		engine = s.cfg.DefaultEngine
	}
	if engine == runstats.EngineDelegated && s.pipeline == nil {
		return nil, ErrEngineUnavailable
	}

	models := s.models(req)
	res := &Result{
		Sources:       []knowledge.Passage{},
		UsedRAG:       req.UseRAG,
		Engine:        engine,
		PrimaryModel:  models[0],
		FallbackModel: strings.Join(models[1:], ","),
		Trace: RunTrace{
			TraceID:     observability.NewTraceID(),
			Steps:       []Step{},
			Engine:      engine,
			EngineTrace: completion.Trace{},
		},
	}
	run := runstats.Run{
		Timestamp:     time.Now().UTC(),
		TraceID:       res.Trace.TraceID,
		Engine:        engine,
		UseRAG:        req.UseRAG,
		PrimaryModel:  res.PrimaryModel,
		FallbackModel: res.FallbackModel,
	}

	logger := observability.WithTraceID(s.logger, res.Trace.TraceID)
	metrics := observability.NewRunMetrics(string(engine))
	metrics.RecordRunStart()
	start := time.Now()

	if req.UseRAG {
		res.Sources = s.retrieve(ctx, req.Text, res, &run, metrics, logger)
	}

	var engineErr error
	switch engine {
	case runstats.EngineDelegated:
		engineErr = s.runDelegated(ctx, req, res, &run, metrics)
	default:
		engineErr = s.runDirect(ctx, req, models, res, &run, metrics)
	}

	outcome := "ok"
	if engineErr != nil {
		outcome = "failed"
		res.Error = engineErr.Error()
		metrics.RecordError("engine", string(engine))
		logger.Error().Err(engineErr).Int("attempts", run.Attempts).Msg("triage engine failed")
	} else {
		s.parse(res, &run, metrics)
		if res.ValidationError != "" {
			outcome = "invalid"
			logger.Warn().Str("validation_error", res.ValidationError).Msg("verdict failed validation")
		}
	}

	res.Trace.TotalMs = time.Since(start).Milliseconds()
	run.TotalMs = res.Trace.TotalMs
	run.UsedModel = res.UsedModel
	run.Error = res.Error
	metrics.RecordRunEnd(outcome)

	s.record(run)
	logger.Info().
		Str("engine", string(engine)).
		Str("used_model", res.UsedModel).
		Int64("total_ms", res.Trace.TotalMs).
		Int("attempts", run.Attempts).
		Bool("validation_ok", run.ValidationOK).
		Msg("triage run recorded")
	return res, nil
}

func (s *Service) models(req Request) []string {
	primary := strings.TrimSpace(req.PrimaryModel)
	fallback := strings.TrimSpace(req.FallbackModel)
	if primary == "" && fallback == "" {
		return append([]string(nil), s.cfg.Models...)
	}
	if primary == "" {
		primary = s.cfg.Models[0]
	}
	models := []string{primary}
	if fallback != "" {
		if fallback != primary {
			models = append(models, fallback)
		}
		return models
	}
	// Only the primary was overridden: the configured fallbacks still apply.
	for _, m := range s.cfg.Models[1:] {
		if m != primary {
			models = append(models, m)
		}
	}
	return models
}

func (s *Service) retrieve(ctx context.Context, text string, res *Result, run *runstats.Run, metrics *observability.Metrics, logger zerolog.Logger) []knowledge.Passage {
	metrics.RecordRetrievalStart()
	start := time.Now()
	passages, err := s.retriever.Retrieve(ctx, text, s.cfg.TopK)
	elapsed := time.Since(start)
	metrics.RecordRetrievalEnd(err == nil)

	run.RetrievalMs = runstats.Ms(elapsed)
	res.Trace.Steps = append(res.Trace.Steps, Step{Name: "retrieve", Ms: elapsed.Milliseconds(), OK: err == nil})
	if err != nil {
		logger.Warn().Err(err).Msg("retrieval failed, continuing without sources")
		return []knowledge.Passage{}
	}
	if passages == nil {
		passages = []knowledge.Passage{}
	}
	return passages
}

func (s *Service) runDirect(ctx context.Context, req Request, models []string, res *Result, run *runstats.Run, metrics *observability.Metrics) error {
	conv := BuildConversation(req.Text, res.Sources)

	start := time.Now()
	out := s.completer.CompleteWith(ctx, conv, models)
	elapsed := time.Since(start)

	run.DirectMs = runstats.Ms(elapsed)
	s.applyTrace(out.Trace, res, run, metrics)
	res.Trace.Steps = append(res.Trace.Steps, Step{Name: "complete", Ms: elapsed.Milliseconds(), OK: out.OK()})
	if !out.OK() {
		return out.Err
	}
	res.RawText = out.Text
	res.UsedModel = out.UsedModel
	return nil
}

func (s *Service) runDelegated(ctx context.Context, req Request, res *Result, run *runstats.Run, metrics *observability.Metrics) error {
	sources := make([]string, 0, len(res.Sources))
	for _, p := range res.Sources {
		sources = append(sources, p.Text)
	}

	start := time.Now()
	out := s.pipeline.Triage(ctx, pipeline.Request{
		Text:    req.Text,
		Sources: sources,
		Compile: req.Compile,
		UseRAG:  req.UseRAG,
	})
	elapsed := time.Since(start)

	run.PipelineMs = runstats.Ms(elapsed)
	s.applyTrace(out.Trace, res, run, metrics)
	res.Trace.Steps = append(res.Trace.Steps, Step{Name: "pipeline", Ms: elapsed.Milliseconds(), OK: out.OK()})
	if !out.OK() {
		return out.Err
	}
	res.RawText = out.Response.Output
	res.UsedModel = out.Response.Model
	return nil
}

func (s *Service) applyTrace(trace completion.Trace, res *Result, run *runstats.Run, metrics *observability.Metrics) {
	if trace != nil {
		res.Trace.EngineTrace = trace
	}
	for _, a := range trace {
		switch a.Note {
		case completion.NoteSwitchModel:
			metrics.RecordFailover("model")
			continue
		case completion.NoteSwitchAPIKey:
			metrics.RecordFailover("api_key")
			continue
		}
		if a.Marker() {
			continue
		}
		metrics.RecordAttempt(a.Model, a.Status, time.Duration(a.LatencyMs)*time.Millisecond)
		if a.BackoffMs > 0 {
			metrics.RecordBackoff()
		}
	}
	run.Attempts = trace.Calls()
	run.Retries = runstats.RetriesFor(res.Engine, run.Attempts)
}

func (s *Service) parse(res *Result, run *runstats.Run, metrics *observability.Metrics) {
	start := time.Now()
	verdict, err := s.parser.Parse(res.RawText)
	if verdict != nil {
		ids := make([]string, 0, len(res.Sources))
		if res.UsedRAG {
			for _, p := range res.Sources {
				ids = append(ids, p.ID)
			}
		}
		verdict.Citations = FilterCitations(verdict.Citations, ids)
	}
	if err != nil {
		res.ValidationError = err.Error()
	} else {
		res.Parsed = verdict
	}
	run.ValidationOK = err == nil
	metrics.RecordValidation(err == nil)
	res.Trace.Steps = append(res.Trace.Steps, Step{Name: "validate", Ms: time.Since(start).Milliseconds(), OK: err == nil})
}

func (s *Service) record(run runstats.Run) {
	s.store.Record(run)

	s.mu.RLock()
	hooks := append([]RunHook(nil), s.hooks...)
	s.mu.RUnlock()
	for _, h := range hooks {
		h(run)
	}
}
