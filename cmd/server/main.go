package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/triage-gateway/internal/api"
	"github.com/lexiqai/triage-gateway/internal/completion"
	"github.com/lexiqai/triage-gateway/internal/config"
	"github.com/lexiqai/triage-gateway/internal/knowledge"
	"github.com/lexiqai/triage-gateway/internal/observability"
	"github.com/lexiqai/triage-gateway/internal/pipeline"
	"github.com/lexiqai/triage-gateway/internal/resilience"
	"github.com/lexiqai/triage-gateway/internal/runstats"
	"github.com/lexiqai/triage-gateway/internal/triage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("primary_model", cfg.PrimaryModel).
		Strs("fallback_models", cfg.FallbackModels).
		Int("api_keys", len(cfg.CompletionAPIKeys)).
		Bool("pipeline_enabled", cfg.PipelineURL != "").
		Str("default_engine", cfg.DefaultEngine).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Triage Gateway Service starting")

	// Direct engine
	orchestrator, err := completion.New(
		completion.NewHTTPClient(cfg.CompletionURL, nil),
		completion.Config{
			Models:         cfg.Models(),
			Credentials:    cfg.CompletionAPIKeys,
			MaxRetries:     cfg.CompletionMaxRetries,
			AttemptTimeout: cfg.AttemptTimeout(),
			BaseDelay:      cfg.BackoffBase(),
			Temperature:    cfg.CompletionTemperature,
		},
		completion.WithLogger(logger.With().Str("component", "completion").Logger()),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid completion configuration")
	}

	// Delegated engine
	var (
		pipe        *pipeline.Client
		triagePipe  triage.Pipeline
		readyChecks []observability.HealthCheck
	)
	if cfg.PipelineURL != "" {
		pipe, err = newPipeline(cfg, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Invalid pipeline configuration")
		}
		triagePipe = pipe
		logger.Info().Str("url", pipe.BaseURL()).Int("max_attempts", cfg.PipelineMaxAttempts).Msg("Delegated pipeline configured")
		readyChecks = append(readyChecks, observability.HealthCheck{
			Name: "pipeline",
			Check: func(ctx context.Context) (bool, error) {
				if err := pipe.Health(ctx); err != nil {
					return false, err
				}
				return true, nil
			},
		})
	}

	// Knowledge base
	var retriever knowledge.Retriever = knowledge.Empty()
	if cfg.KnowledgeBasePath != "" {
		index, err := knowledge.LoadFile(cfg.KnowledgeBasePath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.KnowledgeBasePath).Msg("Failed to load knowledge base")
		}
		retriever = index
		logger.Info().Int("passages", index.Len()).Str("path", cfg.KnowledgeBasePath).Msg("Knowledge base loaded")
		readyChecks = append(readyChecks, observability.HealthCheck{
			Name: "knowledge_base",
			Check: func(ctx context.Context) (bool, error) {
				if index.Len() == 0 {
					return false, errors.New("knowledge base has no passages")
				}
				return true, nil
			},
		})
	}

	readyChecks = append(readyChecks, observability.HealthCheck{
		Name: "credentials",
		Check: func(ctx context.Context) (bool, error) {
			return orchestrator.Credentials() > 0, nil
		},
	})

	// Triage service and run history
	store := runstats.NewStore(cfg.RunHistoryCapacity)
	service, err := triage.NewService(orchestrator, triagePipe, retriever, store, triage.Config{
		DefaultEngine: runstats.Engine(cfg.DefaultEngine),
		Models:        cfg.Models(),
		TopK:          cfg.RAGTopK,
	}, logger.With().Str("component", "triage").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create triage service")
	}

	feed := api.NewLiveFeed(store, logger.With().Str("component", "live_feed").Logger())
	service.OnRun(feed.Publish)

	// Create HTTP server
	mux := http.NewServeMux()
	api.NewHandler(service, store, feed, logger).Register(mux)

	// Health check endpoints
	mux.HandleFunc("GET /health", observability.HealthCheckHandler())
	mux.HandleFunc("GET /ready", observability.ReadinessHandler(readyChecks...))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts. A triage run can span several backoffs and
	// fallbacks, so the write timeout is long.
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      api.Wrap(mux, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Optional gRPC health service for mesh probes
	var grpcHealth *observability.GRPCHealthServer
	if cfg.GRPCHealthPort != "" {
		grpcHealth = observability.NewGRPCHealthServer(logger, readyChecks...)
		go func() {
			if err := grpcHealth.Serve(ctx, net.JoinHostPort("", cfg.GRPCHealthPort), 15*time.Second); err != nil {
				logger.Error().Err(err).Msg("gRPC health server stopped")
			}
		}()
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("http://localhost:%s/triage", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	stop()
	feed.Close()
	if grpcHealth != nil {
		grpcHealth.Stop()
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

// newPipeline builds the delegated pipeline client behind a circuit breaker whose state is
// exported to Prometheus.
func newPipeline(cfg *config.Config, logger zerolog.Logger) (*pipeline.Client, error) {
	opts := []pipeline.Option{
		pipeline.WithTimeout(cfg.PipelineAttemptTimeout()),
		pipeline.WithRetry(cfg.PipelineMaxAttempts, cfg.PipelineDelay()),
		pipeline.WithLogger(logger.With().Str("component", "pipeline").Logger()),
	}

	if cfg.CircuitBreakerMaxFailures > 0 {
		cb := resilience.NewCircuitBreaker("pipeline", cfg.CircuitBreakerMaxFailures, cfg.BreakerResetTimeout())
		cb.OnStateChange(func(name string, from, to resilience.CircuitState) {
			observability.UpdateCircuitBreakerState(name, int(to))
			if to == resilience.StateOpen {
				observability.IncrementCircuitBreakerFailures(name)
			}
			_, requests, failures, rate := cb.GetStats()
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Int64("requests", requests).
				Int64("failures", failures).
				Float64("failure_rate", rate).
				Msg("Circuit breaker state changed")
		})
		observability.UpdateCircuitBreakerState(cb.Name(), int(cb.GetState()))
		opts = append(opts, pipeline.WithCircuitBreaker(cb))
	}

	return pipeline.NewClient(cfg.PipelineURL, opts...)
}
