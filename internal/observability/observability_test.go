package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Service != ServiceName || status.Status != "healthy" {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestReadinessHandler(t *testing.T) {
	ok := HealthCheck{Name: "credentials", Check: func(ctx context.Context) (bool, error) { return true, nil }}
	down := HealthCheck{Name: "pipeline", Check: func(ctx context.Context) (bool, error) { return false, errors.New("connection refused") }}

	rec := httptest.NewRecorder()
	ReadinessHandler(ok)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 when all checks pass, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	ReadinessHandler(ok, down)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when a check fails, got %d", rec.Code)
	}
	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != "not_ready" {
		t.Errorf("expected not_ready, got %s", status.Status)
	}
	if dep := status.Dependencies["pipeline"]; dep.Status != "unhealthy" || dep.Message != "connection refused" {
		t.Errorf("unexpected pipeline dependency %+v", dep)
	}
}

func TestGRPCHealthServer_Refresh(t *testing.T) {
	healthy := true
	s := NewGRPCHealthServer(zerolog.Nop(), HealthCheck{
		Name:  "credentials",
		Check: func(ctx context.Context) (bool, error) { return healthy, nil },
	})

	if got := s.Refresh(context.Background()); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("expected SERVING, got %v", got)
	}
	healthy = false
	if got := s.Refresh(context.Background()); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("expected NOT_SERVING, got %v", got)
	}
}

func TestNewTraceID(t *testing.T) {
	id := NewTraceID()
	if !strings.HasPrefix(id, "trc_") || len(id) != 20 {
		t.Errorf("unexpected trace id %q", id)
	}
	if id == NewTraceID() {
		t.Error("trace ids should be unique")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	logger := WithCorrelationID(zerolog.New(&buf), "req_1234abcd")
	logger.Info().Msg("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if line["correlation_id"] != "req_1234abcd" {
		t.Errorf("expected correlation_id req_1234abcd, got %v", line["correlation_id"])
	}

	buf.Reset()
	logger = WithCorrelationID(zerolog.New(&buf), "")
	logger.Info().Msg("hello")
	line = nil
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id, _ := line["correlation_id"].(string); len(id) != 36 {
		t.Errorf("expected a generated uuid, got %q", id)
	}
}
