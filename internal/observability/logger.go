package observability

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ServiceName is attached to every log line and health response.
const ServiceName = "triage-gateway"

var (
	globalLogger zerolog.Logger
	initOnce     sync.Once
)

// InitLogger initializes the global structured logger. Only the first call takes effect.
func InitLogger(level string, pretty bool) {
	initOnce.Do(func() {
		var out io.Writer = os.Stdout
		if pretty {
			// Pretty console output for development
			out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		}
		zerolog.SetGlobalLevel(parseLevel(level))
		globalLogger = NewLogger(out)
		log.Logger = globalLogger
	})
}

// NewLogger builds a logger writing JSON (or whatever out formats) with the service fields.
func NewLogger(out io.Writer) zerolog.Logger {
	return zerolog.New(out).With().Timestamp().Str("service", ServiceName).Logger()
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// GetLogger returns the global logger
func GetLogger() zerolog.Logger {
	InitLogger("info", false)
	return globalLogger
}

// WithCorrelationID derives a request logger from base. An empty id gets a fresh one.
func WithCorrelationID(base zerolog.Logger, correlationID string) zerolog.Logger {
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	return base.With().Str("correlation_id", correlationID).Logger()
}

// WithTraceID derives a run logger from base.
func WithTraceID(base zerolog.Logger, traceID string) zerolog.Logger {
	return base.With().Str("trace_id", traceID).Logger()
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}

// NewTraceID generates the identifier of one triage run.
func NewTraceID() string {
	return "trc_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}
