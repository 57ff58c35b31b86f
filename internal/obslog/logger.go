// Package obslog provides structured logging for the ProSBC integration core.
package obslog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ContextKey is the type for context keys used to thread logging metadata.
type ContextKey string

const (
	// OperationIDKey is the context key for a per-call operation id, used to
	// correlate the several HTTP round-trips a single public operation makes.
	OperationIDKey ContextKey = "operation_id"
)

// Config holds logger configuration.
type Config struct {
	Level      string
	Format     string
	Output     string
	Filename   string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// New creates a structured logger based on configuration.
func New(cfg Config) *slog.Logger {
	level := ParseLevel(cfg.Level)
	writer := SetupWriter(cfg)

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	return slog.New(handler)
}

// ParseLevel parses a string log level to slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupWriter configures the output writer based on configuration.
func SetupWriter(cfg Config) io.Writer {
	switch strings.ToLower(cfg.Output) {
	case "file":
		if cfg.Filename == "" {
			return os.Stdout
		}
		return &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
	case "stderr":
		return os.Stderr
	case "stdout", "":
		return os.Stdout
	default:
		return os.Stdout
	}
}

// GenerateOperationID generates a short random id for correlating the
// several HTTP calls that a single public operation makes.
func GenerateOperationID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("op_%d", time.Now().UnixNano())
	}
	return "op_" + hex.EncodeToString(b)
}

// WithOperationID attaches an operation id to ctx.
func WithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, OperationIDKey, id)
}

// OperationID extracts the operation id from ctx, if any.
func OperationID(ctx context.Context) string {
	if id, ok := ctx.Value(OperationIDKey).(string); ok {
		return id
	}
	return ""
}

// FromContext returns a logger annotated with the context's operation id.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := OperationID(ctx); id != "" {
		return logger.With("operation_id", id)
	}
	return logger
}

// Redacted wraps a secret value (password, cookie) so that accidental
// inclusion in a log call never prints the underlying value. Passwords and
// raw session cookies must never reach logs; callers log cookie presence
// as a boolean instead.
type Redacted string

// LogValue implements slog.LogValuer.
func (Redacted) LogValue() slog.Value {
	return slog.StringValue("[redacted]")
}

// String implements fmt.Stringer so %v/%s also redact.
func (Redacted) String() string {
	return "[redacted]"
}
