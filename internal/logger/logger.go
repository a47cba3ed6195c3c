package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"portfolio-guard/internal/trace"
)

var (
	// Global logger instance, no-op until Init is called
	globalLogger = zap.NewNop().Sugar()
	// Base logger kept for Sync
	baseLogger = zap.NewNop()
	// Whether detailed logging is enabled
	detailedLogging bool
)

// LogConfig holds logging configuration
type LogConfig struct {
	Level           string // DEBUG, INFO, WARN, ERROR
	Format          string // json or console
	DetailedLogging bool   // Enable caller information and debug logs
}

// Init initializes the global logger based on environment variables.
// environment "dev" defaults the level to DEBUG.
func Init(environment string) error {
	config := LoadConfigFromEnv(environment)
	return InitWithConfig(config)
}

// LoadConfigFromEnv loads logging configuration from environment variables
func LoadConfigFromEnv(environment string) LogConfig {
	defaultLevel := "INFO"
	if environment == "dev" {
		defaultLevel = "DEBUG"
	}
	return LogConfig{
		Level:           getEnvOrDefault("LOG_LEVEL", defaultLevel),
		Format:          getEnvOrDefault("LOG_FORMAT", "json"),
		DetailedLogging: getEnvOrDefault("LOG_DETAILED", "false") == "true",
	}
}

// InitWithConfig initializes the logger with specific configuration
func InitWithConfig(config LogConfig) error {
	level := parseLogLevel(config.Level)
	detailedLogging = config.DetailedLogging || level == zapcore.DebugLevel

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if config.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)
	opts := []zap.Option{zap.AddCallerSkip(1)}
	if config.DetailedLogging {
		opts = append(opts, zap.AddCaller())
	}

	baseLogger = zap.New(core, opts...)
	globalLogger = baseLogger.Sugar()
	return nil
}

// Sync flushes buffered log entries
func Sync() error {
	return baseLogger.Sync()
}

// parseLogLevel converts string log level to a zap level
func parseLogLevel(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// getEnvOrDefault gets environment variable or returns default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// withTrace prepends trace and span ids when the context carries a valid span
func withTrace(ctx context.Context, args []any) []any {
	if ctx == nil {
		return args
	}
	if traceID, spanID, ok := trace.GetTraceFields(ctx); ok {
		return append([]any{"trace_id", traceID, "span_id", spanID}, args...)
	}
	return args
}

// Debug logs a debug message
func Debug(ctx context.Context, msg string, args ...any) {
	if !detailedLogging {
		return
	}
	globalLogger.Debugw(msg, withTrace(ctx, args)...)
}

// Info logs an info message
func Info(ctx context.Context, msg string, args ...any) {
	globalLogger.Infow(msg, withTrace(ctx, args)...)
}

// Warn logs a warning message
func Warn(ctx context.Context, msg string, args ...any) {
	globalLogger.Warnw(msg, withTrace(ctx, args)...)
}

// Error logs an error message
func Error(ctx context.Context, msg string, args ...any) {
	globalLogger.Errorw(msg, withTrace(ctx, args)...)
}

// ErrorWithErr logs an error message with an error object
func ErrorWithErr(ctx context.Context, msg string, err error, args ...any) {
	if trace.Enabled() && ctx != nil {
		span := oteltrace.SpanFromContext(ctx)
		if span.SpanContext().IsValid() {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	allArgs := append([]any{"error", err}, args...)
	globalLogger.Errorw(msg, withTrace(ctx, allArgs)...)
}

// OperationTimer helps measure operation duration with OpenTelemetry spans
type OperationTimer struct {
	ctx    context.Context
	span   oteltrace.Span
	start  time.Time
	fields []any
}

// StartOperation starts timing an operation with an OpenTelemetry span
func StartOperation(ctx context.Context, operation string, fields ...any) *OperationTimer {
	ctx, span := trace.StartSpan(ctx, operation, toAttributes(fields)...)

	Debug(ctx, "Operation started", append([]any{"operation", operation}, fields...)...)

	return &OperationTimer{
		ctx:    ctx,
		span:   span,
		start:  time.Now(),
		fields: append([]any{"operation", operation}, fields...),
	}
}

// End completes the operation timer and logs the duration
func (ot *OperationTimer) End(additionalFields ...any) {
	duration := time.Since(ot.start)

	if trace.Enabled() {
		ot.span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))
		ot.span.SetAttributes(toAttributes(additionalFields)...)
		ot.span.SetStatus(codes.Ok, "completed")
		ot.span.End()
	}

	fields := append(append([]any{}, ot.fields...), "duration_ms", duration.Milliseconds())
	fields = append(fields, additionalFields...)
	Debug(ot.ctx, "Operation completed", fields...)
}

// EndWithError completes the operation timer with an error
func (ot *OperationTimer) EndWithError(err error, additionalFields ...any) {
	duration := time.Since(ot.start)

	if trace.Enabled() {
		ot.span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))
		ot.span.RecordError(err)
		ot.span.SetStatus(codes.Error, err.Error())
		ot.span.End()
	}

	fields := append(append([]any{}, ot.fields...), "duration_ms", duration.Milliseconds())
	fields = append(fields, additionalFields...)
	ErrorWithErr(ot.ctx, "Operation failed", err, fields...)
}

// Context returns the context with the span
func (ot *OperationTimer) Context() context.Context {
	return ot.ctx
}

// Decision logs a trading decision (always logged regardless of level)
func Decision(ctx context.Context, symbol, kind, quantity, price, reason string, fields ...any) {
	addSpanEvent(ctx, "trading_decision",
		attribute.String("symbol", symbol),
		attribute.String("kind", kind),
		attribute.String("quantity", quantity),
		attribute.String("price", price),
	)

	allFields := append([]any{
		"type", "DECISION",
		"symbol", symbol,
		"kind", kind,
		"quantity", quantity,
		"price", price,
		"reason", reason,
	}, fields...)
	globalLogger.Infow("Trading decision made", withTrace(ctx, allFields)...)
}

// Trade logs a ledger entry that changed the book
func Trade(ctx context.Context, symbol, kind, quantity, price string, seq int64, fields ...any) {
	addSpanEvent(ctx, "trade_recorded",
		attribute.String("symbol", symbol),
		attribute.String("kind", kind),
		attribute.Int64("seq", seq),
	)

	allFields := append([]any{
		"type", "TRADE",
		"symbol", symbol,
		"kind", kind,
		"quantity", quantity,
		"price", price,
		"seq", seq,
	}, fields...)
	globalLogger.Infow("Trade recorded", withTrace(ctx, allFields)...)
}

// Risk logs a risk management event
func Risk(ctx context.Context, symbol, eventType string, fields ...any) {
	addSpanEvent(ctx, "risk_event",
		attribute.String("symbol", symbol),
		attribute.String("event_type", eventType),
	)

	allFields := append([]any{
		"type", "RISK",
		"symbol", symbol,
		"event_type", eventType,
	}, fields...)
	globalLogger.Warnw("Risk event", withTrace(ctx, allFields)...)
}

// IsDebugEnabled returns whether debug logging is enabled
func IsDebugEnabled() bool {
	return detailedLogging
}

func addSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if !trace.Enabled() || ctx == nil {
		return
	}
	span := oteltrace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent(name, oteltrace.WithAttributes(attrs...))
	}
}

func toAttributes(fields []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		switch v := fields[i+1].(type) {
		case string:
			attrs = append(attrs, attribute.String(key, v))
		case int:
			attrs = append(attrs, attribute.Int(key, v))
		case int64:
			attrs = append(attrs, attribute.Int64(key, v))
		case float64:
			attrs = append(attrs, attribute.Float64(key, v))
		case bool:
			attrs = append(attrs, attribute.Bool(key, v))
		case fmt.Stringer:
			attrs = append(attrs, attribute.String(key, v.String()))
		}
	}
	return attrs
}
