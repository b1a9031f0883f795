package logger

import (
	"context"
	"log/slog"
	"os"
)

type ContextKey string

const (
	// Pipeline context keys. These follow OpenTelemetry semantic conventions
	// with a 'kb.' prefix so every log line emitted while a document moves
	// through the pipeline carries the document and stage it belongs to.
	DocumentIDKey      ContextKey = "kb.document.id"
	KnowledgeBaseIDKey ContextKey = "kb.knowledge_base.id"
	StageKey           ContextKey = "kb.pipeline.stage"
	RetrievalIDKey     ContextKey = "kb.retrieval.id"
)

// ContextLogger provides context-aware logging for pipeline stages and
// retrieval requests.
type ContextLogger struct {
	logger      *slog.Logger
	serviceName string
}

// NewContextLogger creates a new context-aware logger.
func NewContextLogger(serviceName string) *ContextLogger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(os.Getenv("LOG_LEVEL")),
	}
	handler := slog.NewJSONHandler(os.Stdout, opts)

	return &ContextLogger{
		logger:      slog.New(handler),
		serviceName: serviceName,
	}
}

// NewContextLoggerWith wraps an existing slog.Logger, keeping its handler
// chain (OTel bridge, trace context) intact.
func NewContextLoggerWith(logger *slog.Logger, serviceName string) *ContextLogger {
	return &ContextLogger{
		logger:      logger,
		serviceName: serviceName,
	}
}

// WithContext returns a logger with context values extracted and added as fields.
func (cl *ContextLogger) WithContext(ctx context.Context) *slog.Logger {
	logger := cl.logger.With("service", cl.serviceName)

	var fields []any

	if documentID := ctx.Value(DocumentIDKey); documentID != nil {
		fields = append(fields, string(DocumentIDKey), documentID)
	}
	if kbID := ctx.Value(KnowledgeBaseIDKey); kbID != nil {
		fields = append(fields, string(KnowledgeBaseIDKey), kbID)
	}
	if stage := ctx.Value(StageKey); stage != nil {
		fields = append(fields, string(StageKey), stage)
	}
	if retrievalID := ctx.Value(RetrievalIDKey); retrievalID != nil {
		fields = append(fields, string(RetrievalIDKey), retrievalID)
	}

	if len(fields) > 0 {
		logger = logger.With(fields...)
	}

	return logger
}

// Context helper functions

// WithDocumentID adds the document id to context for observability.
func WithDocumentID(ctx context.Context, documentID string) context.Context {
	return context.WithValue(ctx, DocumentIDKey, documentID)
}

// WithKnowledgeBaseID adds the knowledge base id to context for observability.
func WithKnowledgeBaseID(ctx context.Context, knowledgeBaseID string) context.Context {
	return context.WithValue(ctx, KnowledgeBaseIDKey, knowledgeBaseID)
}

// WithStage adds the pipeline stage name to context for observability.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, StageKey, stage)
}

// WithRetrievalID adds the retrieval request id to context for observability.
func WithRetrievalID(ctx context.Context, retrievalID string) context.Context {
	return context.WithValue(ctx, RetrievalIDKey, retrievalID)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "warn", "WARN", "warning", "WARNING":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
