package vqvae

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with vqvae-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithShape adds a shape field to the logger.
func (l *Logger) WithShape(shape string) *Logger {
	return &Logger{
		Logger: l.Logger.With("shape", shape),
	}
}

// WithCodebook adds codebook configuration fields to the logger.
func (l *Logger) WithCodebook(numEmbeddings, embeddingDim int) *Logger {
	return &Logger{
		Logger: l.Logger.With("num_embeddings", numEmbeddings, "embedding_dim", embeddingDim),
	}
}

// LogForward logs a forward pass.
func (l *Logger) LogForward(ctx context.Context, quantLoss, priorLoss, perplexity float32, err error) {
	if err != nil {
		l.ErrorContext(ctx, "forward failed",
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "forward completed",
			"quant_loss", quantLoss,
			"prior_loss_bits", priorLoss,
			"perplexity", perplexity,
		)
	}
}

// LogSample logs a sampling operation.
func (l *Logger) LogSample(ctx context.Context, err error) {
	if err != nil {
		l.ErrorContext(ctx, "sample failed",
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "sample completed")
	}
}

// LogInterpolate logs an interpolation operation.
func (l *Logger) LogInterpolate(ctx context.Context, err error) {
	if err != nil {
		l.ErrorContext(ctx, "interpolate failed",
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "interpolate completed")
	}
}

// LogCodebookHealth logs the dead-code advisory signal.
func (l *Logger) LogCodebookHealth(ctx context.Context, deadCodes int, perplexity float32) {
	if deadCodes > 0 {
		l.WarnContext(ctx, "codebook has low-mass entries",
			"dead_codes", deadCodes,
			"perplexity", perplexity,
		)
	} else {
		l.DebugContext(ctx, "codebook healthy",
			"perplexity", perplexity,
		)
	}
}
