// Package logging wraps zap: a thin *zap.Logger embed plus
// domain-specific With* helpers, so callers attach document/peer/storage
// identifiers without repeating zap.String everywhere.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger embeds *zap.Logger so callers can use the usual Info/Warn/Error
// API directly, plus the With* helpers below.
type Logger struct {
	*zap.Logger
}

// New builds a Logger at the given level ("debug", "info", "warn", ...)
// and encoding ("json" or "console").
func New(level string, format string) (*Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    format,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: logger}, nil
}

// NewNop returns a Logger that discards everything, for callers that don't
// supply one explicitly.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

func (l *Logger) WithDocumentID(documentID string) *Logger {
	return &Logger{Logger: l.With(zap.String("document_id", documentID))}
}

func (l *Logger) WithPeerID(peerID string) *Logger {
	return &Logger{Logger: l.With(zap.String("peer_id", peerID))}
}

func (l *Logger) WithStorageID(storageID string) *Logger {
	return &Logger{Logger: l.With(zap.String("storage_id", storageID))}
}

func (l *Logger) WithError(err error) *Logger {
	return &Logger{Logger: l.With(zap.Error(err))}
}
