package logger

import (
	"context"
	"os"

	"cat-engine/internal/config"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus so callers depend on this package, not logrus
// directly, the same indirection the rest of this codebase uses.
type Logger struct {
	*logrus.Logger
}

type contextKey string

const (
	TraceIDKey   contextKey = "trace_id"
	LearnerIDKey contextKey = "learner_id"
	SessionIDKey contextKey = "session_id"
)

// New builds a Logger from LoggingConfig.
func New(cfg config.LoggingConfig) *Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	}

	log.SetOutput(os.Stdout)

	return &Logger{Logger: log}
}

// WithContext pulls trace/learner/session identifiers out of ctx and
// attaches them as structured fields, rather than interpolating them into
// the message.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.WithFields(logrus.Fields{})

	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if learnerID := ctx.Value(LearnerIDKey); learnerID != nil {
		entry = entry.WithField("learner_id", learnerID)
	}
	if sessionID := ctx.Value(SessionIDKey); sessionID != nil {
		entry = entry.WithField("session_id", sessionID)
	}

	return entry
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithLearnerID(ctx context.Context, learnerID string) context.Context {
	return context.WithValue(ctx, LearnerIDKey, learnerID)
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}
