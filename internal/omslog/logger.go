// Package omslog wraps logrus the way the service layer's pkg/logger does,
// giving every OMS component a consistent structured-logging surface.
package omslog

import (
	"context"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Logger with the fields OMS components log by.
type Logger struct {
	*logrus.Logger
	component string
}

// Config controls format and level for a Logger.
type Config struct {
	Level  string // trace|debug|info|warn|error
	Format string // json|text
}

// New creates a Logger for the given component name.
func New(component string, cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.ToLower(cfg.Format) == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l, component: component}
}

// NewDefault creates a Logger with info/text defaults, suitable for tests.
func NewDefault(component string) *Logger {
	return New(component, Config{Level: "info", Format: "text"})
}

// WithField returns an entry tagged with the component name and one field.
func (l *Logger) WithField(key string, value any) *logrus.Entry {
	return l.Logger.WithField("component", l.component).WithField(key, value)
}

// WithFields returns an entry tagged with the component name and fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

type ctxKey struct{}

// WithContext attaches a request/correlation id carried via context to the
// entry, mirroring the teacher's logging middleware convention.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		entry = entry.WithField("correlation_id", id)
	}
	return entry
}

// ContextWithCorrelationID stores a correlation id for later retrieval by
// WithContext.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}
