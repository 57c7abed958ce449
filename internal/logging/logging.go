// Package logging wraps zap with a fluent Fields builder so call sites can
// tag log lines with the subsystem, operation, and resource involved
// without constructing a zap.Field slice by hand every time.
package logging

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap logger, level controlled by LOG_LEVEL
// (debug|info|warn|error, default info).
func New() (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		_ = level.Set(v)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// Fields is a fluent builder for the structured attributes attached to a
// log line: which component emitted it, what operation it was performing,
// and which resource (if any) it concerned.
type Fields struct {
	fields []zap.Field
}

func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f.fields = append(f.fields, zap.String("component", name))
	return f
}

func (f Fields) Operation(name string) Fields {
	f.fields = append(f.fields, zap.String("operation", name))
	return f
}

// Resource tags the resource type and name involved, e.g. ("run", runID).
// The name is skipped when empty so call sites can tag a resource type
// without yet knowing its identifier.
func (f Fields) Resource(resourceType, name string) Fields {
	f.fields = append(f.fields, zap.String("resource_type", resourceType))
	if name != "" {
		f.fields = append(f.fields, zap.String("resource_name", name))
	}
	return f
}

// Trace tags the line with a cross-process correlation id, e.g. a
// consolidate message's traceId, so a run's log lines can be grepped
// across the worker and consolidator. Skipped when empty.
func (f Fields) Trace(id string) Fields {
	if id == "" {
		return f
	}
	f.fields = append(f.fields, zap.String("trace_id", id))
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f.fields = append(f.fields, zap.Duration("duration", d))
	return f
}

func (f Fields) Err(err error) Fields {
	f.fields = append(f.fields, zap.Error(err))
	return f
}

func (f Fields) Slice() []zap.Field {
	return f.fields
}
