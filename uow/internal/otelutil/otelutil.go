// Package otelutil carries small OpenTelemetry helpers shared by the
// transaction boundary and the store drivers.
package otelutil

import (
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AttrDBSystem is the OTEL semantic convention attribute key for the database
// system name.
const AttrDBSystem = "db.system"

// Database system identifiers used as values for AttrDBSystem.
const (
	DBSystemPostgreSQL = "postgresql"
	DBSystemMongoDB    = "mongodb"
	DBSystemRedis      = "redis"
	DBSystemRabbitMQ   = "rabbitmq"
)

// HandleSpanError records err on span and sets the span status to Error.
// No-op when span is nil or err is nil.
func HandleSpanError(span trace.Span, message string, err error) {
	if span == nil || err == nil {
		return
	}

	span.SetStatus(codes.Error, message+": "+err.Error())
	span.RecordError(err)
}
