package config

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mmdatafocus/ledger_backend"

// Tracer returns the ledger tracer. Spans are no-ops until a provider is registered.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
