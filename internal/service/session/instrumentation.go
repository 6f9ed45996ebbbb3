package session

import "go.opentelemetry.io/otel"

const scopeName = "conversation-stream-coordinator/internal/service/session"

var tracer = otel.Tracer(scopeName)
