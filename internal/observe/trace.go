package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the voicechat tracer.
const tracerName = "github.com/MrWong99/voicechat"

// Tracer returns the package-level [trace.Tracer] for voicechat. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Span attribute keys shared by the server and the session core.
const (
	AttrSessionID = attribute.Key("voicechat.session_id")
	AttrChatID    = attribute.Key("voicechat.chat_id")
	AttrBackend   = attribute.Key("voicechat.backend")
	AttrOutcome   = attribute.Key("voicechat.outcome")
)

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartChatSpan starts the span covering one chat turn, from the model
// request until the reply is persisted or dropped.
func StartChatSpan(ctx context.Context, sessionID, chatID, backend string) (context.Context, trace.Span) {
	return StartSpan(ctx, "voicechat.chat", trace.WithAttributes(
		AttrSessionID.String(sessionID),
		AttrChatID.String(chatID),
		AttrBackend.String(backend),
	))
}

// EndChatSpan records the turn's outcome ([ChatCompleted], [ChatCancelled]
// or [ChatFailed]) and ends span. A non-nil err marks
// the span failed.
func EndChatSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(AttrOutcome.String(outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
// The server echoes it as X-Correlation-ID so client logs can be matched.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. When no active span is present, the returned
// logger is the default slog logger without extra attributes.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
