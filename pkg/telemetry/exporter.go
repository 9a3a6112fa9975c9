package telemetry

import (
	"context"
	"log/slog"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Exporter converts finished spans into rows of one session's database.
// It implements sdktrace.SpanExporter and runs on the batch processor's
// goroutine.
type Exporter struct {
	session *SessionDB
	logger  *slog.Logger
}

// NewExporter builds an exporter bound to a session database.
func NewExporter(session *SessionDB) *Exporter {
	return &Exporter{
		session: session,
		logger:  slog.Default().With("component", "telemetry"),
	}
}

// ExportSpans persists a batch of finished spans.
func (e *Exporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}
	rows := make([]SpanRow, 0, len(spans))
	for _, span := range spans {
		rows = append(rows, e.convert(span))
	}
	if err := e.session.InsertSpans(ctx, rows); err != nil {
		e.logger.Error("Span batch write failed", "count", len(rows), "error", err)
		return err
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter. The session database is owned
// by the manager and closed there.
func (e *Exporter) Shutdown(context.Context) error {
	return nil
}

func (e *Exporter) convert(span sdktrace.ReadOnlySpan) SpanRow {
	start := span.StartTime().UnixNano()
	end := span.EndTime().UnixNano()

	row := SpanRow{
		ContextID:     e.session.ContextID(),
		TraceID:       span.SpanContext().TraceID().String(),
		SpanID:        span.SpanContext().SpanID().String(),
		Name:          span.Name(),
		StartTime:     start,
		EndTime:       end,
		DurationMs:    float64(end-start) / 1e6,
		Attributes:    make(map[string]any, len(span.Attributes())),
		StatusCode:    span.Status().Code.String(),
		StatusMessage: span.Status().Description,
	}
	if span.Parent().HasSpanID() {
		row.ParentSpanID = span.Parent().SpanID().String()
	}
	for _, attr := range span.Attributes() {
		row.Attributes[string(attr.Key)] = attr.Value.AsInterface()
		if attr.Key == "turn" {
			row.Turn = int(attr.Value.AsInt64())
		}
	}
	return row
}
