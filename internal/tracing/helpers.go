package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Instrumentation scope names.
const (
	scopeApp   = "fanthemes"
	scopeDB    = "fanthemes/db"
	scopeStore = "fanthemes/docstore"
)

// DBOperation represents the type of SQL operation being traced.
type DBOperation string

const (
	DBOperationQuery  DBOperation = "query"
	DBOperationInsert DBOperation = "insert"
)

// StoreOperation names a document store call.
type StoreOperation string

const (
	StoreOperationCreate    StoreOperation = "create"
	StoreOperationIncrement StoreOperation = "increment"
	StoreOperationCommit    StoreOperation = "commit"
	StoreOperationQuery     StoreOperation = "query"
)

// StartDBSpan creates a client span for a SQL operation on table.
//
//	ctx, end := tracing.StartDBSpan(ctx, "theme_audit", tracing.DBOperationInsert)
//	defer func() { end(err) }()
func StartDBSpan(ctx context.Context, table string, operation DBOperation) (context.Context, func(error)) {
	spanName := string(operation)
	if table != "" {
		spanName += " " + table
	}

	attrs := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", string(operation)),
	}
	if table != "" {
		attrs = append(attrs, attribute.String("db.sql.table", table))
	}
	return start(ctx, scopeDB, spanName, trace.SpanKindClient, attrs)
}

// StartStoreSpan creates a client span for a document store call. Only the
// collection is recorded; document ids can carry uids.
func StartStoreSpan(ctx context.Context, system string, operation StoreOperation, collection string) (context.Context, func(error)) {
	return start(ctx, scopeStore, "docstore."+string(operation), trace.SpanKindClient, []attribute.KeyValue{
		attribute.String("db.system", system),
		attribute.String("db.operation", string(operation)),
		attribute.String("docstore.collection", collection),
	})
}

// StartSpan creates an internal span for a domain operation.
//
//	ctx, end := tracing.StartSpan(ctx, "vote.cast")
//	defer func() { end(err) }()
func StartSpan(ctx context.Context, name string) (context.Context, func(error)) {
	return start(ctx, scopeApp, name, trace.SpanKindInternal, nil)
}

func start(ctx context.Context, scope, name string, kind trace.SpanKind, attrs []attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := otel.Tracer(scope).Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
