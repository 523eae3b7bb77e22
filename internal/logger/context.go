package logger

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

type contextKey struct{}

// NoTx marks a LogContext that is not bound to a journal transaction.
const NoTx = -1

// LogContext names the core operation a goroutine is running, so every
// record it emits can be joined on operation, inode and journal slot.
type LogContext struct {
	Operation string // create, unlink, rename, setattr ...
	Ino       uint64
	TxID      int
}

// NewLogContext starts a LogContext for operation on ino.
func NewLogContext(operation string, ino uint64) *LogContext {
	return &LogContext{Operation: operation, Ino: ino, TxID: NoTx}
}

// WithContext returns ctx carrying lc.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, contextKey{}, lc)
}

// FromContext returns the LogContext carried by ctx, or nil.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(contextKey{}).(*LogContext)
	return lc
}

// WithOperation returns ctx bound to operation on ino.
func WithOperation(ctx context.Context, operation string, ino uint64) context.Context {
	return WithContext(ctx, NewLogContext(operation, ino))
}

// WithTx returns ctx with its operation bound to journal slot txid. A ctx
// without an operation is returned unchanged.
func WithTx(ctx context.Context, txid int) context.Context {
	lc := FromContext(ctx)
	if lc == nil {
		return ctx
	}
	bound := *lc
	bound.TxID = txid
	return WithContext(ctx, &bound)
}

// contextHandler adds the active span and the LogContext of the record's
// context to each record. A field the record already carries wins.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String(KeyTraceID, sc.TraceID().String()),
			slog.String(KeySpanID, sc.SpanID().String()),
		)
	}
	if lc := FromContext(ctx); lc != nil {
		if lc.Operation != "" {
			r.AddAttrs(slog.String(KeyOperation, lc.Operation))
		}
		if lc.Ino != 0 && !hasAttr(r, KeyIno) {
			r.AddAttrs(slog.Uint64(KeyIno, lc.Ino))
		}
		if lc.TxID != NoTx && !hasAttr(r, KeyTxID) {
			r.AddAttrs(slog.Int(KeyTxID, lc.TxID))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}

func hasAttr(r slog.Record, key string) bool {
	found := false
	r.Attrs(func(a slog.Attr) bool {
		found = a.Key == key
		return !found
	})
	return found
}
