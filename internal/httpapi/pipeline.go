package httpapi

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/syncd/api"
	"pkt.systems/syncd/internal/auth"
	"pkt.systems/syncd/internal/locator"
	"pkt.systems/syncd/internal/precondition"
	"pkt.systems/syncd/internal/svcfields"
	"pkt.systems/syncd/internal/synctime"
	"pkt.systems/syncd/internal/txn"
	"pkt.systems/syncd/internal/uuidv7"
)

// RequestContext carries each pipeline stage's output to the later stages
// and to the wrapped handler. Fields are populated in pipeline order.
// Resource is nil for requests that target no single collection.
type RequestContext struct {
	RequestID string
	Identity  auth.Identity
	Resource  *locator.Resource
	Txn       *txn.Txn
	Condition precondition.Header
	Outcome   precondition.Outcome

	resolved bool
}

// ResourceTimestamp returns the resource modification time observed during
// precondition evaluation.
func (rc *RequestContext) ResourceTimestamp() (synctime.Timestamp, bool) {
	if rc == nil || !rc.resolved {
		return 0, false
	}
	return rc.Outcome.Timestamp, true
}

// UserID is shorthand for rc.Identity.UserID.
func (rc *RequestContext) UserID() uint64 { return rc.Identity.UserID }

type requestContextKey struct{}

// RequestContextFrom returns the pipeline state attached to ctx.
func RequestContextFrom(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc, ok
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, rc *RequestContext) error

// wrap runs fn inside the request pipeline: authenticate, locate, acquire a
// transaction, lock, evaluate preconditions, run the handler into a buffer,
// commit or roll back exactly once, stamp, then flush.
func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := svcfields.Subsystem("api", operation)
	httpSpanName := "syncd.http." + operation
	txSpanName := "syncd.pipeline." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := uuidv7.RequestID(r.Header.Get(api.HeaderRequestID))
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, txSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("syncd.sys", sys),
					attribute.String("syncd.operation", operation),
					attribute.String("syncd.request_id", reqID),
				),
			)
			defer span.End()
		}

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			svcfields.RequestIDKey, reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		rc := &RequestContext{RequestID: reqID}
		ctx = pslog.ContextWithLogger(ctx, logger)
		ctx = context.WithValue(ctx, requestContextKey{}, rc)
		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		buf := newBufferedResponse()
		err := h.run(buf, r, rc, fn)
		result := "ok"
		if err != nil {
			result = "error"
			buf.reset()
			httpErr := h.handleError(pslog.ContextWithLogger(ctx, loggerWithRequest(logger, rc)), buf, err)
			if instrument {
				span.RecordError(err)
				span.SetStatus(codes.Error, httpErr.Code)
				span.SetAttributes(
					attribute.String("syncd.error_code", httpErr.Code),
					attribute.Int("syncd.error_status", httpErr.Status),
				)
			}
		} else if instrument {
			span.SetStatus(codes.Ok, "")
		}

		observed, ok := rc.ResourceTimestamp()
		stampLastModified(buf.Header(), observed, ok)
		stampServiceTime(ctx, buf.Header(), synctime.Now(h.clock))
		buf.Header().Set(api.HeaderRequestID, reqID)
		if flushErr := buf.flush(w); flushErr != nil {
			logger.Debug("http.response.write_failed", "error", flushErr)
		}
		h.metrics.recordRequest(ctx, operation, buf.Status(), result, time.Since(start))
		logger.Trace("http.request.complete", "status", buf.Status(), "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func loggerWithRequest(logger pslog.Logger, rc *RequestContext) pslog.Logger {
	if rc.Identity.UserID != 0 {
		logger = logger.With(svcfields.UserIDKey, rc.Identity.String())
	}
	if rc.Resource != nil {
		logger = logger.With(svcfields.CollectionKey, rc.Resource.Collection)
	}
	if rc.Txn != nil {
		logger = logger.With(svcfields.TxnIDKey, rc.Txn.ID())
	}
	return logger
}

// run executes the pipeline stages up to and including finalization. A
// returned error has already been through rollback when a transaction
// existed.
func (h *Handler) run(w *bufferedResponse, r *http.Request, rc *RequestContext, fn handlerFunc) (err error) {
	ctx := r.Context()
	identity, err := h.verifier.Verify(r.Method, r.Header.Get("Authorization"), auth.ConnInfoFromHost(r.Host, r.TLS != nil), r.URL.RequestURI())
	if err != nil {
		return err
	}
	rc.Identity = identity

	res, err := locator.Parse(r.URL.Path)
	if err != nil {
		return err
	}
	rc.Resource = res

	cond, err := precondition.ParseHeaders(r.Header)
	if err != nil {
		return err
	}
	rc.Condition = cond

	tx, err := h.txns.Acquire(ctx)
	if err != nil {
		return err
	}
	rc.Txn = tx
	logger := loggerWithRequest(pslog.LoggerFromContext(ctx), rc)
	ctx = pslog.ContextWithLogger(ctx, logger)
	r = r.WithContext(ctx)

	// Runs on every exit, including runtime.Goexit, after the explicit
	// finalization below has had its chance.
	defer func() {
		if !tx.Done() {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				logger.Error("http.request.rollback_guard_failed", "error", rbErr)
			}
		}
	}()

	handlerErr := h.execute(w, r, rc, fn)
	return h.finalize(ctx, logger, tx, handlerErr)
}

// execute locks the collection, resolves preconditions and runs the
// handler. Panics are converted to errors.
func (h *Handler) execute(w *bufferedResponse, r *http.Request, rc *RequestContext, fn handlerFunc) (err error) {
	ctx := r.Context()
	defer func() {
		if rec := recover(); rec != nil {
			pslog.LoggerFromContext(ctx).Error("http.request.panic", "panic", rec, "stack", string(debug.Stack()))
			err = panicError{value: rec}
		}
	}()

	if rc.Resource != nil {
		req := txn.LockRequest{
			Identity:   rc.Identity,
			Collection: rc.Resource.Collection,
			Mode:       txn.ModeForMethod(r.Method),
		}
		if err := rc.Txn.Lock(ctx, req); err != nil {
			return err
		}
	}

	outcome, err := precondition.Resolve(ctx, rc.Txn, rc.UserID(), rc.Resource, rc.Condition)
	if err != nil {
		return err
	}
	rc.Outcome = outcome
	rc.resolved = true
	h.preconditions.Record(ctx, rc.Condition, outcome)

	switch outcome.Kind {
	case precondition.NotModified:
		w.Header().Set(api.HeaderLastModified, outcome.Timestamp.String())
		w.WriteHeader(http.StatusOK)
		return nil
	case precondition.PreconditionFailed:
		w.Header().Set(api.HeaderLastModified, outcome.Timestamp.String())
		w.WriteHeader(http.StatusPreconditionFailed)
		return nil
	}
	return fn(w, r, rc)
}

// finalize commits when the handler succeeded and rolls back otherwise.
// A rollback failure never replaces the handler's error.
func (h *Handler) finalize(ctx context.Context, logger pslog.Logger, tx *txn.Txn, handlerErr error) error {
	finalCtx := context.WithoutCancel(ctx)
	if handlerErr == nil {
		return tx.Commit(finalCtx)
	}
	if errors.Is(handlerErr, context.Canceled) {
		logger.Debug("http.request.canceled", "error", handlerErr)
	}
	if rbErr := tx.Rollback(finalCtx); rbErr != nil {
		logger.Debug("http.request.rollback_after_error", "error", handlerErr, "rollback_error", rbErr)
	}
	return handlerErr
}
