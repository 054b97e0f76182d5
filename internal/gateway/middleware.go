package gateway

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/tenantgw/internal/apierror"
	"github.com/vyrodovalexey/tenantgw/internal/observability"
	"github.com/vyrodovalexey/tenantgw/internal/router"
	"github.com/vyrodovalexey/tenantgw/internal/util"
)

// unmatchedRoute labels metrics of requests no route matched.
const unmatchedRoute = "unmatched"

// Recovery turns a panic into an InternalError envelope.
func Recovery(responder *apierror.Responder, logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				err := fmt.Errorf("panic: %v", rec)
				logger.Error("panic recovered",
					observability.String("method", c.Request.Method),
					observability.String("path", c.Request.URL.Path),
					observability.Error(err),
				)

				if span := trace.SpanFromContext(c.Request.Context()); span.IsRecording() {
					span.RecordError(err)
				}

				if !c.Writer.Written() {
					responder.Write(c.Writer, c.Request, apierror.Internal(err))
				}
				c.Abort()
			}
		}()

		c.Next()
	}
}

// RequestContext attaches the per-request context every later stage
// reads and echoes the request id.
func RequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := util.NewRequestContext(c.Request, time.Now())
		ctx := util.ContextWithRequestContext(c.Request.Context(), rc)
		ctx = observability.ContextWithRequestID(ctx, rc.RequestID)
		if rc.TenantID != "" {
			ctx = observability.ContextWithTenantID(ctx, rc.TenantID)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Header(util.HeaderRequestID, rc.RequestID)

		c.Next()
	}
}

// Tracing opens a server span per request, continuing any inbound trace.
func Tracing(tracer *observability.Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tracer == nil {
			c.Next()
			return
		}

		ctx := tracer.Extract(c.Request.Context(), c.Request.Header)
		ctx, span := tracer.StartSpan(ctx, c.Request.Method+" "+c.Request.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", c.Request.Method),
				attribute.String("url.path", c.Request.URL.Path),
				attribute.String("client.address", c.ClientIP()),
			),
		)
		defer span.End()

		if rc := util.RequestContextFrom(ctx); rc != nil {
			span.SetAttributes(attribute.String("gateway.request_id", rc.RequestID))
			if rc.TenantID != "" {
				span.SetAttributes(attribute.String("gateway.tenant_id", rc.TenantID))
			}
		}
		if sc := span.SpanContext(); sc.HasTraceID() {
			ctx = observability.ContextWithTraceID(ctx, sc.TraceID().String())
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		}
	}
}

// Logging logs each completed request at a level derived from its
// status. Paths in skip are not logged.
func Logging(logger observability.Logger, skip ...string) gin.HandlerFunc {
	skipPaths := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipPaths[p] = true
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if skipPaths[path] {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []observability.Field{
			observability.String("method", c.Request.Method),
			observability.String("path", path),
			observability.String("query", c.Request.URL.RawQuery),
			observability.Int("status", status),
			observability.Duration("latency", time.Since(start)),
			observability.String("client_ip", c.ClientIP()),
			observability.String("user_agent", c.Request.UserAgent()),
			observability.Int("body_size", c.Writer.Size()),
		}
		if rc := util.RequestContextFrom(c.Request.Context()); rc != nil {
			fields = append(fields, observability.String("request_id", rc.RequestID))
			if rc.TenantID != "" {
				fields = append(fields, observability.String("tenant_id", rc.TenantID))
			}
		}

		switch {
		case status >= 500:
			logger.Error("request completed", fields...)
		case status >= 400:
			logger.Warn("request completed", fields...)
		default:
			logger.Info("request completed", fields...)
		}
	}
}

// Metrics records request counts, durations and in-flight requests. The
// route label is the gin route for gateway endpoints and the matched
// route prefix for proxied requests.
func Metrics(metrics *observability.Metrics, routes *router.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		if metrics == nil {
			c.Next()
			return
		}

		start := time.Now()
		metrics.IncActiveRequests()
		defer metrics.DecActiveRequests()

		c.Next()

		metrics.RecordRequest(c.Request.Method, routeLabel(c, routes), c.Writer.Status(), time.Since(start))
	}
}

func routeLabel(c *gin.Context, routes *router.Router) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	if routes != nil {
		if r, ok := routes.Match(c.Request.URL.Path); ok {
			return r.Prefix
		}
	}
	return unmatchedRoute
}
