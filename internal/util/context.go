package util

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Header names carried between the client, the gateway and backends.
const (
	HeaderTenantID    = "X-Tenant-Id"
	HeaderRequestID   = "X-Request-Id"
	HeaderForwardedBy = "X-Forwarded-By"

	// ForwardedByValue marks requests that went through the gateway.
	ForwardedByValue = "gateway"
)

// RequestContext identifies one inbound request. It is created once when
// the request arrives and travels with every forwarded call, log line and
// error record. RequestID is never regenerated downstream.
type RequestContext struct {
	RequestID string
	TenantID  string
	Method    string
	Path      string
	StartTime time.Time
}

// NewRequestContext builds the RequestContext for r, reusing the caller's
// request ID when one was supplied.
func NewRequestContext(r *http.Request, now time.Time) *RequestContext {
	requestID := strings.TrimSpace(r.Header.Get(HeaderRequestID))
	if requestID == "" {
		requestID = GenerateRequestID(now)
	}

	return &RequestContext{
		RequestID: requestID,
		TenantID:  strings.TrimSpace(r.Header.Get(HeaderTenantID)),
		Method:    r.Method,
		Path:      r.URL.Path,
		StartTime: now,
	}
}

// GenerateRequestID returns an ID of the form req-<unixMillis>-<random>.
func GenerateRequestID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return "req-" + strconv.FormatInt(now.UnixMilli(), 10) + "-" + random
}

type ctxKey string

const ctxKeyRequestContext ctxKey = "request_context"

// ContextWithRequestContext attaches rc to ctx.
func ContextWithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, ctxKeyRequestContext, rc)
}

// RequestContextFrom returns the RequestContext stored in ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	if v, ok := ctx.Value(ctxKeyRequestContext).(*RequestContext); ok {
		return v
	}
	return nil
}
