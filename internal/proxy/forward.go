package proxy

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/tenantgw/internal/apierror"
	"github.com/vyrodovalexey/tenantgw/internal/observability"
	"github.com/vyrodovalexey/tenantgw/internal/retry"
	"github.com/vyrodovalexey/tenantgw/internal/router"
	"github.com/vyrodovalexey/tenantgw/internal/util"
)

// Attempt outcomes reported to metrics.
const (
	outcomeSuccess       = "success"
	outcomeUpstreamError = "upstream_error"
	outcomeError         = "error"
)

// forwardCall is the state of forwarding one inbound request.
type forwardCall struct {
	proxy *Proxy
	in    *http.Request
	rc    *util.RequestContext
	route router.Route
	path  string
	body  []byte

	resp *http.Response
}

func (c *forwardCall) retryConfig() *retry.Config {
	cfg := retry.DefaultConfig()
	if c.proxy.cfg.Retry != nil {
		copied := *c.proxy.cfg.Retry
		cfg = &copied
	}
	if c.proxy.cfg.RetryDisabled || !c.route.Retry {
		cfg.MaxAttempts = 1
	}
	return cfg
}

// run forwards the request. A non-nil response is returned whenever the
// backend answered, even when the answer counted as a failure.
func (c *forwardCall) run(ctx context.Context) (*http.Response, error) {
	service := c.route.Service

	err := retry.Do(ctx, c.retryConfig(), func(ctx context.Context, attempt int) error {
		return c.proxy.breakers.Execute(ctx, service, func(ctx context.Context) error {
			addr, err := c.proxy.balancer.Next(service)
			if err != nil {
				return err
			}
			return c.attempt(ctx, addr, attempt)
		})
	}, &retry.Options{
		ShouldRetry: shouldRetry,
		Jitter:      c.proxy.jitter,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			c.proxy.metrics.RecordRetry(service)
			c.proxy.logger.Warn("backend attempt failed, retrying",
				observability.String("request_id", c.rc.RequestID),
				observability.String("service", service),
				observability.Int("attempt", attempt),
				observability.Duration("backoff", backoff),
				observability.Error(err),
			)
		},
	})

	if c.resp != nil {
		return c.resp, nil
	}
	return nil, err
}

// shouldRetry additionally stops on services that do not exist at all.
func shouldRetry(err error) bool {
	if e := apierror.Classify(err); e != nil && e.Code == apierror.CodeServiceNotFound {
		return false
	}
	return apierror.IsRetryable(err)
}

func (c *forwardCall) attempt(ctx context.Context, addr string, attempt int) error {
	service := c.route.Service
	start := time.Now()

	ctx, span := c.proxy.tracer.StartSpan(ctx, "proxy "+service,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gateway.service", service),
			attribute.String("gateway.route", c.route.Prefix),
			attribute.String("http.request.method", c.in.Method),
			attribute.String("server.address", addr),
			attribute.Int("gateway.attempt", attempt),
		),
	)
	defer span.End()

	out, err := c.outbound(ctx, addr)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return apierror.Internal(err)
	}

	resp, err := c.proxy.client.Do(out)
	if err != nil {
		c.proxy.metrics.RecordBackendAttempt(service, outcomeError, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport failure")

		if ctx.Err() == nil {
			c.proxy.balancer.MarkUnhealthy(service, addr)
		}
		return err
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	c.resp = resp

	if resp.StatusCode >= http.StatusInternalServerError {
		c.proxy.metrics.RecordBackendAttempt(service, outcomeUpstreamError, time.Since(start))
		span.SetStatus(codes.Error, resp.Status)
		return util.NewUpstreamError(service, resp.StatusCode)
	}

	c.proxy.metrics.RecordBackendAttempt(service, outcomeSuccess, time.Since(start))
	c.proxy.logger.Debug("request forwarded",
		observability.String("request_id", c.rc.RequestID),
		observability.String("service", service),
		observability.String("address", addr),
		observability.Int("status", resp.StatusCode),
		observability.Int("attempt", attempt),
		observability.Duration("duration", time.Since(start)),
	)
	return nil
}

// outbound builds the backend request for addr.
func (c *forwardCall) outbound(ctx context.Context, addr string) (*http.Request, error) {
	target := strings.TrimRight(addr, "/") + c.path
	if c.in.URL.RawQuery != "" {
		target += "?" + c.in.URL.RawQuery
	}

	out, err := http.NewRequestWithContext(ctx, c.in.Method, target, bodyReader(c.body))
	if err != nil {
		return nil, err
	}

	out.Header = c.in.Header.Clone()
	util.RemoveHopByHopHeaders(out.Header)

	out.Header.Set(util.HeaderRequestID, c.rc.RequestID)
	if c.rc.TenantID != "" {
		out.Header.Set(util.HeaderTenantID, c.rc.TenantID)
	}
	out.Header.Set(util.HeaderForwardedBy, util.ForwardedByValue)

	if ip, _, splitErr := net.SplitHostPort(c.in.RemoteAddr); splitErr == nil {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		out.Header.Set("X-Forwarded-For", ip)
	}
	out.Header.Set("X-Forwarded-Host", c.in.Host)
	proto := "http"
	if c.in.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)

	c.proxy.tracer.Inject(ctx, out.Header)

	return out, nil
}
