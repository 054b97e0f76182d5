// Package proxy forwards matched requests to backend services.
//
// Each request walks MATCH_ROUTE -> RESOLVE_ADDRESS -> FORWARD and ends
// in RESPOND or ERROR. Rate limiting happens earlier, in middleware.
// Address resolution and the forward attempt run together inside the
// service's circuit breaker and are retried with backoff, so a retry can
// land on another address. Any backend answer, including 5xx, is
// streamed to the client verbatim; a 5xx only counts against the
// breaker and is never retried.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/vyrodovalexey/tenantgw/internal/apierror"
	"github.com/vyrodovalexey/tenantgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/tenantgw/internal/observability"
	"github.com/vyrodovalexey/tenantgw/internal/retry"
	"github.com/vyrodovalexey/tenantgw/internal/router"
	"github.com/vyrodovalexey/tenantgw/internal/util"
)

// StatusClientClosedRequest is recorded when the client went away before
// a response could be written.
const StatusClientClosedRequest = 499

// Default transport settings.
const (
	DefaultConnectTimeout  = 5 * time.Second
	DefaultResponseTimeout = 30 * time.Second
	DefaultMaxBodyBytes    = 10 << 20
)

// Balancer picks backend addresses.
type Balancer interface {
	Next(service string) (string, error)
	MarkUnhealthy(service, address string)
}

// Config configures a Proxy.
type Config struct {
	// ConnectTimeout bounds establishing a backend connection.
	ConnectTimeout time.Duration

	// ResponseTimeout bounds the wait for backend response headers.
	ResponseTimeout time.Duration

	MaxIdleConnsPerHost int

	// MaxBodyBytes bounds the buffered request body.
	MaxBodyBytes int64

	// Retry is the backoff policy; nil uses the defaults.
	Retry *retry.Config

	// RetryDisabled limits every request to one attempt.
	RetryDisabled bool
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Proxy) { p.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Proxy) { p.metrics = m }
}

// WithTracer sets the tracer used for outbound spans.
func WithTracer(t *observability.Tracer) Option {
	return func(p *Proxy) { p.tracer = t }
}

// WithResponder sets the error responder.
func WithResponder(r *apierror.Responder) Option {
	return func(p *Proxy) { p.responder = r }
}

// WithTransport replaces the outbound transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Proxy) { p.client.Transport = rt }
}

// WithJitter sets the retry jitter source.
func WithJitter(j retry.JitterFunc) Option {
	return func(p *Proxy) { p.jitter = j }
}

// Proxy is the gateway's catch-all handler.
type Proxy struct {
	cfg       Config
	router    *router.Router
	balancer  Balancer
	breakers  *circuitbreaker.Registry
	client    *http.Client
	responder *apierror.Responder
	logger    observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	jitter    retry.JitterFunc
}

// New creates a Proxy.
func New(cfg Config, r *router.Router, b Balancer, breakers *circuitbreaker.Registry, opts ...Option) *Proxy {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	p := &Proxy{
		cfg:      cfg,
		router:   r,
		balancer: b,
		breakers: breakers,
		client:   newClient(cfg),
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.responder == nil {
		p.responder = apierror.NewResponder(p.logger, false)
	}
	p.logger = p.logger.With(observability.String("component", "proxy"))

	return p
}

func newClient(cfg Config) *http.Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ResponseTimeout,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rc := util.RequestContextFrom(req.Context())
	if rc == nil {
		rc = util.NewRequestContext(req, time.Now())
		req = req.WithContext(util.ContextWithRequestContext(req.Context(), rc))
	}

	route, ok := p.router.Match(req.URL.Path)
	if !ok {
		p.responder.Write(w, req, apierror.RouteNotFound(req.URL.Path, p.router.Table().Prefixes()))
		return
	}

	body, err := readBody(w, req, p.cfg.MaxBodyBytes)
	if err != nil {
		p.responder.Write(w, req, err)
		return
	}

	call := &forwardCall{
		proxy: p,
		in:    req,
		rc:    rc,
		route: route,
		path:  route.RewritePath(req.URL.Path),
		body:  body,
	}

	resp, err := call.run(req.Context())
	if resp != nil {
		p.relay(w, resp, rc)
		return
	}

	if req.Context().Err() != nil && errors.Is(err, context.Canceled) {
		p.logger.Debug("client closed request",
			observability.String("request_id", rc.RequestID),
			observability.String("service", route.Service),
		)
		w.WriteHeader(StatusClientClosedRequest)
		return
	}

	p.responder.Write(w, req, err)
}

func readBody(w http.ResponseWriter, req *http.Request, limit int64) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, limit))
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (p *Proxy) relay(w http.ResponseWriter, resp *http.Response, rc *util.RequestContext) {
	defer resp.Body.Close()

	// Headers the gateway already set, such as the rate limit ones, win
	// over the backend's.
	h := w.Header()
	util.RemoveHopByHopHeaders(resp.Header)
	resp.Header.Del(util.HeaderRequestID)
	for k := range h {
		resp.Header.Del(k)
	}
	util.CopyHeaders(h, resp.Header)
	h.Set(util.HeaderRequestID, rc.RequestID)

	w.WriteHeader(resp.StatusCode)
	// Commit the status line so an empty body is not treated as unwritten
	// by the fallback handler chain.
	if fl, ok := w.(http.Flusher); ok {
		fl.Flush()
	}

	if _, err := io.Copy(flushWriter{w}, resp.Body); err != nil {
		p.logger.Debug("response stream interrupted",
			observability.String("request_id", rc.RequestID),
			observability.Error(err),
		)
	}
}

// flushWriter flushes after every write so streamed responses reach the
// client as they arrive.
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(b []byte) (int, error) {
	n, err := f.w.Write(b)
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
	return n, err
}

func bodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}
