package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vyrodovalexey/tenantgw/internal/apierror"
	"github.com/vyrodovalexey/tenantgw/internal/observability"
	"github.com/vyrodovalexey/tenantgw/internal/util"
)

// Probe defaults.
const (
	DefaultProbeTimeout     = 5 * time.Second
	DefaultProbeConcurrency = 8
	probePath               = "/health"
	maxProbeBody            = 64 << 10
)

// Resolver returns the address to probe for a service.
type Resolver interface {
	Resolve(ctx context.Context, service string) (string, error)
}

// ServiceHealth is the probe result of one backend service.
type ServiceHealth struct {
	Status         Status `json:"status"`
	Address        string `json:"address,omitempty"`
	Uptime         any    `json:"uptime,omitempty"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
	Code           string `json:"code,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Summary counts probe results.
type Summary struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Offline int `json:"offline"`
}

// Report is the body of GET /services/status.
type Report struct {
	Overall   Status                   `json:"overall"`
	Summary   Summary                  `json:"summary"`
	Services  map[string]ServiceHealth `json:"services"`
	Timestamp time.Time                `json:"timestamp"`
}

// ProberOptions configures a Prober.
type ProberOptions struct {
	Timeout     time.Duration
	Concurrency int
	Client      *http.Client
	Logger      observability.Logger
	Metrics     *observability.Metrics
}

// Prober probes backend services' GET /health concurrently.
type Prober struct {
	resolver    Resolver
	client      *http.Client
	timeout     time.Duration
	concurrency int
	logger      observability.Logger
	metrics     *observability.Metrics
}

// NewProber creates a Prober.
func NewProber(resolver Resolver, opts ProberOptions) *Prober {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultProbeTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultProbeConcurrency
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}

	return &Prober{
		resolver:    resolver,
		client:      opts.Client,
		timeout:     opts.Timeout,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
}

type probeBody struct {
	Status string `json:"status"`
	Uptime any    `json:"uptime"`
}

// Probe checks every service. A failed probe marks only that service
// offline.
func (p *Prober) Probe(ctx context.Context, services []string) Report {
	var mu sync.Mutex
	results := make(map[string]ServiceHealth, len(services))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, svc := range services {
		g.Go(func() error {
			sh := p.probe(gctx, svc)
			p.metrics.SetServiceUp(svc, sh.Status == StatusOnline)

			mu.Lock()
			results[svc] = sh
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return summarize(results)
}

func summarize(results map[string]ServiceHealth) Report {
	r := Report{Services: results, Timestamp: time.Now().UTC()}
	for _, sh := range results {
		r.Summary.Total++
		if sh.Status == StatusOnline {
			r.Summary.Online++
		} else {
			r.Summary.Offline++
		}
	}

	switch {
	case r.Summary.Offline == 0:
		r.Overall = StatusHealthy
	case r.Summary.Online == 0:
		r.Overall = StatusUnhealthy
	default:
		r.Overall = StatusDegraded
	}
	return r
}

func (p *Prober) probe(ctx context.Context, service string) ServiceHealth {
	start := time.Now()

	addr, err := p.resolver.Resolve(ctx, service)
	if err != nil {
		return p.offline(service, "", start, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(addr, "/")+probePath, nil)
	if err != nil {
		return p.offline(service, addr, start, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return p.offline(service, addr, start, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBody))
		return p.offline(service, addr, start, util.NewUpstreamError(service, resp.StatusCode))
	}

	var body probeBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProbeBody)).Decode(&body); err != nil {
		return p.offline(service, addr, start, fmt.Errorf("invalid health body: %w", err))
	}

	return ServiceHealth{
		Status:         StatusOnline,
		Address:        addr,
		Uptime:         body.Uptime,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
}

func (p *Prober) offline(service, addr string, start time.Time, err error) ServiceHealth {
	classified := apierror.Classify(err)
	p.logger.Debug("backend health probe failed",
		observability.String("service", service),
		observability.String("address", addr),
		observability.Error(err),
	)
	return ServiceHealth{
		Status:         StatusOffline,
		Address:        addr,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		Code:           classified.Code,
		Error:          err.Error(),
	}
}

// ServiceNames returns the sorted service names of the report.
func (r Report) ServiceNames() []string {
	names := make([]string, 0, len(r.Services))
	for n := range r.Services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
