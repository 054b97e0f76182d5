package ratelimit

import (
	"strconv"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/tenantgw/internal/apierror"
	"github.com/vyrodovalexey/tenantgw/internal/observability"
	"github.com/vyrodovalexey/tenantgw/internal/util"
)

// Rate limit response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// KeyFunc extracts the client identity from a request.
type KeyFunc func(c *gin.Context) string

// ClientIPKey identifies clients by address.
func ClientIPKey(c *gin.Context) string {
	return c.ClientIP()
}

// GateConfig configures a Gate.
type GateConfig struct {
	Limiter   *Limiter
	Resolver  *TierResolver
	Responder *apierror.Responder
	Logger    observability.Logger
	Metrics   *observability.Metrics

	// SkipPaths are never throttled; each matches on a segment boundary.
	SkipPaths []string

	// KeyFunc defaults to ClientIPKey.
	KeyFunc KeyFunc
}

// Gate throttles requests before they reach routing.
type Gate struct {
	limiter   *Limiter
	resolver  atomic.Pointer[TierResolver]
	responder *apierror.Responder
	logger    observability.Logger
	metrics   *observability.Metrics
	skip      []string
	keyFunc   KeyFunc
}

// NewGate creates a Gate.
func NewGate(cfg GateConfig) *Gate {
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIPKey
	}
	if cfg.Responder == nil {
		cfg.Responder = apierror.NewResponder(cfg.Logger, false)
	}

	g := &Gate{
		limiter:   cfg.Limiter,
		responder: cfg.Responder,
		logger:    cfg.Logger.With(observability.String("component", "ratelimit")),
		metrics:   cfg.Metrics,
		skip:      cfg.SkipPaths,
		keyFunc:   cfg.KeyFunc,
	}
	g.resolver.Store(cfg.Resolver)
	return g
}

// SetResolver swaps the tier resolver, used on configuration reload.
func (g *Gate) SetResolver(r *TierResolver) {
	g.resolver.Store(r)
}

func (g *Gate) skipped(path string) bool {
	for _, p := range g.skip {
		if util.HasPathPrefix(path, p) {
			return true
		}
	}
	return false
}

// Handler returns the gin middleware.
func (g *Gate) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if g.skipped(path) {
			c.Next()
			return
		}

		tier := g.resolver.Load().Resolve(path)
		res, err := g.limiter.Allow(c.Request.Context(), tier, g.keyFunc(c))
		if err != nil {
			// Counting failures let the request through.
			g.logger.Warn("rate limit check failed",
				observability.String("tier", tier.Name),
				observability.String("path", path),
				observability.Error(err),
			)
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Set(HeaderLimit, strconv.Itoa(res.Limit))
		h.Set(HeaderRemaining, strconv.Itoa(res.Remaining))
		h.Set(HeaderReset, strconv.FormatInt(res.ResetAt.Unix(), 10))

		if !res.Allowed {
			g.metrics.RecordRateLimitRejection(tier.Name)
			g.responder.Write(c.Writer, c.Request, apierror.RateLimited(tier.Name, res.RetryAfter))
			c.Abort()
			return
		}

		c.Next()
	}
}
