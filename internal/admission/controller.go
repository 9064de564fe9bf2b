// SPDX-License-Identifier: MIT

package admission

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/draftwire/draftwire/internal/buffer"
	"github.com/draftwire/draftwire/internal/metrics"
)

// Controller is the admission front door: a process-wide backstop limiter,
// the per-identity token bucket (durable when Redis is up, in-process
// otherwise) and the quota windows, evaluated in that order.
//
// It is constructed once at startup and injected into every handler;
// there is no package-level mutable state.
type Controller struct {
	global   *rate.Limiter
	durable  Bucket // nil when Redis is unconfigured
	fallback *MemoryBucket
	quota    *QuotaTracker
	logger   zerolog.Logger
}

// ControllerConfig wires a Controller.
type ControllerConfig struct {
	// GlobalRPS bounds total admissions per second across all identities.
	// Zero disables the backstop.
	GlobalRPS   float64
	GlobalBurst int

	Buckets BucketLimits
	Quotas  QuotaLimits
}

// NewController builds the admission layer. durable may be nil.
func NewController(cfg ControllerConfig, durable Bucket, logger zerolog.Logger) *Controller {
	var global *rate.Limiter
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
		}
		global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	return &Controller{
		global:   global,
		durable:  durable,
		fallback: NewMemoryBucket(cfg.Buckets),
		quota:    NewQuotaTracker(cfg.Quotas),
		logger:   logger,
	}
}

// Fallback exposes the in-process bucket so the daemon can run its cleanup.
func (c *Controller) Fallback() *MemoryBucket {
	return c.fallback
}

// Quota exposes the quota tracker for cleanup wiring.
func (c *Controller) Quota() *QuotaTracker {
	return c.quota
}

// Admit decides whether identity may open a request of the given kind.
// A denied decision always carries a retry hint. Admit never returns an
// error for infrastructure reasons: a failing durable bucket downgrades to
// the in-process bucket for that single call.
func (c *Controller) Admit(ctx context.Context, identity string, kind Kind) Decision {
	if c.global != nil && !c.global.Allow() {
		metrics.RateLimitExceeded.WithLabelValues(string(kind), "global").Inc()
		return Decision{Allowed: false, RetryAfterSeconds: 1, Reason: "rate_limited"}
	}

	d := c.tryConsume(ctx, identity, kind)
	if !d.Allowed {
		metrics.RateLimitExceeded.WithLabelValues(string(kind), "identity").Inc()
		return d
	}

	if qd := c.quota.Check(identity); !qd.Allowed {
		metrics.QuotaExceeded.WithLabelValues(qd.Reason).Inc()
		return qd
	}
	c.quota.Record(identity)

	return Decision{Allowed: true}
}

func (c *Controller) tryConsume(ctx context.Context, identity string, kind Kind) Decision {
	if c.durable != nil {
		d, err := c.durable.TryConsume(ctx, identity, kind)
		if err == nil {
			return d
		}
		if !errors.Is(err, buffer.ErrUnavailable) {
			c.logger.Error().Err(err).Str("identity", identity).Msg("durable bucket error")
		}
		// Fall back for this call only; the durable bucket stays primary.
		c.logger.Debug().Err(err).Str("identity", identity).Msg("falling back to in-process bucket")
	}

	d, err := c.fallback.TryConsume(ctx, identity, kind)
	if err != nil {
		// The memory bucket never errors; keep the request alive regardless.
		return Decision{Allowed: true}
	}
	return d
}
