// SPDX-License-Identifier: MIT

package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Detector probes Redis availability with a short budget and caches the
// verdict briefly, so each new session pays at most one probe and a slow
// store never hangs admission.
type Detector struct {
	client   *redis.Client
	budget   time.Duration
	cacheTTL time.Duration
	logger   zerolog.Logger

	mu        sync.Mutex
	checkedAt time.Time
	available bool
}

// NewDetector builds a Detector. A nil client is treated as permanently
// unavailable, which lets the daemon run without Redis configured at all.
func NewDetector(client *redis.Client, budget, cacheTTL time.Duration, logger zerolog.Logger) *Detector {
	if budget <= 0 {
		budget = 250 * time.Millisecond
	}
	if cacheTTL <= 0 {
		cacheTTL = 3 * time.Second
	}
	return &Detector{
		client:   client,
		budget:   budget,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// Available reports whether the durable store answered a ping within the
// budget. The result is cached for the detector's cache TTL.
func (d *Detector) Available(ctx context.Context) bool {
	if d.client == nil {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if time.Since(d.checkedAt) < d.cacheTTL {
		return d.available
	}

	pingCtx, cancel := context.WithTimeout(ctx, d.budget)
	defer cancel()

	err := d.client.Ping(pingCtx).Err()
	d.checkedAt = time.Now()
	wasAvailable := d.available
	d.available = err == nil

	if d.available != wasAvailable {
		if d.available {
			d.logger.Info().Msg("durable store reachable, resume enabled")
		} else {
			d.logger.Warn().Err(err).Msg("durable store unreachable, sessions will degrade")
		}
	}
	return d.available
}

// Select returns the store a new session should buffer through and whether
// the session runs degraded. Degraded sessions never mint resume tokens.
func Select(ctx context.Context, detector *Detector, durable Store, fallback Store) (Store, bool) {
	if durable != nil && detector.Available(ctx) {
		return durable, false
	}
	return fallback, true
}
