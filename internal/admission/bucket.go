// SPDX-License-Identifier: MIT

// Package admission gates stream creation: a dual-mode token bucket
// (Redis-atomic with an in-process fallback) plus rolling quota windows
// for longer-horizon abuse control.
package admission

import (
	"context"
	"math"
	"time"
)

// Kind selects the bucket a request consumes from. Streaming requests are
// more expensive and get an independent, usually smaller bucket.
type Kind string

const (
	KindStandard  Kind = "standard"
	KindStreaming Kind = "streaming"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// RetryAfterSeconds hints when the next attempt can succeed. Always
	// >= 1 on a bucket denial.
	RetryAfterSeconds int64
	// Reason identifies the violated limit on denial ("rate_limited" or a
	// quota window name).
	Reason string
}

// BucketLimits holds per-kind capacities. Capacity is per minute; refill
// runs continuously at capacity/60 tokens per second.
type BucketLimits struct {
	StandardRPM  int
	StreamingRPM int
	// IdleTTL reclaims unused durable bucket entries.
	IdleTTL time.Duration
}

// DefaultBucketLimits returns production defaults.
func DefaultBucketLimits() BucketLimits {
	return BucketLimits{
		StandardRPM:  60,
		StreamingRPM: 10,
		IdleTTL:      10 * time.Minute,
	}
}

func (l BucketLimits) capacity(kind Kind) float64 {
	if kind == KindStreaming {
		return float64(l.StreamingRPM)
	}
	return float64(l.StandardRPM)
}

// Bucket is the token-bucket primitive. Refill is always applied before
// consumption is evaluated; state for one identity is serialized by the
// implementation.
type Bucket interface {
	TryConsume(ctx context.Context, identity string, kind Kind) (Decision, error)
}

func retryAfter(tokens, refillRate float64) int64 {
	secs := int64(math.Ceil((1 - tokens) / refillRate))
	if secs < 1 {
		secs = 1
	}
	return secs
}
