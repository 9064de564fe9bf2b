// SPDX-License-Identifier: MIT

package buffer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestDetectorAvailableAndCached(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	d := NewDetector(client, 100*time.Millisecond, time.Hour, zerolog.Nop())
	ctx := context.Background()

	if !d.Available(ctx) {
		t.Fatal("expected store to be available")
	}

	// Verdict is cached: killing the server inside the cache window must
	// not flip availability yet.
	mr.Close()
	if !d.Available(ctx) {
		t.Error("expected cached availability verdict")
	}

	d.checkedAt = time.Time{} // force re-probe
	if d.Available(ctx) {
		t.Error("expected unavailability after server shutdown")
	}
}

func TestDetectorNilClient(t *testing.T) {
	d := NewDetector(nil, 0, 0, zerolog.Nop())
	if d.Available(context.Background()) {
		t.Error("nil client must read as unavailable")
	}
}

func TestSelectPrefersDurable(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	durable := NewRedisStore(client, Options{}, zerolog.Nop())
	fallback := NewMemoryStore(Options{})
	d := NewDetector(client, 100*time.Millisecond, 0, zerolog.Nop())

	store, degraded := Select(context.Background(), d, durable, fallback)
	if degraded {
		t.Error("expected non-degraded selection with live server")
	}
	if store != Store(durable) {
		t.Error("expected durable store to be selected")
	}
}

func TestSelectFallsBack(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}) // nothing listens
	defer func() { _ = client.Close() }()

	durable := NewRedisStore(client, Options{}, zerolog.Nop())
	fallback := NewMemoryStore(Options{})
	d := NewDetector(client, 50*time.Millisecond, 0, zerolog.Nop())

	store, degraded := Select(context.Background(), d, durable, fallback)
	if !degraded {
		t.Error("expected degraded selection with unreachable server")
	}
	if store != Store(fallback) {
		t.Error("expected fallback store to be selected")
	}
}
