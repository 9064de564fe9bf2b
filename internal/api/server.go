// SPDX-License-Identifier: MIT

// Package api exposes the streaming HTTP surface: stream creation, resume,
// health endpoints and Prometheus metrics.
package api

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/draftwire/draftwire/internal/admission"
	"github.com/draftwire/draftwire/internal/buffer"
	"github.com/draftwire/draftwire/internal/health"
	"github.com/draftwire/draftwire/internal/pipeline"
	"github.com/draftwire/draftwire/internal/resumetoken"
)

const (
	resumeTokenHeader = "X-Resume-Token"
	degradedHeader    = "X-Draftwire-Degraded"
	apiKeyHeader      = "X-API-Key"
)

// Config wires the HTTP layer. Durable may be nil when Redis is not
// configured; every session then runs degraded and resume always answers
// with "resume unavailable".
type Config struct {
	Controller *admission.Controller
	Detector   *buffer.Detector
	Durable    buffer.Store
	Fallback   buffer.Store
	Codec      *resumetoken.Codec
	Pipeline   pipeline.Pipeline
	Health     *health.Manager

	TokenTTL          time.Duration
	HeartbeatInterval time.Duration
	PipelineTimeout   time.Duration
	LivePollInterval  time.Duration

	// CoarseRPM is a per-IP guard applied before any handler runs, a cheap
	// outer ring around the admission controller. Zero disables it.
	CoarseRPM int

	Logger zerolog.Logger
}

// Server carries the handler dependencies.
type Server struct {
	cfg    Config
	logger zerolog.Logger
}

func NewServer(cfg Config) *Server {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 10 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = 2 * time.Minute
	}
	if cfg.LivePollInterval <= 0 {
		cfg.LivePollInterval = 200 * time.Millisecond
	}
	return &Server{cfg: cfg, logger: cfg.Logger.With().Str("component", "api").Logger()}
}

// Router assembles the chi router with the shared middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.accessLog)
	if s.cfg.CoarseRPM > 0 {
		r.Use(httprate.LimitByIP(s.cfg.CoarseRPM, time.Minute))
	}

	r.Get("/healthz", s.cfg.Health.ServeHealth)
	r.Get("/readyz", s.cfg.Health.ServeReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/stream", s.handleStream)
	r.Post("/stream/resume", s.handleResume)
	return r
}

// accessLog records one line per request. Streaming responses log on
// completion, so long-lived streams show their full duration.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("request")
	})
}

// clientIdentity derives the admission identity: the API key when one is
// presented, the client IP otherwise. RealIP middleware has already
// resolved forwarding headers into RemoteAddr.
func clientIdentity(r *http.Request) string {
	if key := r.Header.Get(apiKeyHeader); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
