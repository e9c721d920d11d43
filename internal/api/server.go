// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package api serves the status endpoints and prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/mmsync/internal/api/handlers"
	"github.com/autobrr/mmsync/internal/library"
	"github.com/autobrr/mmsync/internal/metrics"
	"github.com/autobrr/mmsync/internal/sabnzbd"
	"github.com/autobrr/mmsync/internal/services/finalize"
	"github.com/autobrr/mmsync/internal/services/reconcile"
)

type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	addr    string
	version string

	mu    sync.Mutex
	bound net.Addr

	metrics   *metrics.Collector
	releases  *library.Cache
	finalize  *finalize.Service
	reconcile *reconcile.Service
	sabnzbd   *sabnzbd.Client
}

// Dependencies are the services the server exposes. Any of them may be nil;
// the matching routes are then left out.
type Dependencies struct {
	Host    string
	Port    int
	Version string

	Metrics   *metrics.Collector
	Releases  *library.Cache
	Finalize  *finalize.Service
	Reconcile *reconcile.Service
	Sabnzbd   *sabnzbd.Client
}

func NewServer(deps *Dependencies) *Server {
	return &Server{
		server: &http.Server{
			ReadHeaderTimeout: time.Second * 15,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      10 * time.Minute,
			IdleTimeout:       180 * time.Second,
		},
		logger:    log.Logger.With().Str("module", "api").Logger(),
		addr:      net.JoinHostPort(deps.Host, fmt.Sprint(deps.Port)),
		version:   deps.Version,
		metrics:   deps.Metrics,
		releases:  deps.Releases,
		finalize:  deps.Finalize,
		reconcile: deps.Reconcile,
		sabnzbd:   deps.Sabnzbd,
	}
}

func (s *Server) ListenAndServe() error {
	return s.open(nil)
}

// ListenAndServeReady behaves like ListenAndServe but signals once the listener is active.
// The send is non-blocking, so ready should be buffered.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	return s.open(ready)
}

// Addr returns the address the server is listening on, or nil before it is bound.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

func (s *Server) open(ready chan<- struct{}) error {
	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(s.addr, proto, ready)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", s.addr).Str("proto", proto).Msg("Failed to start server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string, ready chan<- struct{}) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	// Replace 0.0.0.0 or :: with localhost for clickable links
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Msgf("Starting status server - Open: http://%s/api/health", host)

	s.server.Handler = s.Handler()

	s.mu.Lock()
	s.bound = listener.Addr()
	s.mu.Unlock()

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	var checker handlers.ConnectivityChecker
	if s.sabnzbd != nil {
		checker = s.sabnzbd
	}
	healthHandler := handlers.NewHealthHandler(s.version, checker)

	r.Get("/health", healthHandler.HandleHealth)

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{Registry: s.metrics.Registry}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(requestLogger(s.logger))

		r.Get("/health", healthHandler.HandleHealth)
		r.Get("/sabnzbd/status", healthHandler.HandleDownloadClient)

		if s.finalize != nil {
			r.Get("/activity", handlers.NewActivityHandler(s.finalize).List)
		}

		if s.releases != nil {
			var runner handlers.FinalizeRunner
			if s.finalize != nil {
				runner = s.finalize
			}
			releasesHandler := handlers.NewReleasesHandler(s.releases, runner)

			r.Route("/releases", func(r chi.Router) {
				r.Get("/", releasesHandler.List)
				r.Route("/{artistID}/{folder}", func(r chi.Router) {
					r.Get("/", releasesHandler.Get)
					r.Post("/finalize", releasesHandler.Finalize)
				})
			})
		}

		if s.reconcile != nil {
			reconcileHandler := handlers.NewReconcileHandler(s.reconcile)
			r.Get("/reconcile/last", reconcileHandler.Last)
			r.Post("/reconcile/poll", reconcileHandler.Poll)
		}
	})

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("duration", time.Since(start)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
