// Package httpapi exposes the gas station over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/gasstation/internal/logging"
	"github.com/R3E-Network/gasstation/internal/middleware"
	"github.com/R3E-Network/gasstation/services/gasstation"
)

const serviceName = "gasstation"

// Server routes requests to the station components.
type Server struct {
	station  *gasstation.Station
	log      *logging.Logger
	router   *mux.Router
	limiter  *middleware.RateLimiter
	allocate *middleware.RateLimiter
}

// New builds the router for st.
func New(st *gasstation.Station) *Server {
	log := st.Log.Component("http")
	s := &Server{
		station:  st,
		log:      log,
		router:   mux.NewRouter(),
		limiter:  middleware.NewRateLimiter(st.Config.RateLimit.RequestsPerMinute, time.Minute, log),
		allocate: middleware.NewRateLimiter(st.Config.RateLimit.AllocationsPerHour, time.Hour, log),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(
		middleware.RecoveryMiddleware(s.log),
		middleware.LoggingMiddleware(s.log),
		middleware.MetricsMiddleware(serviceName, s.station.Metrics),
		middleware.NewCORSMiddleware(s.station.Config.Server.CORSOrigins).Handler,
		s.limiter.Handler,
	)

	admin := middleware.NewAdminAuth(s.station.Config.Auth.AdminToken, s.log)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.station.Metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/token", s.handleToken).Methods(http.MethodGet)
	r.HandleFunc("/metadata", s.handleMetadata).Methods(http.MethodGet)
	r.Handle("/allocate-coin", s.allocate.Handler(http.HandlerFunc(s.handleAllocate))).Methods(http.MethodPost)
	r.HandleFunc("/sign", s.handleSign).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{jobId}/complete", s.handleComplete).Methods(http.MethodPost)
	r.HandleFunc("/balance/{token}", s.handleBalance).Methods(http.MethodGet)
	r.Handle("/deposit", admin.Handler(http.HandlerFunc(s.handleDeposit))).Methods(http.MethodPost)

	// Preflight requests reach the CORS middleware through this route.
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// StartCleanup evicts idle rate limiter entries until ctx is done.
func (s *Server) StartCleanup(ctx context.Context) {
	s.limiter.StartCleanup(ctx, time.Minute)
	s.allocate.StartCleanup(ctx, 10*time.Minute)
}

// HTTPServer returns an http.Server for the configured address.
func (s *Server) HTTPServer() *http.Server {
	cfg := s.station.Config.Server
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
}
