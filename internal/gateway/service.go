// Package gateway is the agent's HTTP surface for the portal front-end:
// health, metrics and the recipient's "shared with me" listing.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/medrex/dlt-keyx/pkg/logger"
	"github.com/medrex/dlt-keyx/pkg/monitoring"
	"github.com/medrex/dlt-keyx/pkg/types"
	"github.com/sirupsen/logrus"
)

// Records is the read side of the records service
type Records interface {
	SharedWithMe(ctx context.Context, recipient types.Identity) ([]types.SharedRecord, error)
	GrantStatus(ctx context.Context, tuple types.GrantTuple) (types.GrantState, error)
}

// Config holds the gateway configuration
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// JWTSecret enables bearer authentication; empty leaves the API open
	JWTSecret   string
	Issuer      string
	RateLimit   int
	RatePeriod  time.Duration
	MetricsPath string
	HealthPath  string
}

// Service is the agent HTTP server
type Service struct {
	router      *mux.Router
	server      *http.Server
	records     Records
	health      *monitoring.HealthManager
	monitor     *monitoring.MonitoringMiddleware
	tokens      *TokenValidator
	rateLimiter *RateLimiter
	log         *logrus.Entry
}

// NewService creates the server. health and monitor may be nil.
func NewService(cfg Config, records Records, health *monitoring.HealthManager, monitor *monitoring.MonitoringMiddleware, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Discard()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}

	s := &Service{
		router:  mux.NewRouter(),
		records: records,
		health:  health,
		monitor: monitor,
		log:     log.WithComponent("gateway"),
	}
	if cfg.JWTSecret != "" {
		s.tokens = NewTokenValidator(cfg.JWTSecret, cfg.Issuer)
	}
	if cfg.RateLimit > 0 && cfg.RatePeriod > 0 {
		s.rateLimiter = NewRateLimiter(cfg.RateLimit, cfg.RatePeriod, nil)
	}

	s.setupRoutes(cfg)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler
func (s *Service) Handler() http.Handler {
	return s.router
}

func (s *Service) setupRoutes(cfg Config) {
	s.router.Use(securityHeadersMiddleware)
	s.router.Use(s.monitor.HTTPMiddleware)

	if s.health != nil {
		s.router.Handle(cfg.HealthPath, s.health.HTTPHandler()).Methods(http.MethodGet)
	}
	if metrics := s.monitor.Metrics(); metrics != nil {
		s.router.Handle(cfg.MetricsPath, metrics.Handler()).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.Use(s.rateLimitMiddleware)
	api.HandleFunc("/shared/{address}", s.handleSharedWith).Methods(http.MethodGet)
	api.HandleFunc("/grants/{owner}/{document}/{recipient}", s.handleGrantStatus).Methods(http.MethodGet)
}

// Start serves until Stop is called
func (s *Service) Start() error {
	s.log.WithField("addr", s.server.Addr).Info("Starting agent gateway")
	if s.rateLimiter != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.server.RegisterOnShutdown(cancel)
		go s.rateLimiter.RunCleanup(ctx, time.Hour)
	}
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully
func (s *Service) Stop(ctx context.Context) error {
	s.log.Info("Stopping agent gateway")
	return s.server.Shutdown(ctx)
}
