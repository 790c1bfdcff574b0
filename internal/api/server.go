package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/org/lockr/internal/core"
	"github.com/org/lockr/internal/probe"
	"github.com/org/lockr/internal/secret"
	"github.com/org/lockr/internal/storage"
	"github.com/org/lockr/pkg/models"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration.
type Config struct {
	ListenAddr   string
	TLSCertFile  string
	TLSKeyFile   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	RateLimit    int
	RateBurst    int
	// Operators maps hex SHA-256 token digests to operator names.
	Operators map[string]string
}

// AuditLog is what the server needs to serve audit queries.
type AuditLog interface {
	Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error)
}

// Server is the API server.
type Server struct {
	cfg     Config
	store   storage.Backend
	seal    *core.SealManager
	vault   *secret.Vault
	prober  *probe.Prober
	audit   AuditLog
	httpSrv *http.Server
}

// NewServer creates a Server. seal is nil when the vault key comes from a
// key file, in which case the init and unseal endpoints are unavailable.
func NewServer(cfg Config, store storage.Backend, seal *core.SealManager, vault *secret.Vault, prober *probe.Prober, audit AuditLog) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 2 * cfg.RateLimit
	}
	if len(cfg.Operators) == 0 {
		log.Warn().Msg("no operators configured: authenticated endpoints will refuse every request")
	}
	return &Server{
		cfg:    cfg,
		store:  store,
		seal:   seal,
		vault:  vault,
		prober: prober,
		audit:  audit,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst).middleware)
	r.Use(accessLogMiddleware)

	r.Handle("/metrics", MetricsHandler())

	// Public routes
	r.Group(func(r chi.Router) {
		r.Get("/v1/sys/health", s.HealthHandler)
		r.Get("/v1/sys/seal-status", s.SealStatusHandler)
		r.Post("/v1/sys/init", s.InitHandler)
		r.Post("/v1/sys/unseal", s.UnsealHandler)
	})

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(operatorAuth(s.cfg.Operators))

		r.Put("/v1/sys/seal", s.SealHandler)
		r.Get("/v1/sys/audit-log", s.AuditLogHandler)

		r.Get("/v1/secrets", s.SecretListHandler)
		r.Route("/v1/secrets/{scope}/{principal}", func(r chi.Router) {
			r.Post("/", s.SecretMintHandler)
			r.Get("/", s.SecretGetHandler)
			r.Post("/rotate", s.SecretRotateHandler)
			r.Post("/rollback", s.SecretRollbackHandler)
			r.Get("/versions", s.SecretVersionsHandler)
		})

		r.Post("/v1/probe", s.ProbeHandler)
		r.Post("/v1/probe/sweep", s.SweepHandler)
		r.Post("/v1/probe/principal", s.PrincipalHandler)
		r.Get("/v1/probe/{address}", s.ProbeResultHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.BuildRouter(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
