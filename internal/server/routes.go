package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/maauso/patina-api/internal/metrics"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
	// RateLimitRPS is the sustained request rate allowed per client.
	// Zero disables rate limiting.
	RateLimitRPS float64
	// RateLimitBurst is the request burst allowed per client.
	RateLimitBurst int
	// TrustProxy keys rate limiting on X-Forwarded-For instead of the peer
	// address. Enable only behind a reverse proxy that sets the header.
	TrustProxy bool
}

// NewRouter creates a new HTTP router with all routes configured. m may be
// nil, in which case no metrics are collected or exposed.
func NewRouter(h *Handlers, logger *slog.Logger, m *metrics.Metrics, cfg Config) http.Handler {
	r := chi.NewRouter()

	r.Use(ChainMiddleware(
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
	))
	if m != nil {
		r.Use(metrics.RequestMiddleware(m))
	}

	r.Get("/health", h.Health)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler(func() {
			m.SetActiveSessions(h.service.Count())
		}))
	}

	r.Route("/sessions", func(r chi.Router) {
		if cfg.RateLimitRPS > 0 {
			var onReject func()
			if m != nil {
				onReject = m.IncRateLimited
			}
			keyFunc := ClientIP
			if cfg.TrustProxy {
				keyFunc = ForwardedClientIP
			}
			r.Use(NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, onReject).Middleware(keyFunc))
		}

		r.Post("/", h.CreateSession)
		r.Get("/", h.ListSessions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.DeleteSession)
			r.Post("/load", h.LoadSession)
			r.Put("/input", h.UploadInput)
			r.Put("/iterations", h.SetIterations)
			r.Post("/run", h.StartRun)
			r.Post("/reset", h.Reset)
			r.Get("/output", h.GetOutput)
			r.Get("/events", h.Events)
		})
	})

	return r
}
