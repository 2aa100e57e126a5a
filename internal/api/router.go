package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/nikhilbhutani/groundedqa/internal/api/handlers"
	"github.com/nikhilbhutani/groundedqa/internal/api/middleware"
	"github.com/nikhilbhutani/groundedqa/internal/config"
)

// Service is everything the HTTP surface needs from the QA pipeline.
type Service interface {
	handlers.Answerer
	handlers.Indexer
}

type Deps struct {
	Config   *config.Config
	Service  Service
	Stats    handlers.StatsReader
	Enqueuer handlers.Enqueuer // nil indexes inline
	Auth     func(http.Handler) http.Handler
	Limiter  *middleware.RateLimiter // nil disables limiting
	Checks   map[string]handlers.Checker
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	cfg := d.Config

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins, cfg.Auth.TenantHeader))

	health := handlers.NewHealthHandler(d.Checks)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)

	docH := handlers.NewDocumentHandler(d.Service, d.Enqueuer, cfg.Server.MaxUploadBytes)
	ragH := handlers.NewRAGHandler(d.Service, d.Stats)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(d.Auth)
		r.Use(middleware.RecordTenant)
		if d.Limiter != nil {
			r.Use(d.Limiter.Limit)
		}

		r.Post("/documents", docH.Upload)
		r.Post("/documents/text", docH.IngestText)
		r.Post("/rebuild", docH.Rebuild)

		r.Post("/ask", ragH.Ask)
		r.Post("/search", ragH.Search)
		r.Get("/index", ragH.Index)
	})

	return r
}
