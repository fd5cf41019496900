package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/chaindoc/internal/config"
	"github.com/foxzi/chaindoc/internal/document"
	"github.com/foxzi/chaindoc/internal/metrics"
	"github.com/foxzi/chaindoc/internal/pipeline"
	"github.com/foxzi/chaindoc/internal/template"
)

// Service is the pipeline surface the API exposes
type Service interface {
	CreateTemplate(ctx context.Context, issuerID string, in pipeline.TemplateInput) (*template.Template, error)
	UpdateTemplate(ctx context.Context, issuerID, id string, upd pipeline.TemplateUpdate) (*pipeline.UpdateResult, error)
	GetTemplate(ctx context.Context, issuerID, id string) (*template.Template, error)
	TemplateSource(ctx context.Context, issuerID, id string) (string, error)
	ListTemplates(ctx context.Context, issuerID string, page, limit int, search string) (*pipeline.TemplatePage, error)

	IssueDocument(ctx context.Context, issuerID string, in pipeline.IssueInput) (*document.Document, error)
	GetDocument(ctx context.Context, issuerID, id string) (*document.Document, error)
	ListDocuments(ctx context.Context, issuerID string, page, limit int, templateID string) (*pipeline.DocumentPage, error)
	RevokeDocument(ctx context.Context, issuerID, id string) (*document.Document, error)
	RenderDocument(ctx context.Context, issuerID, templateID string, data map[string]string) (*pipeline.Rendered, error)
	VerifyDocument(ctx context.Context, req pipeline.VerifyRequest) (*pipeline.VerifyResult, error)

	Dashboard(ctx context.Context, issuerID string) (*pipeline.Dashboard, error)
}

// Options contains the dependencies of a Server. Collector is optional.
type Options struct {
	Service   Service
	Config    *config.APIConfig
	Collector *metrics.Collector
	Version   string
	Logger    *slog.Logger
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	service    Service
	config     *config.APIConfig
	collector  *metrics.Collector
	version    string
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:    chi.NewRouter(),
		service:   opts.Service,
		config:    opts.Config,
		collector: opts.Collector,
		version:   opts.Version,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware(s.collector))

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.bodyLimit)

		r.Route("/templates", func(r chi.Router) {
			r.Post("/", s.handleCreateTemplate)
			r.Get("/", s.handleListTemplates)
			r.Get("/{id}", s.handleGetTemplate)
			r.Put("/{id}", s.handleUpdateTemplate)
			r.Get("/{id}/source", s.handleTemplateSource)
		})

		r.Route("/documents", func(r chi.Router) {
			r.Post("/", s.handleIssueDocument)
			r.Get("/", s.handleListDocuments)
			r.Post("/render", s.handleRenderDocument)
			r.Post("/verify", s.handleVerifyDocument)
			r.Get("/{id}", s.handleGetDocument)
			r.Post("/{id}/revoke", s.handleRevokeDocument)
		})

		r.Get("/dashboard", s.handleDashboard)
	})
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
