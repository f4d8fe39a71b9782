package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/go-chi/stampede"
)

// Server defines HTTP server
type Server struct {
	httpServer *http.Server
	handler    *Handler
	logger     Logger
}

// Config defines webserver configuration
type Config struct {
	Address        string `mapstructure:"address"`
	RequestTimeout int    `mapstructure:"request_timeout"`
}

// New creates new server configuration and configurates middleware
func New(serverConfig Config, logger Logger, handler *Handler) *Server {
	r := chi.NewRouter()
	s := &Server{
		httpServer: &http.Server{Addr: serverConfig.Address, Handler: r},
		logger:     logger,
		handler:    handler,
	}
	// Specify here only shared middlewares
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(time.Duration(serverConfig.RequestTimeout) * time.Second))
		// Prometheus metrics
		r.Handle("/metrics", promhttp.Handler())
		r.Get("/healthz", http.HandlerFunc(handler.healthCheck))
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Use(middlewareLogger(logger))
		// Basic CORS to allow API calls from browser frontends
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: false,
			MaxAge:           300, // Maximum value not ignored by any of major browsers
		}))
		r.Use(middleware.AllowContentType("application/json"))
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(middleware.Timeout(time.Duration(serverConfig.RequestTimeout) * time.Second))
		r.Route("/feeds", func(r chi.Router) {
			// Set 1 second caching and requests coalescing to avoid requests stampede. Beware of any user specific responses.
			cached := stampede.Handler(512, 1*time.Second)

			r.With(cached).Get("/", handler.getFeeds)
			r.Post("/", handler.createFeed)

			r.Route("/{feed_id}", func(r chi.Router) {
				r.Use(handler.feedCtx) // handle feed_id
				r.Get("/", handler.getFeed)
				r.Put("/", handler.updateFeed)
				r.Delete("/", handler.deleteFeed)
			})
		})
		r.Route("/refresh", func(r chi.Router) {
			// Set 60 second caching and requests coalescing to avoid requests stampede for all feeds refresh
			cachedAll := stampede.Handler(512, 60*time.Second)
			// Set 10 second caching and requests coalescing to avoid requests stampede for one feed refresh
			cachedOne := stampede.Handler(512, 10*time.Second)
			r.With(cachedAll).Put("/", handler.refreshAllFeeds)
			r.Route("/{feed_id}", func(r chi.Router) {
				r.Use(handler.feedCtx)                          // handle feed_id
				r.With(cachedOne).Put("/", handler.refreshFeed) // PUT /refresh/sfsd-fds-fsd-fsd
			})
		})
		r.Route("/maintenance", func(r chi.Router) {
			r.Post("/purge", handler.purgeItems)
		})
	})
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Use(middlewareLogger(logger))
		r.Use(middleware.Timeout(time.Duration(serverConfig.RequestTimeout) * time.Second))
		r.Route("/opml", func(r chi.Router) {
			r.With(middleware.AllowContentType("application/xml", "text/xml", "text/x-opml")).
				Post("/import", handler.importOPML)
			r.Get("/export", handler.exportOPML)
		})
	})
	return s
}

// StartAndServe starts http server on the configured address
func (s *Server) StartAndServe() error {
	s.logger.Info("Server is ready to serve on ", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error(fmt.Sprint("Server startup failed: ", err))
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
