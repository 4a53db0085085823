package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/whookdev/inspector/internal/config"
	"github.com/whookdev/inspector/internal/handlers"
)

type Handlers struct {
	Capture  *handlers.CaptureHandler
	Projects *handlers.ProjectHandler
	Requests *handlers.RequestHandler
}

type Server struct {
	cfg    *config.Config
	h      Handlers
	server *http.Server
	logger *slog.Logger
}

func New(cfg *config.Config, h Handlers, logger *slog.Logger) (*Server, error) {
	if h.Capture == nil || h.Projects == nil || h.Requests == nil {
		return nil, fmt.Errorf("all handlers are required")
	}
	logger = logger.With("component", "server")

	s := &Server{
		cfg:    cfg,
		h:      h,
		logger: logger,
	}

	s.server = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api", func(r chi.Router) {
		r.HandleFunc("/x/{projectID}", s.h.Capture.HandleCapture)
		r.HandleFunc("/x/{projectID}/{status:(200|401|404|500)}", s.h.Capture.HandleCapture)

		r.Get("/projects", s.h.Projects.HandleList)
		r.Post("/projects", s.h.Projects.HandleCreate)
		r.Route("/projects/{id}", func(r chi.Router) {
			r.Get("/", s.h.Projects.HandleGet)
			r.Patch("/", s.h.Projects.HandleUpdate)
			r.Delete("/", s.h.Projects.HandleDelete)
			r.Get("/requests", s.h.Requests.HandleList)
			r.Post("/backrun", s.h.Requests.HandleBackrun)
		})
		r.Get("/requests/{id}", s.h.Requests.HandleGet)
	})

	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "error", err)
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

func (s *Server) Shutdown() error {
	s.logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
