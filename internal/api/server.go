// Package api exposes job submission and the process status endpoint over
// HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/documind/documind/internal/documents"
	"github.com/documind/documind/internal/events"
	"github.com/documind/documind/internal/pipelines"
	"github.com/documind/documind/internal/tracker"
)

// Submitter starts processing an uploaded file and returns its process id.
type Submitter interface {
	Submit(in pipelines.Input) (string, error)
}

// Load reports driver occupancy for the health endpoint.
type Load interface {
	Active() int
	Waiting() int
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Addr           string
	Registry       *tracker.Registry
	Runner         Submitter
	Load           Load // optional
	Hub            *events.Hub
	Store          documents.Store             // nil when no metadata store is configured
	StorePing      func(context.Context) error // optional /health check
	Answerer       pipelines.Summarizer        // backs POST /ask
	Probe          *pipelines.CachedProbe
	Backends       BackendsResponse
	UploadDir      string
	MaxUploadBytes int64
	AskTimeout     time.Duration
	APIToken       string
	AllowedOrigins []string
	Logger         *slog.Logger
	StartTime      time.Time
	Version        string
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      0, // event streams stay open until the job is terminal
			IdleTimeout:       60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
