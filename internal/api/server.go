// Package api is the local viewer API: it accepts an image for stylization
// and exposes the current run as JSON and as a server-sent event relay.
package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/toonify/toonify-agent/internal/stages"
	"github.com/toonify/toonify-agent/internal/transfer"
)

// DefaultMaxUploadBytes caps the multipart body of POST /runs.
const DefaultMaxUploadBytes = 32 << 20

// RunController is the part of transfer.Controller the API drives.
type RunController interface {
	StartRun(ctx context.Context, filename string, blob io.Reader, cfg transfer.RunConfig) error
	Cancel()
	Projection() transfer.Projection
}

// ArtifactResolver turns an artifact locator into a fetchable URL.
type ArtifactResolver interface {
	ArtifactURL(locator string) string
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port           int
	Controller     RunController
	Registry       *stages.Registry
	Artifacts      ArtifactResolver
	Defaults       transfer.RunConfig
	MaxUploadBytes int64
	Logger         *slog.Logger
	StartTime      time.Time
	Version        string
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:        fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:     router,
			ReadTimeout: 30 * time.Second,
			// Event relays stay open for the life of the client.
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
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
