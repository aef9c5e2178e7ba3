package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Server manages the HTTP server lifecycle for the daemon.
type Server struct {
	http   *http.Server
	logger *zap.Logger
}

// NewServer creates the HTTP server bound to the configured listen address.
func NewServer(p Params, api *API, logger *zap.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:              p.Config.ListenAddr,
			Handler:           api.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start begins serving requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("http server stopping")
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("shutdown error", zap.Error(err))
	}
}
