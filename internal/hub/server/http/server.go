// Package http is the hub's REST ingress.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/autopeer-io/v2x/internal/hub/service"
	"github.com/autopeer-io/v2x/pkg/log"
	"github.com/autopeer-io/v2x/pkg/options"
)

// Check reports whether a dependency is ready to serve traffic.
type Check func(ctx context.Context) error

type Server struct {
	server  *http.Server
	router  *mux.Router
	svc     *service.Service
	checks  map[string]Check
	options *options.HttpOptions
	log     log.Logger
}

// NewServer returns a Server exposing svc. checks back /readyz.
func NewServer(opts *options.HttpOptions, svc *service.Service, checks map[string]Check) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		svc:     svc,
		checks:  checks,
		options: opts,
		log:     log.WithName("http"),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.router,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(ctx context.Context) error {
	s.log.Info("Starting HTTP Server", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.options.ShutdownTimeout > 0 {
		return s.options.ShutdownTimeout
	}
	return 5 * time.Second
}
