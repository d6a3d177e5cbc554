package webchat

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/jiminy/pkg/engine"
)

// Server drives the HTTP server and chat engine lifecycle.
type Server struct {
	baseCtx context.Context
	router  *Router
	svc     *engine.Service
	httpSrv *http.Server
}

// NewServer builds a Router and http.Server pair around a chat engine.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	r, err := NewRouter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Server{
		baseCtx: ctx,
		router:  r,
		svc:     cfg.Service,
		httpSrv: r.BuildHTTPServer(),
	}, nil
}

func (s *Server) Router() *Router { return s.router }

func (s *Server) HTTPServer() *http.Server {
	if s == nil {
		return nil
	}
	return s.httpSrv
}

// Run serves HTTP until the context is cancelled or an interrupt arrives,
// then shuts down gracefully: stop accepting requests, close websocket
// pools, and flush unsaved conversation state.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.router == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()
		shutdownBase := context.WithoutCancel(ctx)
		shutdownCtx, cancel := context.WithTimeout(shutdownBase, 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		s.router.Close()
		if err := s.svc.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("engine close error")
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting chat server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}
