package webinterview

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
)

// Evicter is implemented by session stores that need an active expiry loop.
type Evicter interface {
	StartEvictionLoop(ctx context.Context, interval time.Duration)
}

// Closer is anything that must be closed on shutdown, in order.
type Closer interface {
	Close() error
}

// Server drives the HTTP server lifecycle plus store eviction.
type Server struct {
	httpSrv       *http.Server
	evicter       Evicter
	evictInterval time.Duration
	closers       []Closer
	signals       []os.Signal
}

type ServerOption func(*Server)

func WithEviction(e Evicter, interval time.Duration) ServerOption {
	return func(s *Server) {
		s.evicter = e
		s.evictInterval = interval
	}
}

// WithClosers registers resources closed after the HTTP server stopped.
func WithClosers(c ...Closer) ServerOption {
	return func(s *Server) { s.closers = append(s.closers, c...) }
}

func NewServer(addr string, handler http.Handler, opts ...ServerOption) *Server {
	s := &Server{
		httpSrv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       60 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		signals: []os.Signal{os.Interrupt, syscall.SIGTERM},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) HTTPServer() *http.Server {
	if s == nil {
		return nil
	}
	return s.httpSrv
}

// Run serves until ctx is cancelled or an interrupt arrives, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	if s.evicter != nil && s.evictInterval > 0 {
		s.evicter.StartEvictionLoop(srvCtx, s.evictInterval)
	}

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, s.signals...)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		for _, c := range s.closers {
			if err := c.Close(); err != nil {
				log.Error().Err(err).Msg("close error during shutdown")
			}
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting interview server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	return eg.Wait()
}
