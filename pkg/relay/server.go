// Package relay is a small room relay: clients join a room over a websocket and
// every frame one of them sends is broadcast to all of them.
package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/roomchat/pkg/transport/wsconn"
)

type Settings struct {
	Addr            string           `yaml:"addr"`
	Rooms           []string         `yaml:"rooms"`
	AutoCreateRooms bool             `yaml:"auto-create-rooms"`
	AllowedOrigins  []string         `yaml:"allowed-origins"`
	IdleTimeout     time.Duration    `yaml:"idle-timeout"`
	SendBuffer      int              `yaml:"send-buffer"`
	KeepAlive       wsconn.KeepAlive `yaml:"-"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:        ":8000",
		IdleTimeout: 5 * time.Minute,
		SendBuffer:  64,
		KeepAlive:   wsconn.DefaultKeepAlive(),
	}
}

type Server struct {
	registry *Registry
	metrics  *Metrics
	httpSrv  *http.Server
	log      zerolog.Logger
}

type ServerOption func(*Server)

func WithLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.log = logger
	}
}

func NewServer(s Settings, opts ...ServerOption) (*Server, error) {
	if s.Addr == "" {
		return nil, errors.New("relay: listen address is empty")
	}
	srv := &Server{log: log.Logger}
	for _, opt := range opts {
		opt(srv)
	}
	srv.log = srv.log.With().Str("component", "relay").Logger()
	srv.registry = NewRegistry(s, srv.log)
	srv.metrics = newMetrics(srv.registry)

	mux := http.NewServeMux()
	mux.Handle("/chat", NewHandler(srv.registry, s, srv.metrics, srv.log))
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.Handle("/metrics", srv.metrics.Handler())
	srv.httpSrv = &http.Server{
		Addr:              s.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv, nil
}

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Metrics() *Metrics { return s.metrics }

func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":       "ok",
		"rooms":        len(s.registry.Rooms()),
		"participants": s.registry.Participants(),
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.httpSrv.Addr)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		s.log.Info().Str("addr", ln.Addr().String()).Strs("rooms", s.registry.Rooms()).Msg("relay listening")
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve")
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		s.log.Info().Msg("shutting down relay")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		// hijacked websocket connections are not tracked by Shutdown
		s.registry.Close()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("relay shutdown error")
			return err
		}
		s.log.Info().Msg("relay shutdown complete")
		return nil
	})

	return eg.Wait()
}
