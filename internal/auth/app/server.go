package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	httpapi "github.com/keyloom/keyloom/internal/auth/api/http"
	"github.com/keyloom/keyloom/internal/auth/passkey"
	"github.com/keyloom/keyloom/internal/auth/storage/sqlite"
	"go.uber.org/zap"
)

// Server hosts the passkey service over a single HTTP listener.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      *sqlite.Store
	service    *passkey.Service
	config     Config
	logger     *zap.Logger
}

// New creates a configured server listening on the address from cfg.
func New(cfg Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := openStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}

	passkeyConfig := passkey.LoadConfigFromEnv()
	service := passkey.NewService(store, store, store, passkeyConfig, logger)
	handler := httpapi.NewHandler(service, store, logger)

	return &Server{
		listener:   listener,
		httpServer: &http.Server{Handler: httpapi.Routes(handler)},
		store:      store,
		service:    service,
		config:     cfg,
		logger:     logger,
	}, nil
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves a server until the context ends.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	server, err := New(cfg, logger)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the server and blocks until it stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closeStore()

	s.startCleanup(serveCtx, s.config.CleanupInterval)

	s.logger.Info("server listening", zap.String("addr", s.listener.Addr().String()))
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		err := <-serveErr
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	}
}

// startCleanup sweeps expired challenges on a fixed interval until the
// context ends. Issue paths sweep opportunistically as well; the ticker
// covers idle periods.
func (s *Server) startCleanup(ctx context.Context, interval time.Duration) {
	if s == nil || s.service == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.service.CleanupExpiredChallenges(ctx); err != nil {
					s.logger.Warn("challenge cleanup", zap.Error(err))
				}
			}
		}
	}()
}

func openStore(path string) (*sqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}

func (s *Server) closeStore() {
	if s == nil || s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("close store", zap.Error(err))
	}
}
