package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"aiminigames/sessionsync/internal/auth"
	"aiminigames/sessionsync/internal/config"
	"aiminigames/sessionsync/internal/httpapi"
	"aiminigames/sessionsync/internal/logging"
	"aiminigames/sessionsync/internal/session"
	"aiminigames/sessionsync/internal/transport/grpcapi"
	"aiminigames/sessionsync/internal/transport/ws"
)

const shutdownTimeout = 10 * time.Second

// runtimeState backs the readiness endpoint.
type runtimeState struct {
	started time.Time

	mu  sync.Mutex
	err error
}

func newRuntimeState(now time.Time) *runtimeState {
	return &runtimeState{started: now}
}

func (s *runtimeState) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *runtimeState) StartupError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *runtimeState) Uptime() time.Duration { return time.Since(s.started) }

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", logging.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func engineConfig(cfg *config.Config) session.Config {
	e := cfg.Engine
	return session.Config{
		MinCapacity:     e.MinCapacity,
		MaxCapacity:     e.MaxCapacity,
		DefaultCapacity: e.DefaultCapacity,
		MinPlayers:      e.MinPlayers,
		GraceWindow:     e.GraceWindow,
		ReplayLimit:     e.ReplayLimit,
		HistoryLimit:    e.HistoryLimit,
		QueueDepth:      e.QueueDepth,
		OutboxDepth:     e.OutboxDepth,
		CallTimeout:     e.CallTimeout,
		MaxRetries:      e.MaxRetries,
		IdleTimeout:     e.IdleTimeout,
		TombstoneTTL:    e.TombstoneTTL,
		PersistTimeout:  cfg.Sinks.PersistTimeout,
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	state := newRuntimeState(time.Now())
	group, ctx := errgroup.WithContext(ctx)

	//1.- Identity: signed tokens when a secret is configured, gateway headers otherwise.
	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		return err
	}
	if verifier == nil {
		logger.Warn("token verification disabled; trusting participant identity headers")
	}

	//2.- Record sinks come first so the engine never ends a session without them.
	sinks, err := buildSinks(ctx, cfg.Sinks, logger)
	if err != nil {
		return err
	}
	defer sinks.close(logger)
	if sinks.cleaner != nil {
		group.Go(func() error {
			sinks.cleaner.Run(ctx, cfg.Sinks.ArchiveSweepInterval)
			return nil
		})
	}

	manager := session.NewManager(engineConfig(cfg),
		session.WithLogger(logger),
		session.WithRecordSink(sinks.multi),
	)

	handlerOpts := httpapi.Options{
		Logger:         logger,
		Engine:         manager,
		Readiness:      state,
		AdminToken:     cfg.Auth.AdminToken,
		CreateLimiter:  httpapi.NewSlidingWindowLimiter(cfg.Auth.CreateWindow, cfg.Auth.CreateBurst, time.Now),
		AllowedOrigins: cfg.AllowedOrigins,
	}
	var authn ws.Authenticator = ws.HeaderAuthenticator{}
	if verifier != nil {
		handlerOpts.Verifier = verifier
		authn = ws.TokenAuthenticator{Verifier: verifier}
	}
	handlerOpts.Records = sinks.reader
	handlers := httpapi.NewHandlerSet(handlerOpts)

	wsServer := ws.NewServer(manager, authn, ws.Config{
		PingInterval:    cfg.PingInterval,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
		InboundInterval: cfg.InboundInterval,
		AllowedOrigins:  cfg.AllowedOrigins,
	}, ws.WithLogger(logger))

	mux := http.NewServeMux()
	handlers.Register(mux)
	mux.Handle("GET "+websocketPath, wsServer)
	httpServer := &http.Server{
		Addr:              cfg.Address,
		Handler:           handlers.Wrap(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer, err := buildGRPCServer(cfg, manager, verifier, logger)
	if err != nil {
		_ = manager.Close(context.Background())
		return err
	}

	//3.- Serve both listeners until the context ends or either fails.
	advertised := advertise(cfg.Address, cfg.GRPCAddress, cfg.TLSEnabled())
	group.Go(func() error {
		logger.Info("http listener ready",
			logging.String("url", advertised.HTTP),
			logging.String("websocket", advertised.WebSocket),
		)
		var serveErr error
		if cfg.TLSEnabled() {
			serveErr = httpServer.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			serveErr = httpServer.ListenAndServe()
		}
		if errors.Is(serveErr, http.ErrServerClosed) {
			return nil
		}
		state.fail(serveErr)
		return fmt.Errorf("http server: %w", serveErr)
	})
	group.Go(func() error {
		listener, err := net.Listen("tcp", cfg.GRPCAddress)
		if err != nil {
			state.fail(err)
			return fmt.Errorf("grpc listen: %w", err)
		}
		logger.Info("grpc listener ready",
			logging.String("address", listener.Addr().String()),
			logging.String("target", advertised.GRPC),
		)
		if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			state.fail(err)
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	//4.- Drain in dependency order: edges first, then the engine that flushes records.
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("websocket shutdown: %w", err))
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		stopGRPC(shutdownCtx, grpcServer)
		if err := manager.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
		}
		return errors.Join(errs...)
	})
	return group.Wait()
}

func newVerifier(cfg config.AuthConfig) (*auth.Verifier, error) {
	if cfg.JWTSecret == "" {
		return nil, nil
	}
	var opts []auth.Option
	if cfg.JWTAudience != "" {
		opts = append(opts, auth.WithAudience(cfg.JWTAudience))
	}
	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.TokenLeeway, opts...)
	if err != nil {
		return nil, fmt.Errorf("token verifier: %w", err)
	}
	return verifier, nil
}

func buildGRPCServer(cfg *config.Config, manager *session.Manager, verifier *auth.Verifier, logger *logging.Logger) (*grpc.Server, error) {
	var serverOpts []grpc.ServerOption
	if cfg.TLSEnabled() {
		creds, err := grpcapi.LoadServerTLS(cfg.TLSCertPath, cfg.TLSKeyPath, cfg.GRPCClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("grpc tls: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
	}
	if cfg.Auth.GRPCSharedSecret != "" {
		serverOpts = append(serverOpts, grpc.ChainStreamInterceptor(grpcapi.NewSharedSecretStreamInterceptor(cfg.Auth.GRPCSharedSecret)))
	}
	serviceOpts := []grpcapi.Option{grpcapi.WithLogger(logger)}
	if verifier != nil {
		serviceOpts = append(serviceOpts, grpcapi.WithVerifier(verifier))
	}
	server := grpc.NewServer(serverOpts...)
	grpcapi.Register(server, grpcapi.NewService(manager, serviceOpts...))
	return server, nil
}

// stopGRPC drains streams gracefully and forces the stop once ctx expires.
func stopGRPC(ctx context.Context, server *grpc.Server) {
	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		server.Stop()
	}
}
