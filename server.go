package syncd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/syncd/internal/auth"
	"pkt.systems/syncd/internal/httpapi"
	"pkt.systems/syncd/internal/storage"
	"pkt.systems/syncd/internal/svcfields"
	"pkt.systems/syncd/internal/synctime"
	"pkt.systems/syncd/internal/txn"
)

// Server wraps the HTTP server, transaction manager and storage backend.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	backend      storage.Backend
	txns         *txn.Manager
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	telemetry    *telemetryBundle
	lastServeErr error

	mu        sync.Mutex
	shutdown  bool
	readyOnce sync.Once
	readyCh   chan struct{}

	purgeStop chan struct{}
	purgeDone chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger  pslog.Logger
	Backend storage.Backend
	Clock   synctime.Clock
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend. The server takes ownership and
// closes it on shutdown.
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c synctime.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// NewServer constructs a syncd server according to cfg.
// Example:
//
//	cfg := syncd.Config{Store: "mem://", Listen: ":8000", MasterSecret: secret}
//	srv, err := syncd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := o.Clock
	if clk == nil {
		clk = synctime.Real{}
	}

	telemetry, err := setupTelemetry(context.Background(), telemetryOptions{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsListen:  cfg.MetricsListen,
		PprofListen:    cfg.PprofListen,
		RuntimeMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		if telemetry != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = telemetry.Shutdown(shutdownCtx)
			cancel()
		}
	}

	backend := o.Backend
	if backend == nil {
		backend, err = openBackend(cfg, logger, clk)
		if err != nil {
			cleanup()
			return nil, err
		}
	}
	closeBackend := func() {
		_ = backend.Close()
		cleanup()
	}

	secrets, err := auth.NewSecrets(cfg.MasterSecret)
	if err != nil {
		closeBackend()
		return nil, err
	}
	txns, err := txn.NewManager(txn.Config{
		Backend:     backend,
		PoolSize:    cfg.PoolSize,
		PoolTimeout: cfg.PoolTimeout,
		LockTimeout: cfg.LockTimeout,
		Clock:       clk,
		Logger:      logger,
	})
	if err != nil {
		closeBackend()
		return nil, err
	}
	handler, err := httpapi.New(httpapi.Config{
		Transactions:      txns,
		Verifier:          auth.NewVerifier(secrets, cfg.AuthClockSkew, clk.Now),
		Clock:             clk,
		Logger:            logger,
		MaxRequestBytes:   cfg.MaxRequestBytes,
		RetryAfter:        cfg.RetryAfter,
		EnableHTTPTracing: cfg.HTTPTracing,
	})
	if err != nil {
		txns.Close()
		closeBackend()
		return nil, err
	}
	mux := http.NewServeMux()
	handler.Register(mux)

	httpLogger := svcfields.WithSubsystem(logger, "http.server")
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(serverErrorWriter{logger: httpLogger}, "", 0),
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}

	srv := &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, "server"),
		backend:   backend,
		txns:      txns,
		handler:   handler,
		httpSrv:   httpSrv,
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
	}
	if purger, ok := backend.(storage.Purger); ok && cfg.PurgeInterval > 0 {
		srv.purgeStop = make(chan struct{})
		srv.purgeDone = make(chan struct{})
		go srv.runPurger(purger, clk, cfg.PurgeInterval, svcfields.WithSubsystem(logger, "storage.purge"))
	}
	return srv, nil
}

// runPurger removes expired items every interval until Shutdown.
func (s *Server) runPurger(p storage.Purger, clk synctime.Clock, interval time.Duration, logger pslog.Logger) {
	defer close(s.purgeDone)
	for {
		select {
		case <-s.purgeStop:
			return
		case <-clk.After(interval):
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		purged, err := p.PurgeExpired(ctx, synctime.Now(clk))
		cancel()
		if err != nil {
			logger.Warn("storage.purge.failed", "error", err)
			continue
		}
		logger.Debug("storage.purge.complete", "purged", purged)
	}
}

// serverErrorWriter routes net/http's internal error log into pslog.
type serverErrorWriter struct {
	logger pslog.Logger
}

func (w serverErrorWriter) Write(p []byte) (int, error) {
	w.logger.Warn("http.server.error", "error", strings.TrimSpace(string(p)))
	return len(p), nil
}

// Handler returns the underlying HTTP handler so syncd can be mounted inside
// an existing mux.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("server.listening", "network", s.cfg.ListenProto, "address", ln.Addr().String(), "store", s.cfg.Store)
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown drains in-flight requests, then releases the transaction manager,
// the backend and telemetry. Repeated calls are no-ops.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.mu.Lock()
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.mu.Unlock()
	if s.purgeStop != nil {
		close(s.purgeStop)
		<-s.purgeDone
	}
	s.txns.Close()
	if err := s.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage close: %w", err))
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	if s.cfg.ListenProto == "unix" && s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// Close gracefully shuts the server down using the configured shutdown
// timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastServeErr = err
}

// LastServeError reports the error returned by the most recent Serve call.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer builds and starts a server in the background. It returns once
// the listener is bound, together with a stop function that shuts the server
// down and waits for Start to return. Cancelling ctx also stops the server.
//
// Example:
//
//	srv, stop, err := syncd.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	ready := make(chan error, 1)
	go func() { ready <- srv.WaitUntilReady(waitCtx) }()
	select {
	case err := <-ready:
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			<-errCh
			return nil, nil, err
		}
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = errors.New("server stopped before becoming ready")
		}
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
			}
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
