// ABOUTME: Server wiring and lifecycle for the courier-hub HTTP surface
// ABOUTME: Manages TCP or tsnet listeners, route registration, and shutdown

package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/courier-hub/internal/auth"
	"github.com/2389/courier-hub/internal/broadcast"
	"github.com/2389/courier-hub/internal/config"
	"github.com/2389/courier-hub/internal/dedupe"
	"github.com/2389/courier-hub/internal/push"
	"github.com/2389/courier-hub/internal/reply"
	"github.com/2389/courier-hub/internal/store"
	"github.com/2389/courier-hub/internal/transport"
	"github.com/2389/courier-hub/internal/whitelist"
)

// Server hosts the courier-hub HTTP surface: the transport webhook, the
// client API, and the SSE stream.
type Server struct {
	config      *config.Config
	relay       *Relay
	store       store.Store
	broadcaster *broadcast.Broadcaster
	dedupe      *dedupe.Tracker
	push        *push.Notifier
	catalog     *reply.Catalog
	verifier    *auth.JWTVerifier // nil when auth is disabled
	logger      *slog.Logger

	webhookSecret     string
	heartbeatInterval time.Duration

	httpServer  *http.Server
	tsnetServer *tsnet.Server
}

// initStore creates the store from config and environment.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COURIER_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// NewServer assembles the full relay stack from configuration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	catalog, err := reply.LoadCatalog(cfg.Reply.PersonasFile)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("loading personas: %w", err)
	}

	persona := catalog.Default()
	if cfg.Reply.Persona != "" {
		p, ok := catalog.Get(cfg.Reply.Persona)
		if !ok {
			_ = st.Close()
			return nil, fmt.Errorf("unknown persona %q", cfg.Reply.Persona)
		}
		persona = p
	}

	broadcaster := broadcast.New(logger.With("component", "broadcaster"))
	dedupeTracker := dedupe.NewTracker(5*time.Minute, 100_000) // 5min window, 100k entries
	guard := whitelist.New(cfg.Whitelist.AllowedRecipients)
	notifier := push.NewNotifier(cfg.Push.Endpoint, cfg.Push.AuthToken, cfg.Push.Topic, st, cfg.Push.Timeout)
	transportClient := transport.NewClient(cfg.Transport.APIURL, cfg.Transport.APIKey, cfg.Transport.Timeout)

	var gen generator
	if cfg.Reply.Enabled {
		gen = reply.NewGenerator(cfg.Reply.APIKey, cfg.Reply.BaseURL, cfg.Reply.Model, cfg.Reply.Timeout)
		logger.Info("automated replies enabled", "model", cfg.Reply.Model, "persona", persona.Name)
	} else {
		logger.Info("automated replies disabled")
	}

	rl := New(Config{
		Store:        st,
		Broadcaster:  broadcaster,
		Guard:        guard,
		Dedupe:       dedupeTracker,
		Transport:    transportClient,
		Generator:    gen,
		Persona:      *persona,
		Push:         notifier,
		Identity:     cfg.Identity.Address,
		ReplyTimeout: cfg.Reply.Timeout,
		Logger:       logger.With("component", "relay"),
	})

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	s := &Server{
		config:            cfg,
		relay:             rl,
		store:             st,
		broadcaster:       broadcaster,
		dedupe:            dedupeTracker,
		push:              notifier,
		catalog:           catalog,
		verifier:          verifier,
		logger:            logger.With("component", "server"),
		webhookSecret:     cfg.Webhook.Secret,
		heartbeatInterval: defaultHeartbeatInterval,
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// routes builds the HTTP mux. Client API endpoints sit behind the JWT
// middleware when auth is configured; the webhook and health endpoints
// never do (the webhook has its own shared-secret gate).
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)
	mux.HandleFunc("/new-message", s.handleWebhook)

	api := map[string]http.HandlerFunc{
		"/api/v1/chats":             s.handleChats,
		"/api/v1/chats/":            s.handleChatByID,
		"/api/v1/messages":          s.handleMessages,
		"/api/v1/messages/send":     s.handleSend,
		"/api/v1/stream":            s.handleStream,
		"/api/v1/device/register":   s.handleDeviceRegister,
		"/api/v1/device/unregister": s.handleDeviceUnregister,
		"/api/v1/bots":              s.handleBots,
	}

	if s.verifier != nil {
		middleware := auth.Middleware(s.verifier)
		for path, handler := range api {
			mux.Handle(path, middleware(handler))
		}
		mux.HandleFunc("/api/v1/auth/signup", s.handleSignup)
		mux.HandleFunc("/api/v1/auth/login", s.handleLogin)
		s.logger.Info("HTTP auth middleware enabled")
	} else {
		for path, handler := range api {
			mux.HandleFunc(path, handler)
		}
		s.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	return mux
}

// Run starts the server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (s *Server) Run(ctx context.Context) error {
	listener, err := s.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", listener.Addr().String())
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the server and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	// Let in-flight reply flows finish before the store goes away
	s.relay.Wait()

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}

	s.broadcaster.Close()
	errs = appendCloseError(errs, "store close", s.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// setupListener creates a listener based on configuration (Tailscale or TCP).
func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", s.config.Server.HTTPAddr)
		}
		return s.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "courier-hub", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet server and returns its HTTP listener.
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	s.logTailscaleStatus(tsCfg.Hostname, status)

	return s.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (s *Server) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		s.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := s.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	case tsCfg.CertFile != "" && tsCfg.KeyFile != "":
		return s.createTailscaleTLSListener(tsCfg)
	default:
		ln, err := s.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = s.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener serves HTTPS with the configured cert pair.
func (s *Server) createTailscaleTLSListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	s.logger.Info("enabling HTTPS on :443", "cert_file", tsCfg.CertFile)
	cert, err := tls.LoadX509KeyPair(tsCfg.CertFile, tsCfg.KeyFile)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("loading TLS cert pair: %w", err)
	}
	ln, err := s.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}
