// Package gateway assembles the middleware stack in front of Weblate, and
// serves it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"lds.li/weblategate/csrf"
	"lds.li/weblategate/httperror"
	"lds.li/weblategate/internal/config"
	"lds.li/weblategate/metrics"
	"lds.li/weblategate/middleware"
	"lds.li/weblategate/proxyhdrs"
	"lds.li/weblategate/remoteuser"
	"lds.li/weblategate/remoteuser/pgstore"
	"lds.li/weblategate/requestid"
	"lds.li/weblategate/requestlog"
	"lds.li/weblategate/session"
	"lds.li/weblategate/session/pgxkv"
	"lds.li/weblategate/session/rediskv"
)

// Names of the chain entries, for callers that adjust the chain.
const (
	MiddlewareRequestID      = "requestid"
	MiddlewareRequestLog     = "requestlog"
	MiddlewareBaseHeaders    = "baseheaders"
	MiddlewareErrors         = "httperror"
	MiddlewareRemoteIP       = "remoteip"
	MiddlewareForceTLS       = "forcetls"
	MiddlewareTrustedHeaders = "trustedheaders"
	MiddlewareSession        = "session"
	MiddlewareRemoteUser     = "remoteuser"
	MiddlewareRequireUser    = "requireuser"
	MiddlewareCSRF           = "csrf"
)

const healthzPath = "/healthz"

type Gateway struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	chain    middleware.Chain
	proxy    *httputil.ReverseProxy
	sessions *session.Manager
	csrf     csrf.Protection

	closers []func()
}

// New builds the gateway for cfg, connecting to any configured stores. ctx
// bounds background work such as session garbage collection. Close releases
// the connections.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Gateway, retErr error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
	}
	defer func() {
		if retErr != nil {
			g.Close()
		}
	}()

	upstream, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream: %w", err)
	}
	userHeader, err := remoteuser.ParseHeader(cfg.RemoteUser.Header)
	if err != nil {
		return nil, fmt.Errorf("remote user header: %w", err)
	}
	trustedProxies, err := proxyhdrs.ParsePrefixes(cfg.Proxy.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	ipFormat, ok := proxyhdrs.ParseForwardedIPHeaderFormat(cfg.Proxy.ForwardedIPFormat)
	if !ok {
		return nil, fmt.Errorf("forwarded ip format %q must be exact, first or last", cfg.Proxy.ForwardedIPFormat)
	}

	var pool *pgxpool.Pool
	if cfg.Session.Store == config.SessionStorePostgres || cfg.RemoteUser.UserStore == config.UserStorePostgres {
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		g.closers = append(g.closers, pool.Close)
	}

	g.sessions, err = g.newSessionManager(ctx, pool)
	if err != nil {
		return nil, err
	}
	users, err := g.newUserStore(ctx, pool)
	if err != nil {
		return nil, err
	}

	backend := remoteuser.NewStoreBackend(users)
	backend.CreateUnknownUser = cfg.RemoteUser.CreateUnknown()
	backend.Metrics = g.metrics
	if cfg.RemoteUser.LowercaseUsernames {
		backend.Clean = strings.ToLower
	}

	csrfConfig := csrf.Config{
		Mode:           cfg.CSRF.Mode,
		TrustedOrigins: cfg.CSRF.TrustedOrigins,
		BypassPatterns: cfg.CSRF.BypassPatterns,
		Metrics:        g.metrics,
	}
	if cfg.CSRF.FailureStatus != 0 {
		csrfConfig.FailureHandler = csrfFailureHandler(cfg.CSRF.FailureStatus)
	}
	g.csrf, err = csrf.New(csrfConfig)
	if err != nil {
		return nil, err
	}

	var ru *remoteuser.Middleware
	if cfg.RemoteUser.Persistent {
		ru = remoteuser.NewPersistent(backend, g.sessions)
	} else {
		ru = remoteuser.New(backend, g.sessions)
	}
	ru.Header = userHeader
	ru.CSRF = g.csrf
	ru.Metrics = g.metrics

	g.proxy = newProxy(upstream, userHeader, cfg.UpstreamUserHeader)

	g.chain.Append(MiddlewareRequestID, (&requestid.Middleware{
		TrustedHeaders: []string{requestid.RequestIDHeader},
		EchoHeader:     true,
	}).Handler)
	g.chain.Append(MiddlewareRequestLog, (&requestlog.RequestLogger{
		Logger:  logger,
		Metrics: g.metrics,
	}).Handler)
	g.chain.Append(MiddlewareBaseHeaders, baseHeaders)
	g.chain.Append(MiddlewareErrors, (&httperror.Handler{RecoverPanic: true}).Handle)
	// Identity headers are checked against the real peer, before RemoteIP
	// replaces it with the forwarded client address.
	g.chain.Append(MiddlewareTrustedHeaders, (&proxyhdrs.TrustedHeaders{
		Headers:        []string{userHeader},
		TrustedProxies: trustedProxies,
	}).Handle)
	if cfg.Proxy.ForwardedIPHeader != "" {
		g.chain.Append(MiddlewareRemoteIP, (&proxyhdrs.RemoteIP{
			ForwardedIPHeader:       cfg.Proxy.ForwardedIPHeader,
			ForwardedIPHeaderFormat: ipFormat,
			TrustedProxies:          trustedProxies,
		}).Handle)
	}
	if cfg.Proxy.ForceTLS {
		g.chain.Append(MiddlewareForceTLS, (&proxyhdrs.ForceTLS{
			ForwardedProtoHeader: cfg.Proxy.ForwardedProtoHeader,
		}).Handle)
	}
	g.chain.Append(MiddlewareSession, g.sessions.Wrap)
	g.chain.Append(MiddlewareRemoteUser, ru.Handler)
	if cfg.RemoteUser.RequireUser {
		exempt := cfg.RemoteUser.ExemptPaths
		g.chain.Append(MiddlewareRequireUser, func(next http.Handler) http.Handler {
			return remoteuser.RequireUser(next, exempt...)
		})
	}
	g.chain.Append(MiddlewareCSRF, g.csrf.Handler)

	return g, nil
}

func (g *Gateway) newSessionManager(ctx context.Context, pool *pgxpool.Pool) (*session.Manager, error) {
	sc := g.cfg.Session
	opts := &session.ManagerOpts{
		IdleTimeout: sc.IdleTimeout,
		MaxLifetime: sc.MaxLifetime,
	}
	if sc.CookieName != "" || sc.InsecureCookie || sc.PersistCookie {
		co := &session.CookieOpts{
			Name:     sc.CookieName,
			Insecure: sc.InsecureCookie,
			Persist:  sc.PersistCookie,
		}
		if co.Name == "" {
			// The __Host- prefix is only valid on secure cookies.
			co.Name = "weblategate"
			if !co.Insecure {
				co.Name = "__Host-weblategate"
			}
		}
		opts.CookieOpts = co
	}

	switch sc.Store {
	case config.SessionStoreCookie:
		cur, prev, err := sc.Keys()
		if err != nil {
			return nil, err
		}
		aead, err := session.NewXChaPolyAEAD(cur, prev)
		if err != nil {
			return nil, fmt.Errorf("session key: %w", err)
		}
		return session.NewCookieManager(aead, opts)

	case config.SessionStoreMemory:
		return session.NewKVManager(session.NewMemoryKV(), opts)

	case config.SessionStorePostgres:
		kv := pgxkv.New(pool, nil)
		if err := kv.Migrate(ctx); err != nil {
			return nil, err
		}
		if sc.GCInterval > 0 {
			kv.RunGC(ctx, sc.GCInterval, g.logger)
		}
		return session.NewKVManager(kv, opts)

	case config.SessionStoreRedis:
		kv, err := rediskv.NewFromURL(sc.RedisURL, nil)
		if err != nil {
			return nil, err
		}
		g.closers = append(g.closers, func() { _ = kv.Close() })
		if err := kv.Ping(ctx); err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return session.NewKVManager(kv, opts)

	default:
		return nil, fmt.Errorf("unknown session store %q", sc.Store)
	}
}

func (g *Gateway) newUserStore(ctx context.Context, pool *pgxpool.Pool) (remoteuser.UserStore, error) {
	switch g.cfg.RemoteUser.UserStore {
	case "", config.UserStoreMemory:
		return remoteuser.NewMemoryStore(), nil
	case config.UserStorePostgres:
		s := pgstore.New(pool, nil)
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown user store %q", g.cfg.RemoteUser.UserStore)
	}
}

// Chain is the middleware applied to proxied requests, outermost first. It
// may be modified before Handler is called.
func (g *Gateway) Chain() *middleware.Chain {
	return &g.chain
}

// Metrics returns the gateway's collectors.
func (g *Gateway) Metrics() *metrics.Metrics {
	return g.metrics
}

// Handler serves the health and metrics endpoints, and proxies everything
// else through the chain.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+healthzPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	if g.cfg.Metrics.Enabled {
		mux.Handle("GET "+g.cfg.Metrics.Path, g.metrics.Handler())
	}
	mux.Handle("/", g.chain.Handler(g.proxy))
	return mux
}

// Serve serves on l until ctx is done, then shuts down gracefully, waiting up
// to the configured shutdown timeout for in-flight requests.
func (g *Gateway) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		ErrorLog:          slog.NewLogLogger(g.logger.Handler(), slog.LevelWarn),
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errC := make(chan error, 1)
	go func() {
		g.logger.InfoContext(ctx, "serving", "addr", l.Addr().String(), "upstream", g.cfg.Upstream)
		errC <- srv.Serve(l)
	}()

	select {
	case err := <-errC:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	g.logger.Info("shutting down", "timeout", g.cfg.ShutdownTimeout)
	sctx, cancel := context.WithTimeout(context.Background(), g.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address, then calls Serve.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	l, err := (&net.ListenConfig{}).Listen(ctx, "tcp", g.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.cfg.Listen, err)
	}
	return g.Serve(ctx, l)
}

// Close releases store connections.
func (g *Gateway) Close() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		g.closers[i]()
	}
	g.closers = nil
}

// csrfFailureHandler renders CSRF rejections with the given status.
func csrfFailureHandler(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httperror.WriteError(w, r, httperror.Newf(code, "CSRF check failed: %w", csrf.FailureReason(r.Context())))
	})
}
