// Package config loads the gateway configuration from a YAML file, with
// WEBLATEGATE_* environment variables taking precedence.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"lds.li/weblategate/csrf"
	"lds.li/weblategate/proxyhdrs"
	"lds.li/weblategate/remoteuser"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WEBLATEGATE_"

// Session stores.
const (
	SessionStoreCookie   = "cookie"
	SessionStoreMemory   = "memory"
	SessionStorePostgres = "postgres"
	SessionStoreRedis    = "redis"
)

// User stores.
const (
	UserStoreMemory   = "memory"
	UserStorePostgres = "postgres"
)

type Config struct {
	// Listen is the address the gateway serves on.
	Listen string `yaml:"listen"`
	// Upstream is the Weblate base URL requests are proxied to.
	Upstream string `yaml:"upstream"`
	// UpstreamUserHeader carries the logged in username to the upstream.
	UpstreamUserHeader string        `yaml:"upstream_user_header"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	// DatabaseURL is used by the postgres session and user stores.
	DatabaseURL string `yaml:"database_url"`

	Log        LogConfig        `yaml:"log"`
	RemoteUser RemoteUserConfig `yaml:"remote_user"`
	CSRF       CSRFConfig       `yaml:"csrf"`
	Proxy      ProxyConfig      `yaml:"proxy"`
	Session    SessionConfig    `yaml:"session"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type RemoteUserConfig struct {
	// Header is a header name or its environment form, e.g.
	// HTTP_X_REMOTE_USER.
	Header string `yaml:"header"`
	// Persistent keeps sessions when the header goes away.
	Persistent bool `yaml:"persistent"`
	// CreateUnknownUsers defaults to true.
	CreateUnknownUsers *bool `yaml:"create_unknown_users"`
	LowercaseUsernames bool  `yaml:"lowercase_usernames"`
	// RequireUser rejects anonymous requests, except under ExemptPaths.
	RequireUser bool     `yaml:"require_user"`
	ExemptPaths []string `yaml:"exempt_paths"`
	UserStore   string   `yaml:"user_store"`
}

type CSRFConfig struct {
	Mode           string   `yaml:"mode"`
	TrustedOrigins []string `yaml:"trusted_origins"`
	BypassPatterns []string `yaml:"bypass_patterns"`
	// FailureStatus is the status rejected requests get in enforce mode.
	// Zero keeps the default 403.
	FailureStatus int `yaml:"failure_status"`
}

type ProxyConfig struct {
	// TrustedProxies are CIDRs allowed to set the remote user and forwarded
	// headers. Empty trusts every peer.
	TrustedProxies       []string `yaml:"trusted_proxies"`
	ForwardedIPHeader    string   `yaml:"forwarded_ip_header"`
	ForwardedIPFormat    string   `yaml:"forwarded_ip_format"`
	ForceTLS             bool     `yaml:"force_tls"`
	ForwardedProtoHeader string   `yaml:"forwarded_proto_header"`
}

type SessionConfig struct {
	Store string `yaml:"store"`
	// EncryptionKey is a hex encoded 32 byte key, for the cookie store.
	EncryptionKey string `yaml:"encryption_key"`
	// PreviousKeys are still accepted for decryption, for key rotation.
	PreviousKeys   []string      `yaml:"previous_keys"`
	CookieName     string        `yaml:"cookie_name"`
	InsecureCookie bool          `yaml:"insecure_cookie"`
	PersistCookie  bool          `yaml:"persist_cookie"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
	RedisURL       string        `yaml:"redis_url"`
	// GCInterval is how often the postgres store deletes expired rows.
	GCInterval time.Duration `yaml:"gc_interval"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used for anything a file and the
// environment leave unset.
func Default() *Config {
	return &Config{
		Listen:             ":8080",
		UpstreamUserHeader: remoteuser.DefaultHeader,
		ShutdownTimeout:    10 * time.Second,
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		RemoteUser: RemoteUserConfig{
			Header:      remoteuser.DefaultMetaHeader,
			ExemptPaths: []string{"/healthz"},
			UserStore:   UserStoreMemory,
		},
		CSRF: CSRFConfig{
			Mode: csrf.ModeBypass,
		},
		Proxy: ProxyConfig{
			ForwardedIPFormat:    "last",
			ForwardedProtoHeader: "X-Forwarded-Proto",
		},
		Session: SessionConfig{
			Store:      SessionStoreCookie,
			GCInterval: 10 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads the file at path, if set, over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := c.decode(bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		slog.Debug("loaded config file", "path", path)
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = splitList(v)
		}
	}
	var errs []error
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("LISTEN", &c.Listen)
	str("UPSTREAM", &c.Upstream)
	str("UPSTREAM_USER_HEADER", &c.UpstreamUserHeader)
	duration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	str("DATABASE_URL", &c.DatabaseURL)

	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_LEVEL", &c.Log.Level)

	str("REMOTE_USER_HEADER", &c.RemoteUser.Header)
	boolean("REMOTE_USER_PERSISTENT", &c.RemoteUser.Persistent)
	if v, ok := lookup(EnvPrefix + "REMOTE_USER_CREATE_UNKNOWN_USERS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sREMOTE_USER_CREATE_UNKNOWN_USERS: %w", EnvPrefix, err))
		} else {
			c.RemoteUser.CreateUnknownUsers = &b
		}
	}
	boolean("REMOTE_USER_LOWERCASE", &c.RemoteUser.LowercaseUsernames)
	boolean("REMOTE_USER_REQUIRE", &c.RemoteUser.RequireUser)
	list("REMOTE_USER_EXEMPT_PATHS", &c.RemoteUser.ExemptPaths)
	str("USER_STORE", &c.RemoteUser.UserStore)

	str("CSRF_MODE", &c.CSRF.Mode)
	list("CSRF_TRUSTED_ORIGINS", &c.CSRF.TrustedOrigins)
	list("CSRF_BYPASS_PATTERNS", &c.CSRF.BypassPatterns)
	integer("CSRF_FAILURE_STATUS", &c.CSRF.FailureStatus)

	list("TRUSTED_PROXIES", &c.Proxy.TrustedProxies)
	str("FORWARDED_IP_HEADER", &c.Proxy.ForwardedIPHeader)
	str("FORWARDED_IP_FORMAT", &c.Proxy.ForwardedIPFormat)
	boolean("FORCE_TLS", &c.Proxy.ForceTLS)

	str("SESSION_STORE", &c.Session.Store)
	str("SESSION_KEY", &c.Session.EncryptionKey)
	list("SESSION_PREVIOUS_KEYS", &c.Session.PreviousKeys)
	boolean("SESSION_INSECURE_COOKIE", &c.Session.InsecureCookie)
	duration("SESSION_IDLE_TIMEOUT", &c.Session.IdleTimeout)
	duration("SESSION_MAX_LIFETIME", &c.Session.MaxLifetime)
	str("REDIS_URL", &c.Session.RedisURL)

	boolean("METRICS_ENABLED", &c.Metrics.Enabled)

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	var errs []error
	addf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Listen == "" {
		addf("listen is required")
	}
	if c.Upstream == "" {
		addf("upstream is required")
	} else if u, err := url.Parse(c.Upstream); err != nil {
		addf("upstream: %w", err)
	} else if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		addf("upstream %q must be an absolute http or https URL", c.Upstream)
	}
	if c.UpstreamUserHeader == "" {
		addf("upstream_user_header is required")
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		addf("log.format %q must be text or json", c.Log.Format)
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		addf("log.level: %w", err)
	}

	if _, err := remoteuser.ParseHeader(c.RemoteUser.Header); err != nil {
		addf("remote_user.header: %w", err)
	}
	switch c.RemoteUser.UserStore {
	case UserStoreMemory:
	case UserStorePostgres:
		if c.DatabaseURL == "" {
			addf("remote_user.user_store postgres requires database_url")
		}
	default:
		addf("remote_user.user_store %q must be memory or postgres", c.RemoteUser.UserStore)
	}

	switch strings.ToLower(c.CSRF.Mode) {
	case "", csrf.ModeBypass, csrf.ModeEnforce:
	default:
		addf("csrf.mode %q must be %s or %s", c.CSRF.Mode, csrf.ModeBypass, csrf.ModeEnforce)
	}
	if fs := c.CSRF.FailureStatus; fs != 0 && (fs < 400 || fs > 599) {
		addf("csrf.failure_status %d must be a 4xx or 5xx code", fs)
	}

	if _, err := proxyhdrs.ParsePrefixes(c.Proxy.TrustedProxies); err != nil {
		addf("proxy.trusted_proxies: %w", err)
	}
	if _, ok := proxyhdrs.ParseForwardedIPHeaderFormat(c.Proxy.ForwardedIPFormat); !ok {
		addf("proxy.forwarded_ip_format %q must be exact, first or last", c.Proxy.ForwardedIPFormat)
	}

	switch c.Session.Store {
	case SessionStoreCookie:
		if _, _, err := c.Session.Keys(); err != nil {
			addf("session: %w", err)
		}
	case SessionStoreMemory:
	case SessionStorePostgres:
		if c.DatabaseURL == "" {
			addf("session.store postgres requires database_url")
		}
	case SessionStoreRedis:
		if c.Session.RedisURL == "" {
			addf("session.store redis requires session.redis_url")
		}
	default:
		addf("session.store %q must be one of cookie, memory, postgres, redis", c.Session.Store)
	}
	if c.Session.IdleTimeout < 0 || c.Session.MaxLifetime < 0 {
		addf("session timeouts must not be negative")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		addf("metrics.path %q must start with /", c.Metrics.Path)
	}

	return errors.Join(errs...)
}

// Keys decodes the cookie encryption key, and any previous keys.
func (s *SessionConfig) Keys() (current []byte, previous [][]byte, _ error) {
	if s.EncryptionKey == "" {
		return nil, nil, errors.New("encryption_key is required for the cookie store")
	}
	current, err := decodeKey(s.EncryptionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("encryption_key: %w", err)
	}
	for i, k := range s.PreviousKeys {
		b, err := decodeKey(k)
		if err != nil {
			return nil, nil, fmt.Errorf("previous_keys[%d]: %w", i, err)
		}
		previous = append(previous, b)
	}
	return current, previous, nil
}

func decodeKey(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decoding hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(b))
	}
	return b, nil
}

// CreateUnknown reports whether unknown users are created, defaulting to
// true.
func (r *RemoteUserConfig) CreateUnknown() bool {
	return r.CreateUnknownUsers == nil || *r.CreateUnknownUsers
}
