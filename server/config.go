package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"oidcrp/rp"
)

// Session and store defaults
const (
	DefaultSessionCookie    = "oidcrp_session"
	DefaultReturnURL        = "/home/secure"
	DefaultRedisPrefix      = "oidcrp:"
	DefaultHSTSMaxAge       = 31536000
	StorageDriverMemory     = "memory"
	StorageDriverRedis      = "redis"
	minSessionSecretLength  = 32
	defaultAuthentiqIssuer  = "https://connect.authentiq.io"
	defaultAuthentiqScheme  = "Authentiq"
	defaultAuthentiqSignIn  = "/signin-authentiq"
	defaultAuthentiqSignOut = "/signout-authentiq"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	OIDC     OIDCConfig     `yaml:"oidc"`
	Sessions SessionsConfig `yaml:"sessions"`
	Storage  StorageConfig  `yaml:"storage"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	MetricsEnabled  bool      `yaml:"metrics_enabled"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CacheDir   string   `yaml:"cache_dir"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// OIDCConfig is the provider registration of this application.
type OIDCConfig struct {
	Scheme                string        `yaml:"scheme"`
	Authority             string        `yaml:"authority"`
	MetadataURL           string        `yaml:"metadata_url"`
	ClientID              string        `yaml:"client_id"`
	ClientSecret          string        `yaml:"client_secret"`
	Scopes                []string      `yaml:"scopes"`
	ResponseType          string        `yaml:"response_type"`
	ResponseMode          string        `yaml:"response_mode"`
	CallbackPath          string        `yaml:"callback_path"`
	SignedOutCallbackPath string        `yaml:"signed_out_callback_path"`
	RemoteSignOutPath     string        `yaml:"remote_sign_out_path"`
	SignedOutRedirectURI  string        `yaml:"signed_out_redirect_uri"`
	ClaimsIssuer          string        `yaml:"claims_issuer"`
	UsePKCE               bool          `yaml:"use_pkce"`
	GetClaimsFromUserInfo bool          `yaml:"get_claims_from_userinfo"`
	SaveTokens            bool          `yaml:"save_tokens"`
	RequireHTTPSMetadata  bool          `yaml:"require_https_metadata"`
	ClockSkew             time.Duration `yaml:"clock_skew"`
	StateLifetime         time.Duration `yaml:"state_lifetime"`
	ProviderTimeout       time.Duration `yaml:"provider_timeout"`
	RetryBudget           int           `yaml:"retry_budget"`
	MetadataRefresh       time.Duration `yaml:"metadata_refresh_interval"`
	KeyCacheTTL           time.Duration `yaml:"key_cache_ttl"`
}

// SessionsConfig controls the local sign-in session.
type SessionsConfig struct {
	TTL                            time.Duration `yaml:"ttl"`
	CookieName                     string        `yaml:"cookie_name"`
	Secret                         string        `yaml:"secret"`
	SkipChallengeWhenAuthenticated bool          `yaml:"skip_challenge_when_authenticated"`
	DefaultReturnURL               string        `yaml:"default_return_url"`
	SameSite                       string        `yaml:"same_site"`
}

// CookieSameSite resolves same_site (lax, strict or none). Unset means None
// outside dev mode, so the provider's front-channel logout frame and form
// posts carry the cookie, and Lax in dev mode where cookies are not Secure.
func (c SessionsConfig) CookieSameSite(devMode bool) (http.SameSite, error) {
	switch strings.ToLower(c.SameSite) {
	case "":
		if devMode {
			return http.SameSiteLaxMode, nil
		}
		return http.SameSiteNoneMode, nil
	case "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		if devMode {
			return 0, errors.New("sessions.same_site none requires Secure cookies, which dev mode disables")
		}
		return http.SameSiteNoneMode, nil
	default:
		return 0, fmt.Errorf("sessions.same_site must be lax, strict or none, got: %s", c.SameSite)
	}
}

// StorageConfig selects where login state and sessions live.
type StorageConfig struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig addresses a shared Redis instance.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:5000",
			DevListenAddr:   "127.0.0.1:5000",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			MetricsEnabled:  true,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				CacheDir:   ".autocert",
				MinVersion: "1.2",
				HSTSMaxAge: DefaultHSTSMaxAge,
			},
		},
		OIDC: OIDCConfig{
			Scheme:                defaultAuthentiqScheme,
			Authority:             defaultAuthentiqIssuer,
			Scopes:                []string{"openid", "aq:push", "email~rs", "profile"},
			ResponseType:          string(rp.ResponseTypeCodeIDToken),
			ResponseMode:          string(rp.ResponseModeFormPost),
			CallbackPath:          defaultAuthentiqSignIn,
			SignedOutCallbackPath: "/signout-callback-authentiq",
			RemoteSignOutPath:     defaultAuthentiqSignOut,
			SignedOutRedirectURI:  "/",
			ClaimsIssuer:          defaultAuthentiqScheme,
			UsePKCE:               true,
			SaveTokens:            true,
			RequireHTTPSMetadata:  true,
			ClockSkew:             rp.DefaultClockSkew,
			StateLifetime:         rp.DefaultStateLifetime,
			ProviderTimeout:       rp.DefaultProviderTimeout,
			RetryBudget:           1,
			MetadataRefresh:       rp.DefaultMetadataRefreshInterval,
			KeyCacheTTL:           rp.DefaultKeyCacheTTL,
		},
		Sessions: SessionsConfig{
			TTL:              rp.DefaultSessionLifetime,
			CookieName:       DefaultSessionCookie,
			DefaultReturnURL: DefaultReturnURL,
		},
		Storage: StorageConfig{
			Driver: StorageDriverMemory,
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: DefaultRedisPrefix,
			},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"OIDCRP_SERVER_PUBLIC_URL":           func(v string) { cfg.Server.PublicURL = v },
		"OIDCRP_SERVER_DEV_LISTEN_ADDR":      func(v string) { cfg.Server.DevListenAddr = v },
		"OIDCRP_SERVER_HTTP_LISTEN_ADDR":     func(v string) { cfg.Server.HTTPListenAddr = v },
		"OIDCRP_SERVER_HTTPS_LISTEN_ADDR":    func(v string) { cfg.Server.HTTPSListenAddr = v },
		"OIDCRP_SERVER_DEV_MODE":             func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"OIDCRP_SERVER_COOKIE_DOMAIN":        func(v string) { cfg.Server.CookieDomain = v },
		"OIDCRP_SERVER_TLS_DOMAINS":          func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"OIDCRP_SERVER_TLS_EMAIL":            func(v string) { cfg.Server.TLS.Email = v },
		"OIDCRP_OIDC_AUTHORITY":              func(v string) { cfg.OIDC.Authority = v },
		"OIDCRP_OIDC_METADATA_URL":           func(v string) { cfg.OIDC.MetadataURL = v },
		"OIDCRP_OIDC_CLIENT_ID":              func(v string) { cfg.OIDC.ClientID = v },
		"OIDCRP_OIDC_CLIENT_SECRET":          func(v string) { cfg.OIDC.ClientSecret = v },
		"OIDCRP_OIDC_SCOPES":                 func(v string) { cfg.OIDC.Scopes = strings.Fields(strings.ReplaceAll(v, ",", " ")) },
		"OIDCRP_OIDC_RESPONSE_TYPE":          func(v string) { cfg.OIDC.ResponseType = v },
		"OIDCRP_OIDC_PROVIDER_TIMEOUT":       func(v string) { cfg.OIDC.ProviderTimeout = parseDuration(v, cfg.OIDC.ProviderTimeout) },
		"OIDCRP_OIDC_RETRY_BUDGET":           func(v string) { cfg.OIDC.RetryBudget = parseInt(v, cfg.OIDC.RetryBudget) },
		"OIDCRP_OIDC_REQUIRE_HTTPS_METADATA": func(v string) { cfg.OIDC.RequireHTTPSMetadata = parseBool(v, cfg.OIDC.RequireHTTPSMetadata) },
		"OIDCRP_SESSIONS_SECRET":             func(v string) { cfg.Sessions.Secret = v },
		"OIDCRP_SESSIONS_TTL":                func(v string) { cfg.Sessions.TTL = parseDuration(v, cfg.Sessions.TTL) },
		"OIDCRP_SESSIONS_SAME_SITE":          func(v string) { cfg.Sessions.SameSite = v },
		"OIDCRP_STORAGE_DRIVER":              func(v string) { cfg.Storage.Driver = v },
		"OIDCRP_STORAGE_REDIS_ADDR":          func(v string) { cfg.Storage.Redis.Addr = v },
		"OIDCRP_STORAGE_REDIS_PASSWORD":      func(v string) { cfg.Storage.Redis.Password = v },
		"OIDCRP_STORAGE_REDIS_DB":            func(v string) { cfg.Storage.Redis.DB = parseInt(v, cfg.Storage.Redis.DB) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate reports every configuration problem at once, logging each.
func (c Config) Validate() error {
	var merr *multierror.Error
	fail := func(field string, err error) {
		slog.Error("Invalid configuration value", "field", field, "error", err)
		merr = multierror.Append(merr, err)
	}

	if c.Server.PublicURL == "" {
		fail("server.public_url", errors.New("server.public_url is required"))
	} else if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		fail("server.public_url", fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL))
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		fail("server.tls.domains", errors.New("server.tls.domains must be provided in production"))
	}

	if c.Server.TLS.MinVersion != "" && c.Server.TLS.MinVersion != "1.2" && c.Server.TLS.MinVersion != "1.3" {
		fail("server.tls.min_version", fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion))
	}

	if c.Server.CookieDomain != "" {
		host := ""
		if u, err := url.Parse(c.Server.PublicURL); err == nil {
			host = u.Hostname()
		}
		// public_url: app.example.com -> cookie_domain: .example.com is valid
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			fail("server.cookie_domain", fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host))
		}
	}

	if !c.Server.DevMode && len(c.Sessions.Secret) < minSessionSecretLength {
		fail("sessions.secret", fmt.Errorf("sessions.secret must be at least %d bytes in production", minSessionSecretLength))
	}
	if c.Sessions.TTL <= 0 {
		fail("sessions.ttl", errors.New("sessions.ttl must be positive"))
	}
	if c.Sessions.CookieName == "" {
		fail("sessions.cookie_name", errors.New("sessions.cookie_name is required"))
	}
	if _, err := c.Sessions.CookieSameSite(c.Server.DevMode); err != nil {
		fail("sessions.same_site", err)
	}
	if c.Sessions.DefaultReturnURL != "" && rp.SafeReturnURL(c.Sessions.DefaultReturnURL, "") == "" {
		fail("sessions.default_return_url", fmt.Errorf("sessions.default_return_url must be a local path, got: %s", c.Sessions.DefaultReturnURL))
	}

	switch c.Storage.Driver {
	case StorageDriverMemory:
	case StorageDriverRedis:
		if c.Storage.Redis.Addr == "" {
			fail("storage.redis.addr", errors.New("storage.redis.addr is required for the redis driver"))
		}
	default:
		fail("storage.driver", fmt.Errorf("storage.driver must be '%s' or '%s', got: %s", StorageDriverMemory, StorageDriverRedis, c.Storage.Driver))
	}

	if err := c.RelyingPartyConfig().Validate(); err != nil {
		var ce *rp.ConfigurationError
		if errors.As(err, &ce) {
			for _, problem := range ce.Problems() {
				fail("oidc", fmt.Errorf("oidc: %w", problem))
			}
		} else {
			fail("oidc", err)
		}
	}

	if merr == nil {
		return nil
	}
	merr.ErrorFormat = func(errs []error) string {
		parts := make([]string, 0, len(errs))
		for _, err := range errs {
			parts = append(parts, err.Error())
		}
		return strings.Join(parts, "; ")
	}
	return &rp.ConfigurationError{Err: merr}
}

// RelyingPartyConfig maps the oidc section onto the protocol configuration.
func (c Config) RelyingPartyConfig() rp.Config {
	o := c.OIDC
	return rp.Config{
		Scheme:                  o.Scheme,
		Authority:               o.Authority,
		MetadataURL:             o.MetadataURL,
		ClientID:                o.ClientID,
		ClientSecret:            o.ClientSecret,
		Scopes:                  append([]string(nil), o.Scopes...),
		ResponseType:            rp.ResponseType(o.ResponseType),
		ResponseMode:            rp.ResponseMode(o.ResponseMode),
		RedirectBaseURL:         c.Server.PublicURL,
		CallbackPath:            o.CallbackPath,
		SignedOutCallbackPath:   o.SignedOutCallbackPath,
		RemoteSignOutPath:       o.RemoteSignOutPath,
		SignedOutRedirectURI:    o.SignedOutRedirectURI,
		ClaimsIssuer:            o.ClaimsIssuer,
		UsePKCE:                 o.UsePKCE,
		GetClaimsFromUserInfo:   o.GetClaimsFromUserInfo,
		SaveTokens:              o.SaveTokens,
		RequireHTTPSMetadata:    o.RequireHTTPSMetadata,
		ClockSkew:               o.ClockSkew,
		StateLifetime:           o.StateLifetime,
		SessionLifetime:         c.Sessions.TTL,
		ProviderTimeout:         o.ProviderTimeout,
		RetryBudget:             o.RetryBudget,
		MetadataRefreshInterval: o.MetadataRefresh,
		KeyCacheTTL:             o.KeyCacheTTL,
	}
}

// ReturnURL resolves a requested return URL to a safe local destination.
func (c Config) ReturnURL(raw string) string {
	fallback := c.Sessions.DefaultReturnURL
	if fallback == "" {
		fallback = DefaultReturnURL
	}
	return rp.SafeReturnURL(raw, fallback)
}
