package rp

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-multierror"
)

// Defaults applied to zero-valued Config fields.
const (
	DefaultClockSkew               = 5 * time.Minute
	DefaultStateLifetime           = 15 * time.Minute
	DefaultSessionLifetime         = 14 * 24 * time.Hour
	DefaultProviderTimeout         = 10 * time.Second
	DefaultMetadataRefreshInterval = 24 * time.Hour
	DefaultKeyCacheTTL             = 5 * time.Minute

	wellKnownPath = "/.well-known/openid-configuration"
)

// ResponseType is the OAuth2/OIDC response_type requested from the provider.
type ResponseType string

const (
	ResponseTypeCode             ResponseType = "code"
	ResponseTypeIDToken          ResponseType = "id_token"
	ResponseTypeIDTokenToken     ResponseType = "id_token token"
	ResponseTypeCodeIDToken      ResponseType = "code id_token"
	ResponseTypeCodeToken        ResponseType = "code token"
	ResponseTypeCodeIDTokenToken ResponseType = "code id_token token"
)

// ParseResponseType accepts the space separated values in any order.
func ParseResponseType(s string) (ResponseType, error) {
	var code, idToken, token bool
	for _, part := range strings.Fields(s) {
		switch part {
		case "code":
			code = true
		case "id_token":
			idToken = true
		case "token":
			token = true
		default:
			return "", fmt.Errorf("unsupported response_type value %q", part)
		}
	}
	switch {
	case code && idToken && token:
		return ResponseTypeCodeIDTokenToken, nil
	case code && idToken:
		return ResponseTypeCodeIDToken, nil
	case code && token:
		return ResponseTypeCodeToken, nil
	case code:
		return ResponseTypeCode, nil
	case idToken && token:
		return ResponseTypeIDTokenToken, nil
	case idToken:
		return ResponseTypeIDToken, nil
	default:
		return "", fmt.Errorf("unsupported response_type %q", s)
	}
}

// HasCode reports whether the authorization endpoint returns a code.
func (rt ResponseType) HasCode() bool { return rt.has("code") }

// HasIDToken reports whether the authorization endpoint returns an id token.
func (rt ResponseType) HasIDToken() bool { return rt.has("id_token") }

// HasToken reports whether the authorization endpoint returns an access token.
func (rt ResponseType) HasToken() bool { return rt.has("token") }

func (rt ResponseType) has(part string) bool {
	return slices.Contains(strings.Fields(string(rt)), part)
}

// ResponseMode controls how the provider delivers the authorization response.
type ResponseMode string

const (
	ResponseModeQuery    ResponseMode = "query"
	ResponseModeFormPost ResponseMode = "form_post"
)

// defaultMode is the mode the provider assumes when response_mode is omitted.
func (rt ResponseType) defaultMode() ResponseMode {
	if rt == ResponseTypeCode {
		return ResponseModeQuery
	}
	return "fragment"
}

// Config describes the provider and how this application is registered with it.
type Config struct {
	// Scheme names the authentication scheme, e.g. "Authentiq".
	Scheme string
	// Authority is the provider's issuer URL.
	Authority string
	// MetadataURL overrides {Authority}/.well-known/openid-configuration.
	MetadataURL  string
	ClientID     string
	ClientSecret string
	Scopes       []string
	ResponseType ResponseType
	ResponseMode ResponseMode

	// RedirectBaseURL is the public origin the callback paths are resolved against.
	RedirectBaseURL       string
	CallbackPath          string
	SignedOutCallbackPath string
	RemoteSignOutPath     string
	SignedOutRedirectURI  string

	// ClaimsIssuer labels principals created by this scheme.
	ClaimsIssuer string

	UsePKCE               bool
	GetClaimsFromUserInfo bool
	SaveTokens            bool
	RequireHTTPSMetadata  bool

	ClockSkew               time.Duration
	StateLifetime           time.Duration
	SessionLifetime         time.Duration
	ProviderTimeout         time.Duration
	RetryBudget             int
	MetadataRefreshInterval time.Duration
	KeyCacheTTL             time.Duration
}

func (c Config) withDefaults() Config {
	c = c.clone()
	if c.Scheme == "" {
		c.Scheme = "oidc"
	}
	if c.ClaimsIssuer == "" {
		c.ClaimsIssuer = c.Scheme
	}
	if c.ResponseType == "" {
		c.ResponseType = ResponseTypeCode
	} else if rt, err := ParseResponseType(string(c.ResponseType)); err == nil {
		c.ResponseType = rt
	}
	if c.ResponseMode == "" {
		c.ResponseMode = ResponseModeQuery
		if c.ResponseType != ResponseTypeCode {
			c.ResponseMode = ResponseModeFormPost
		}
	}
	if c.SignedOutRedirectURI == "" {
		c.SignedOutRedirectURI = "/"
	}
	c.Scopes = normalizeScopes(c.Scopes)
	if c.ClockSkew == 0 {
		c.ClockSkew = DefaultClockSkew
	}
	if c.StateLifetime == 0 {
		c.StateLifetime = DefaultStateLifetime
	}
	if c.SessionLifetime == 0 {
		c.SessionLifetime = DefaultSessionLifetime
	}
	if c.ProviderTimeout == 0 {
		c.ProviderTimeout = DefaultProviderTimeout
	}
	if c.MetadataRefreshInterval == 0 {
		c.MetadataRefreshInterval = DefaultMetadataRefreshInterval
	}
	if c.KeyCacheTTL == 0 {
		c.KeyCacheTTL = DefaultKeyCacheTTL
	}
	return c
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	c = c.withDefaults()
	var merr *multierror.Error

	if c.Authority == "" {
		merr = multierror.Append(merr, errors.New("authority is required"))
	} else if err := validateProviderURL("authority", c.Authority, c.RequireHTTPSMetadata); err != nil {
		merr = multierror.Append(merr, err)
	}
	if c.MetadataURL != "" {
		if err := validateProviderURL("metadata_url", c.MetadataURL, c.RequireHTTPSMetadata); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if c.ClientID == "" {
		merr = multierror.Append(merr, errors.New("client_id is required"))
	}
	if c.RedirectBaseURL == "" {
		merr = multierror.Append(merr, errors.New("redirect base url is required"))
	} else if u, err := url.Parse(c.RedirectBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		merr = multierror.Append(merr, fmt.Errorf("redirect base url %q must be absolute", c.RedirectBaseURL))
	}

	rt, err := ParseResponseType(string(c.ResponseType))
	if err != nil {
		merr = multierror.Append(merr, err)
	}
	switch c.ResponseMode {
	case "", ResponseModeQuery, ResponseModeFormPost:
	default:
		merr = multierror.Append(merr, fmt.Errorf("unsupported response_mode %q", c.ResponseMode))
	}
	if err == nil && rt != ResponseTypeCode && c.ResponseMode == ResponseModeQuery {
		merr = multierror.Append(merr, fmt.Errorf("response_type %q requires response_mode form_post", rt))
	}

	paths := map[string]string{
		"callback_path":            c.CallbackPath,
		"signed_out_callback_path": c.SignedOutCallbackPath,
		"remote_sign_out_path":     c.RemoteSignOutPath,
	}
	for _, name := range []string{"callback_path", "signed_out_callback_path", "remote_sign_out_path"} {
		if p := paths[name]; !strings.HasPrefix(p, "/") {
			merr = multierror.Append(merr, fmt.Errorf("%s must start with '/', got %q", name, p))
		}
	}
	if c.CallbackPath != "" && (c.CallbackPath == c.SignedOutCallbackPath || c.CallbackPath == c.RemoteSignOutPath) {
		merr = multierror.Append(merr, errors.New("callback paths must be distinct"))
	}
	if c.RetryBudget < 0 {
		merr = multierror.Append(merr, fmt.Errorf("retry_budget must not be negative, got %d", c.RetryBudget))
	}
	for name, d := range map[string]time.Duration{
		"clock_skew":                c.ClockSkew,
		"state_lifetime":            c.StateLifetime,
		"session_lifetime":          c.SessionLifetime,
		"provider_timeout":          c.ProviderTimeout,
		"metadata_refresh_interval": c.MetadataRefreshInterval,
		"key_cache_ttl":             c.KeyCacheTTL,
	} {
		if d < 0 {
			merr = multierror.Append(merr, fmt.Errorf("%s must not be negative", name))
		}
	}

	if merr == nil {
		return nil
	}
	merr.ErrorFormat = joinErrors
	return &ConfigurationError{Err: merr}
}

// DiscoveryURL returns the location of the provider metadata document.
func (c Config) DiscoveryURL() string {
	if c.MetadataURL != "" {
		return c.MetadataURL
	}
	return strings.TrimSuffix(c.Authority, "/") + wellKnownPath
}

// RedirectURL is the absolute callback URL registered with the provider.
func (c Config) RedirectURL() string {
	return strings.TrimSuffix(c.RedirectBaseURL, "/") + c.CallbackPath
}

// PostLogoutRedirectURL is the absolute signed-out callback URL.
func (c Config) PostLogoutRedirectURL() string {
	return strings.TrimSuffix(c.RedirectBaseURL, "/") + c.SignedOutCallbackPath
}

func (c Config) clone() Config {
	c.Scopes = slices.Clone(c.Scopes)
	return c
}

func normalizeScopes(scopes []string) []string {
	out := []string{oidc.ScopeOpenID}
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" || slices.Contains(out, s) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func validateProviderURL(field, raw string, requireHTTPS bool) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s %q must be an absolute URL", field, raw)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if requireHTTPS {
			return fmt.Errorf("%s %q must use https", field, raw)
		}
	default:
		return fmt.Errorf("%s %q must use http or https", field, raw)
	}
	return nil
}

func joinErrors(errs []error) string {
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}
