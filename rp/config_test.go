package rp

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Authority:             "https://idp.example",
		ClientID:              "client",
		RedirectBaseURL:       "https://app.example",
		CallbackPath:          "/signin-oidc",
		SignedOutCallbackPath: "/signout-callback-oidc",
		RemoteSignOutPath:     "/signout-oidc",
	}
}

func TestConfigValidateAggregatesProblems(t *testing.T) {
	err := Config{RetryBudget: -1}.Validate()
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConfigurationError, got %T", err)
	}
	problems := ce.Problems()
	// authority, client_id, redirect base, three paths and retry budget
	if len(problems) != 7 {
		t.Fatalf("expected 7 problems, got %d: %v", len(problems), err)
	}
	for _, want := range []string{"authority is required", "client_id is required", "retry_budget"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q should mention %q", err, want)
		}
	}
}

func TestConfigValidateAcceptsValid(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConfigValidateRules(t *testing.T) {
	cases := []struct {
		name string
		edit func(*Config)
		want string
	}{
		{"relative authority", func(c *Config) { c.Authority = "/idp" }, "absolute URL"},
		{"http authority with https required", func(c *Config) {
			c.Authority = "http://idp.example"
			c.RequireHTTPSMetadata = true
		}, "must use https"},
		{"hybrid over query", func(c *Config) {
			c.ResponseType = ResponseTypeCodeIDToken
			c.ResponseMode = ResponseModeQuery
		}, "requires response_mode form_post"},
		{"unknown response type", func(c *Config) { c.ResponseType = "code magic" }, "unsupported response_type"},
		{"unknown response mode", func(c *Config) { c.ResponseMode = "fragment" }, "unsupported response_mode"},
		{"relative path", func(c *Config) { c.CallbackPath = "signin" }, "must start with '/'"},
		{"shared paths", func(c *Config) { c.RemoteSignOutPath = c.CallbackPath }, "distinct"},
		{"negative duration", func(c *Config) { c.ClockSkew = -time.Second }, "clock_skew"},
	}
	for _, tc := range cases {
		cfg := validConfig()
		tc.edit(&cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.ResponseType = "id_token code"
	cfg.Scopes = []string{"profile", "openid", " ", "profile"}
	got := cfg.withDefaults()

	if got.ResponseType != ResponseTypeCodeIDToken || got.ResponseMode != ResponseModeFormPost {
		t.Fatalf("unexpected response settings: %q %q", got.ResponseType, got.ResponseMode)
	}
	if strings.Join(got.Scopes, " ") != "openid profile" {
		t.Fatalf("scopes not normalised: %v", got.Scopes)
	}
	if got.ClaimsIssuer != "oidc" || got.ClockSkew != DefaultClockSkew || got.StateLifetime != DefaultStateLifetime {
		t.Fatalf("defaults not applied: %+v", got)
	}
	if cfg.Scopes[0] != "profile" {
		t.Fatalf("withDefaults must not modify the caller's slice")
	}
	if got.DiscoveryURL() != "https://idp.example/.well-known/openid-configuration" {
		t.Fatalf("discovery url mismatch: %q", got.DiscoveryURL())
	}
	if got.RedirectURL() != "https://app.example/signin-oidc" {
		t.Fatalf("redirect url mismatch: %q", got.RedirectURL())
	}
}

func TestParseResponseType(t *testing.T) {
	for in, want := range map[string]ResponseType{
		"code":                ResponseTypeCode,
		"id_token code":       ResponseTypeCodeIDToken,
		"token id_token":      ResponseTypeIDTokenToken,
		"token code id_token": ResponseTypeCodeIDTokenToken,
	} {
		got, err := ParseResponseType(in)
		if err != nil || got != want {
			t.Fatalf("ParseResponseType(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, in := range []string{"", "token", "none"} {
		if _, err := ParseResponseType(in); err == nil {
			t.Fatalf("expected %q to be rejected", in)
		}
	}
}

func TestSafeReturnURL(t *testing.T) {
	cases := map[string]string{
		"/dashboard":             "/dashboard",
		"/home/secure?tab=1#top": "/home/secure?tab=1#top",
		"":                       "/home/secure",
		"//evil.example":         "/home/secure",
		"/\\evil.example":        "/home/secure",
		"https://evil.example/":  "/home/secure",
		"javascript:alert(1)":    "/home/secure",
		"dashboard":              "/home/secure",
		"/line\nbreak":           "/home/secure",
	}
	for in, want := range cases {
		if got := SafeReturnURL(in, "/home/secure"); got != want {
			t.Fatalf("SafeReturnURL(%q) = %q, want %q", in, got, want)
		}
	}
}
