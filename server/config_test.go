package server

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"oidcrp/rp"
)

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `# local development
server:
  public_url: http://localhost:5000
  dev_mode: true
oidc:
  client_id: web
  # provider_timeout is parsed as a Go duration
  provider_timeout: 3s
sessions:
  ttl: 2h
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("OIDCRP_SERVER_PUBLIC_URL", "https://app.example.com")
	t.Setenv("OIDCRP_OIDC_SCOPES", "openid,profile email")
	t.Setenv("OIDCRP_OIDC_RETRY_BUDGET", "3")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Server.PublicURL != "https://app.example.com" {
		t.Fatalf("PublicURL override mismatch, got %q", cfg.Server.PublicURL)
	}
	if cfg.OIDC.ClientID != "web" || cfg.OIDC.ProviderTimeout != 3*time.Second {
		t.Fatalf("yaml values not applied: %+v", cfg.OIDC)
	}
	if strings.Join(cfg.OIDC.Scopes, " ") != "openid profile email" {
		t.Fatalf("scopes override mismatch, got %v", cfg.OIDC.Scopes)
	}
	if cfg.OIDC.RetryBudget != 3 {
		t.Fatalf("retry budget override mismatch, got %d", cfg.OIDC.RetryBudget)
	}
	if cfg.Sessions.TTL != 2*time.Hour {
		t.Fatalf("session ttl mismatch, got %v", cfg.Sessions.TTL)
	}
	if cfg.OIDC.Authority != "https://connect.authentiq.io" {
		t.Fatalf("default authority lost, got %q", cfg.OIDC.Authority)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("oidc:\n  clientid: web\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestDefaultConfigMatchesAuthentiq(t *testing.T) {
	cfg := DefaultConfig()
	rpc := cfg.RelyingPartyConfig()
	if rpc.Scheme != "Authentiq" || rpc.ClaimsIssuer != "Authentiq" {
		t.Fatalf("scheme mismatch: %q %q", rpc.Scheme, rpc.ClaimsIssuer)
	}
	if rpc.ResponseType != rp.ResponseTypeCodeIDToken || rpc.ResponseMode != rp.ResponseModeFormPost {
		t.Fatalf("response settings mismatch: %q %q", rpc.ResponseType, rpc.ResponseMode)
	}
	if strings.Join(rpc.Scopes, " ") != "openid aq:push email~rs profile" {
		t.Fatalf("scopes mismatch: %v", rpc.Scopes)
	}
	if rpc.CallbackPath != "/signin-authentiq" || rpc.SignedOutCallbackPath != "/signout-callback-authentiq" || rpc.RemoteSignOutPath != "/signout-authentiq" {
		t.Fatalf("paths mismatch: %+v", rpc)
	}
	if !rpc.SaveTokens || rpc.GetClaimsFromUserInfo {
		t.Fatalf("token settings mismatch")
	}
	if rpc.RedirectURL() != "http://127.0.0.1:5000/signin-authentiq" {
		t.Fatalf("redirect url mismatch: %q", rpc.RedirectURL())
	}
}

func TestConfigValidateReportsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DevMode = false
	cfg.Server.TLS.Domains = nil
	cfg.Storage.Driver = "bolt"
	cfg.OIDC.ClientID = ""

	err := cfg.Validate()
	if !errors.Is(err, rp.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	var ce *rp.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *rp.ConfigurationError, got %T", err)
	}
	for _, want := range []string{"server.tls.domains", "sessions.secret", "storage.driver", "client_id is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error should mention %q: %v", want, err)
		}
	}
	if len(ce.Problems()) != 4 {
		t.Fatalf("expected 4 problems, got %d: %v", len(ce.Problems()), err)
	}
}

func TestConfigValidateCookieDomain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OIDC.ClientID = "web"
	cfg.Server.PublicURL = "https://app.example.com"
	cfg.Server.CookieDomain = ".example.com"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("suffix cookie domain should be accepted: %v", err)
	}
	cfg.Server.CookieDomain = ".other.com"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected cookie domain mismatch")
	}
}

func TestConfigValidateSameSite(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OIDC.ClientID = "web"
	t.Setenv("OIDCRP_SESSIONS_SAME_SITE", "none")
	applyEnvOverrides(&cfg)
	if cfg.Sessions.SameSite != "none" {
		t.Fatalf("same_site override mismatch, got %q", cfg.Sessions.SameSite)
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "sessions.same_site") {
		t.Fatalf("expected same_site none to be rejected in dev mode, got %v", err)
	}
	cfg.Sessions.SameSite = "strict"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("strict should be accepted: %v", err)
	}
}

func TestConfigReturnURL(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.ReturnURL(""); got != "/home/secure" {
		t.Fatalf("default return url mismatch: %q", got)
	}
	if got := cfg.ReturnURL("//evil.example"); got != "/home/secure" {
		t.Fatalf("open redirect not blocked: %q", got)
	}
	if got := cfg.ReturnURL("/dashboard"); got != "/dashboard" {
		t.Fatalf("local url rejected: %q", got)
	}
}

func TestSplitAndTrimRemovesEmpty(t *testing.T) {
	in := " a , ,b,, c "
	out := splitAndTrim(in)
	expected := []string{"a", "b", "c"}
	if len(out) != len(expected) {
		t.Fatalf("unexpected length: got %d want %d", len(out), len(expected))
	}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("element %d mismatch: got %q want %q", i, out[i], expected[i])
		}
	}
}

func TestParseBool(t *testing.T) {
	if !parseBool("YES", false) || parseBool("off", true) || !parseBool("maybe", true) {
		t.Fatalf("parseBool mismatch")
	}
}
