package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"oidcrp/rp/rptest"
	"oidcrp/server"
)

func init() {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func connectConfig(p *rptest.Provider) server.Config {
	cfg := server.DefaultConfig()
	cfg.OIDC.Authority = p.URL()
	cfg.OIDC.ClientID = "web"
	cfg.OIDC.RequireHTTPSMetadata = false
	return cfg
}

func TestRunConnectSuccess(t *testing.T) {
	p := rptest.NewProvider(t)
	if err := runConnect(context.Background(), connectConfig(p), nil); err != nil {
		t.Fatalf("runConnect returned error: %v", err)
	}
	if n := p.Requests("authorize"); n != 1 {
		t.Fatalf("expected one authorize request, got %d", n)
	}
}

func TestRunConnectFailureStatus(t *testing.T) {
	p := rptest.NewProvider(t)
	p.SetMetadata(func(doc map[string]any) {
		doc["authorization_endpoint"] = p.URL() + "/missing"
	})
	err := runConnect(context.Background(), connectConfig(p), &http.Client{})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected 404 error, got %v", err)
	}
}

func TestRunConnectDiscoveryFailure(t *testing.T) {
	p := rptest.NewProvider(t)
	p.FailRequests("discovery", 10)
	if err := runConnect(context.Background(), connectConfig(p), nil); err == nil {
		t.Fatalf("expected discovery error")
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	p := rptest.NewProvider(t)
	t.Setenv("OIDCRP_OIDC_REQUIRE_HTTPS_METADATA", "false")
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")

	answers := strings.Join([]string{
		"",       // dev mode
		"",       // public url
		"",       // listen addr
		p.URL(),  // authority
		"web",    // client id
		"",       // client secret
		"openid", // scopes
	}, "\n") + "\n"
	var out strings.Builder
	if err := runConfigInit(path, strings.NewReader(answers), &out); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out.String(), "Client ID") {
		t.Fatalf("prompts not written: %q", out.String())
	}

	cfg, err := server.LoadConfig(path)
	if err != nil {
		t.Fatalf("load generated config: %v", err)
	}
	if cfg.OIDC.ClientID != "web" || cfg.OIDC.Authority != p.URL() || strings.Join(cfg.OIDC.Scopes, " ") != "openid" {
		t.Fatalf("generated config mismatch: %+v", cfg.OIDC)
	}

	if err := runConfigInit(path, strings.NewReader(answers), io.Discard); err == nil {
		t.Fatalf("expected error when the file already exists")
	}

	if err := runConfigValidate(context.Background(), path, nil); err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if n := p.Requests("discovery"); n != 1 {
		t.Fatalf("expected one discovery request, got %d", n)
	}
}

func TestConfigValidateRejectsIssuerMismatch(t *testing.T) {
	p := rptest.NewProvider(t)
	p.SetIssuer("https://other.example")
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "oidc:\n  authority: " + p.URL() + "\n  client_id: web\n  require_https_metadata: false\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := runConfigValidate(context.Background(), path, nil); err == nil {
		t.Fatalf("expected issuer mismatch error")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config init") {
		t.Fatalf("expected hint to run config init, got %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"err", slog.LevelError, false},
		{"verbose", 0, true},
	}
	for _, tt := range tests {
		got, err := parseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("parseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if err == nil && got != tt.want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeList(t *testing.T) {
	got := normalizeList("openid, profile email", nil)
	if strings.Join(got, "|") != "openid|profile|email" {
		t.Fatalf("normalizeList mismatch: %v", got)
	}
	if got := normalizeList("  ", []string{"openid"}); len(got) != 1 {
		t.Fatalf("fallback not used: %v", got)
	}
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "config", "connect"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Fatalf("subcommand %q missing: %v", name, err)
		}
	}
}
