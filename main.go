package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"oidcrp/rp"
	"oidcrp/server"
)

var (
	configPath string
	logLevel   string
	logger     = slog.New(slog.NewJSONHandler(os.Stdout, nil))
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "oidcrp",
		Short:         "OpenID Connect sign-in for a web application",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env file is fine; the environment may already be set.
			_ = godotenv.Load()
			level, err := parseLogLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", logLevel, err)
			}
			logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)
			if configPath == "" {
				configPath = os.Getenv("OIDCRP_CONFIG")
			}
			if configPath == "" {
				configPath = "./config.yaml"
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to YAML config (env OIDCRP_CONFIG)")
	flags.StringVarP(&logLevel, "log-level", "l", "info", "Logging level (debug, info, warn, error)")

	root.AddCommand(newServeCmd(), newConfigCmd(), newConnectCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the web application",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create a configuration file interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runConfigInit(configPath, cmd.InOrStdin(), cmd.OutOrStdout()); err != nil {
				logger.Error("config init failed", "error", err)
				return err
			}
			logger.Info("configuration initialized successfully", "path", configPath)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and probe provider discovery",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := runConfigValidate(ctx, configPath, nil); err != nil {
				logger.Error("config validation failed", "error", err)
				return err
			}
			logger.Info("configuration is valid", "path", configPath)
			return nil
		},
	})
	return cmd
}

func newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Start a sign-in against the provider and check its authorize endpoint answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := runConnect(ctx, cfg, nil); err != nil {
				logger.Error("provider connectivity failed", "authority", cfg.OIDC.Authority, "error", err)
				return err
			}
			logger.Info("provider connectivity succeeded", "authority", cfg.OIDC.Authority)
			return nil
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("init app", "error", err)
		return err
	}
	defer application.Close()

	warmCtx, cancel := context.WithTimeout(ctx, cfg.OIDC.ProviderTimeout+time.Second)
	if err := application.Warm(warmCtx); err != nil {
		logger.Warn("provider metadata not reachable at startup",
			"authority", cfg.OIDC.Authority,
			"error", err,
			"note", "server will continue and retry on the first sign-in")
	}
	cancel()

	handler := application.Routes()
	var shutdownFns []func(context.Context) error
	errCh := make(chan error, 2)

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:              cfg.Server.DevListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr, "public_url", cfg.Server.PublicURL)
		go serve(errCh, srv.ListenAndServe)
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tlsMinVersion(cfg.Server.TLS.MinVersion),
		}

		httpRedirect := &http.Server{
			Addr:              cfg.Server.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go serve(errCh, httpRedirect.ListenAndServe)

		httpsSrv := &http.Server{
			Addr:              cfg.Server.HTTPSListenAddr,
			Handler:           handler,
			TLSConfig:         tlsCfg,
			ReadHeaderTimeout: 10 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr, "domains", cfg.Server.TLS.Domains)
		go serve(errCh, func() error { return httpsSrv.ListenAndServeTLS("", "") })
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		logger.Error("server error", "error", runErr)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
	logger.Info("server stopped")
	return runErr
}

func serve(errCh chan<- error, listen func() error) {
	if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- err
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func tlsMinVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// runConnect builds an authorization request the way a browser sign-in
// would and checks the provider's authorize endpoint answers it.
func runConnect(ctx context.Context, cfg server.Config, httpClient *http.Client) error {
	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	party, err := rp.New(cfg.RelyingPartyConfig(), server.NewInMemoryStore(), rp.WithLogger(logger), rp.WithHTTPClient(client))
	if err != nil {
		return fmt.Errorf("build relying party: %w", err)
	}

	authURL, err := party.Challenge(ctx, "/")
	if err != nil {
		return fmt.Errorf("build authorization request: %w", err)
	}
	logger.Info("connect.start", "authority", cfg.OIDC.Authority, "auth_url", authURL)
	logger.Info("connect.instructions", "message", "Open auth_url in a browser to perform interactive login if needed", "auth_url", authURL)

	probe := *client
	probe.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		logger.Info("connect.redirect", "step", len(via)+1, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}
	resp, err := probe.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())
	if resp.StatusCode >= 400 {
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	}
	logger.Info("connect.success", "message", "Reached provider login endpoint")
	return nil
}

func loadConfig(path string) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run 'oidcrp config init' to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, in io.Reader, out io.Writer) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, bufio.NewReader(in), out)
	return err
}

// runConfigValidate loads the file and checks the provider's discovery
// document can be fetched and passes validation.
func runConfigValidate(ctx context.Context, path string, httpClient *http.Client) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}
	opts := []rp.Option{rp.WithLogger(logger)}
	if httpClient != nil {
		opts = append(opts, rp.WithHTTPClient(httpClient))
	}
	party, err := rp.New(cfg.RelyingPartyConfig(), server.NewInMemoryStore(), opts...)
	if err != nil {
		return err
	}

	logger.Info("validating provider metadata...", "url", cfg.RelyingPartyConfig().DiscoveryURL())
	md, err := party.Metadata(ctx)
	if err != nil {
		return err
	}
	if md.EndSessionEndpoint == "" {
		logger.Warn("provider has no end_session_endpoint", "note", "sign-out will only end the local session")
	}
	logger.Info("provider metadata is valid", "issuer", md.Issuer, "authorization_endpoint", md.AuthorizationEndpoint)
	return nil
}

func runSetup(path string, reader *bufio.Reader, out io.Writer) (server.Config, error) {
	fmt.Fprintf(out, "Creating configuration at %s.\n", path)
	fmt.Fprintln(out, "Starting guided setup for an OpenID Connect provider. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := askYesNo(reader, out, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.PublicURL = strings.TrimSuffix(ask(reader, out, "Application public URL", cfg.Server.PublicURL), "/")
		cfg.Server.DevListenAddr = ask(reader, out, "Dev listen address", cfg.Server.DevListenAddr)
	} else {
		domain := askRequired(reader, out, "Primary public domain (e.g. app.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = ask(reader, out, "ACME contact email", cfg.Server.TLS.Email)
		cfg.Sessions.Secret = askRequired(reader, out, "Session signing secret (32+ characters)")
	}

	cfg.OIDC.Authority = strings.TrimSuffix(ask(reader, out, "Provider authority", cfg.OIDC.Authority), "/")
	cfg.OIDC.ClientID = askRequired(reader, out, "Client ID")
	cfg.OIDC.ClientSecret = ask(reader, out, "Client secret (empty for a public client)", "")
	cfg.OIDC.Scopes = normalizeList(ask(reader, out, "Scopes", strings.Join(cfg.OIDC.Scopes, ",")), cfg.OIDC.Scopes)

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

func ask(reader *bufio.Reader, out io.Writer, prompt, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(out, "%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, out io.Writer, prompt string) string {
	for {
		fmt.Fprintf(out, "%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Fprintln(out, "This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, out io.Writer, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(out, "%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter 'y' or 'n'.")
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.FieldsFunc(input, func(r rune) bool { return r == ',' || r == ' ' })
	if len(parts) == 0 {
		return fallback
	}
	return parts
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
