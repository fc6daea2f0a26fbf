package rp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// RelyingParty drives the OpenID Connect login, callback and logout flows
// against a single provider.
type RelyingParty struct {
	cfg       Config
	states    StateStore
	transport *transport
	discovery *discoveryCache
	keys      *keyCache
	logger    *slog.Logger
	now       func() time.Time
}

type options struct {
	client   *http.Client
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises a RelyingParty.
type Option func(*options)

// WithHTTPClient replaces the pooled client used for provider calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithObserver reports provider request attempts to obs.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New validates cfg and returns a relying party that persists login state in
// states. The configuration is copied and never changes afterwards.
func New(cfg Config, states StateStore, opts ...Option) (*RelyingParty, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if states == nil {
		return nil, &ConfigurationError{Err: errors.New("state store is required")}
	}
	cfg = cfg.withDefaults()

	o := options{
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = newHTTPClient()
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	logger := o.logger.With("scheme", cfg.Scheme)

	t := &transport{
		client:   o.client,
		timeout:  cfg.ProviderTimeout,
		retries:  cfg.RetryBudget,
		observer: o.observer,
		logger:   logger,
	}
	return &RelyingParty{
		cfg:       cfg,
		states:    states,
		transport: t,
		discovery: &discoveryCache{
			url:       cfg.DiscoveryURL(),
			authority: cfg.Authority,
			refresh:   cfg.MetadataRefreshInterval,
			transport: t,
			logger:    logger,
			now:       o.now,
		},
		keys: &keyCache{
			ttl:       cfg.KeyCacheTTL,
			transport: t,
			logger:    logger,
			now:       o.now,
		},
		logger: logger,
		now:    o.now,
	}, nil
}

// Name returns the scheme name.
func (rp *RelyingParty) Name() string { return rp.cfg.Scheme }

// Config returns a copy of the configuration.
func (rp *RelyingParty) Config() Config { return rp.cfg.clone() }

// Paths returns the routes the application must expose for this scheme.
func (rp *RelyingParty) Paths() Paths {
	return Paths{
		Callback:          rp.cfg.CallbackPath,
		SignedOutCallback: rp.cfg.SignedOutCallbackPath,
		RemoteSignOut:     rp.cfg.RemoteSignOutPath,
	}
}

// Metadata returns the provider's discovery document.
func (rp *RelyingParty) Metadata(ctx context.Context) (*Metadata, error) {
	snap, err := rp.discovery.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.doc, nil
}
