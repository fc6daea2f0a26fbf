package rp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/sync/singleflight"
)

const maxDocumentSize = 1 << 20

// Metadata is the subset of the provider's discovery document the relying
// party uses. Values returned by the cache are shared and must not be modified.
type Metadata struct {
	Issuer                                     string   `json:"issuer"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint"`
	TokenEndpoint                              string   `json:"token_endpoint"`
	UserInfoEndpoint                           string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI                                    string   `json:"jwks_uri"`
	EndSessionEndpoint                         string   `json:"end_session_endpoint,omitempty"`
	ResponseTypesSupported                     []string `json:"response_types_supported,omitempty"`
	ResponseModesSupported                     []string `json:"response_modes_supported,omitempty"`
	IDTokenSigningAlgValuesSupported           []string `json:"id_token_signing_alg_values_supported,omitempty"`
	CodeChallengeMethodsSupported              []string `json:"code_challenge_methods_supported,omitempty"`
	FrontchannelLogoutSupported                bool     `json:"frontchannel_logout_supported,omitempty"`
	FrontchannelLogoutSessionSupported         bool     `json:"frontchannel_logout_session_supported,omitempty"`
	AuthorizationResponseIssParameterSupported bool     `json:"authorization_response_iss_parameter_supported,omitempty"`
}

func (m *Metadata) validate(authority string) error {
	var missing []string
	if m.Issuer == "" {
		missing = append(missing, "issuer")
	}
	if m.AuthorizationEndpoint == "" {
		missing = append(missing, "authorization_endpoint")
	}
	if m.JWKSURI == "" {
		missing = append(missing, "jwks_uri")
	}
	if len(missing) > 0 {
		return fmt.Errorf("metadata missing %s", strings.Join(missing, ", "))
	}
	if strings.TrimSuffix(m.Issuer, "/") != strings.TrimSuffix(authority, "/") {
		return fmt.Errorf("metadata issuer %q does not match authority %q", m.Issuer, authority)
	}
	return nil
}

// metadataSnapshot is replaced wholesale on refresh, never mutated.
type metadataSnapshot struct {
	doc      *Metadata
	provider *oidc.Provider
	fetched  time.Time
}

type discoveryCache struct {
	url       string
	authority string
	refresh   time.Duration
	transport *transport
	logger    *slog.Logger
	now       func() time.Time

	current atomic.Pointer[metadataSnapshot]
	group   singleflight.Group
	// retryAfter holds the unix nanos before which a failed background
	// refresh is not attempted again.
	retryAfter atomic.Int64
}

// Background refreshes wait this long after a failure before trying again.
const refreshFailureBackoff = 30 * time.Second

// snapshot returns the cached metadata. An absent snapshot is fetched with
// the caller's context; a stale one is returned as is while a refresh runs in
// the background.
func (d *discoveryCache) snapshot(ctx context.Context) (*metadataSnapshot, error) {
	snap := d.current.Load()
	if snap == nil {
		return d.reload(ctx)
	}
	if d.now().Sub(snap.fetched) >= d.refresh {
		d.refreshAsync(snap)
	}
	return snap, nil
}

func (d *discoveryCache) reload(ctx context.Context) (*metadataSnapshot, error) {
	v, err, _ := d.group.Do("metadata", func() (any, error) {
		return d.load(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*metadataSnapshot), nil
}

// refreshAsync starts at most one background refresh. It is detached from
// any request and bounded by the transport's full retry budget.
func (d *discoveryCache) refreshAsync(stale *metadataSnapshot) {
	if d.now().UnixNano() < d.retryAfter.Load() {
		return
	}
	d.group.DoChan("metadata", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), d.transport.budget())
		defer cancel()
		snap, err := d.load(ctx)
		if err != nil {
			d.retryAfter.Store(d.now().Add(refreshFailureBackoff).UnixNano())
			d.logger.Warn("serving stale provider metadata", "url", d.url, "age", d.now().Sub(stale.fetched).String(), "error", err)
			return nil, err
		}
		return snap, nil
	})
}

func (d *discoveryCache) load(ctx context.Context) (*metadataSnapshot, error) {
	doc, err := d.fetch(ctx)
	if err != nil {
		return nil, err
	}
	snap := &metadataSnapshot{
		doc:      doc,
		provider: d.newProvider(doc),
		fetched:  d.now(),
	}
	d.current.Store(snap)
	d.retryAfter.Store(0)
	d.logger.Debug("provider metadata refreshed", "issuer", doc.Issuer)
	return snap, nil
}

func (d *discoveryCache) fetch(ctx context.Context) (*Metadata, error) {
	var doc Metadata
	err := d.transport.getJSON(ctx, "discovery", d.url, nil, func(resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			return &statusError{StatusCode: resp.StatusCode, Status: resp.Status}
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
		if err != nil {
			return err
		}
		doc = Metadata{}
		if err := json.Unmarshal(body, &doc); err != nil {
			return fmt.Errorf("decode metadata: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, &DiscoveryError{URL: d.url, Err: err}
	}
	if err := doc.validate(d.authority); err != nil {
		return nil, &DiscoveryError{URL: d.url, Err: err}
	}
	return &doc, nil
}

// newProvider builds the go-oidc view of the document, used for the oauth2
// endpoint and the userinfo call.
func (d *discoveryCache) newProvider(doc *Metadata) *oidc.Provider {
	pc := oidc.ProviderConfig{
		IssuerURL:   doc.Issuer,
		AuthURL:     doc.AuthorizationEndpoint,
		TokenURL:    doc.TokenEndpoint,
		UserInfoURL: doc.UserInfoEndpoint,
		JWKSURL:     doc.JWKSURI,
		Algorithms:  doc.IDTokenSigningAlgValuesSupported,
	}
	return pc.NewProvider(oidc.ClientContext(context.Background(), d.transport.client))
}
