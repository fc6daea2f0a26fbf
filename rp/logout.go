package rp

import (
	"context"
	"fmt"
	"net/url"
)

// SignOut returns where to send the browser to end the provider session. When
// the provider has no end_session_endpoint, or its metadata is unavailable,
// the local signed-out destination is returned instead.
func (rp *RelyingParty) SignOut(ctx context.Context, p *Principal, returnURL string) (string, error) {
	returnURL = SafeReturnURL(returnURL, rp.cfg.SignedOutRedirectURI)

	snap, err := rp.discovery.snapshot(ctx)
	if err != nil {
		rp.logger.Warn("provider sign-out skipped", "error", err)
		return returnURL, nil
	}
	if snap.doc.EndSessionEndpoint == "" {
		return returnURL, nil
	}
	endpoint, err := url.Parse(snap.doc.EndSessionEndpoint)
	if err != nil {
		rp.logger.Warn("provider sign-out skipped", "error", err)
		return returnURL, nil
	}

	st, err := rp.newState(StateKindSignOut, returnURL)
	if err != nil {
		return "", err
	}
	if err := rp.states.SaveState(ctx, st); err != nil {
		return "", fmt.Errorf("save sign-out state: %w", err)
	}

	q := endpoint.Query()
	q.Set("client_id", rp.cfg.ClientID)
	q.Set("post_logout_redirect_uri", rp.cfg.PostLogoutRedirectURL())
	q.Set("state", st.State)
	if p != nil && p.Tokens != nil && p.Tokens.IDToken != "" {
		q.Set("id_token_hint", p.Tokens.IDToken)
	}
	endpoint.RawQuery = q.Encode()
	return endpoint.String(), nil
}

// HandleSignOutCallback redeems the sign-out state the provider echoes back
// and returns the local page to finish on.
func (rp *RelyingParty) HandleSignOutCallback(ctx context.Context, state string) string {
	st, err := rp.redeem(ctx, state, StateKindSignOut)
	if err != nil {
		rp.logger.Debug("signed-out callback without usable state", "error", err)
		return rp.cfg.SignedOutRedirectURI
	}
	return SafeReturnURL(st.ReturnURL, rp.cfg.SignedOutRedirectURI)
}

// ValidateRemoteSignOut reports whether a provider-initiated sign-out request
// carrying iss and sid applies to p. Absent parameters are not compared.
func (rp *RelyingParty) ValidateRemoteSignOut(ctx context.Context, p *Principal, iss, sid string) bool {
	if p == nil {
		return false
	}
	if iss != "" {
		want := p.ProviderIssuer
		if want == "" {
			snap, err := rp.discovery.snapshot(ctx)
			if err != nil {
				return false
			}
			want = snap.doc.Issuer
		}
		if iss != want {
			return false
		}
	}
	if sid != "" && sid != p.SessionID {
		return false
	}
	return true
}
