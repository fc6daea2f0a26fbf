package rp

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

// Challenge starts a sign-in. It records a fresh login state bound to
// returnURL and returns the provider authorization URL to redirect to.
// Nothing is stored when the provider metadata cannot be obtained.
func (rp *RelyingParty) Challenge(ctx context.Context, returnURL string) (string, error) {
	snap, err := rp.discovery.snapshot(ctx)
	if err != nil {
		return "", err
	}

	st, err := rp.newState(StateKindLogin, returnURL)
	if err != nil {
		return "", err
	}
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("nonce", st.Nonce),
	}
	if rp.cfg.ResponseType != ResponseTypeCode {
		opts = append(opts, oauth2.SetAuthURLParam("response_type", string(rp.cfg.ResponseType)))
	}
	if rp.cfg.ResponseMode != rp.cfg.ResponseType.defaultMode() {
		opts = append(opts, oauth2.SetAuthURLParam("response_mode", string(rp.cfg.ResponseMode)))
	}
	if rp.cfg.UsePKCE && rp.cfg.ResponseType.HasCode() {
		st.CodeVerifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(st.CodeVerifier))
	}

	if err := rp.states.SaveState(ctx, st); err != nil {
		return "", fmt.Errorf("save auth request state: %w", err)
	}
	rp.logger.Debug("sign-in challenge issued", "response_type", string(rp.cfg.ResponseType))
	return rp.oauthConfig(snap).AuthCodeURL(st.State, opts...), nil
}
