package rp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// CallbackParams is the authorization response delivered to the callback path,
// either in the query string or as a form post.
type CallbackParams struct {
	Code             string
	IDToken          string
	AccessToken      string
	TokenType        string
	State            string
	Error            string
	ErrorDescription string
	ErrorURI         string
	Issuer           string
}

// CallbackParamsFromValues reads the authorization response parameters.
func CallbackParamsFromValues(v url.Values) CallbackParams {
	return CallbackParams{
		Code:             v.Get("code"),
		IDToken:          v.Get("id_token"),
		AccessToken:      v.Get("access_token"),
		TokenType:        v.Get("token_type"),
		State:            v.Get("state"),
		Error:            v.Get("error"),
		ErrorDescription: v.Get("error_description"),
		ErrorURI:         v.Get("error_uri"),
		Issuer:           v.Get("iss"),
	}
}

// CallbackResult is a completed sign-in.
type CallbackResult struct {
	Principal *Principal
	ReturnURL string
}

// HandleCallback redeems the login state named by p.State and validates the
// authorization response. A state value is consumed by the first call that
// presents it, whether or not the sign-in then succeeds.
func (rp *RelyingParty) HandleCallback(ctx context.Context, p CallbackParams) (*CallbackResult, error) {
	st, err := rp.redeem(ctx, p.State, StateKindLogin)
	if p.Error != "" {
		if err != nil {
			rp.logger.Debug("provider error with unusable state", "error", err)
		}
		return nil, &ProviderError{Code: p.Error, Description: p.ErrorDescription, URI: p.ErrorURI}
	}
	if err != nil {
		return nil, err
	}

	snap, err := rp.discovery.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if p.Issuer != "" && p.Issuer != snap.doc.Issuer {
		return nil, tokenError(CheckIssuerParameter, fmt.Errorf("iss parameter %q not expected", p.Issuer))
	}
	if p.Issuer == "" && snap.doc.AuthorizationResponseIssParameterSupported {
		return nil, tokenError(CheckIssuerParameter, errors.New("iss parameter missing"))
	}

	rt := rp.cfg.ResponseType
	if rt.HasCode() && p.Code == "" {
		return nil, tokenError(CheckMissingCode, nil)
	}

	var front *IDTokenClaims
	if rt.HasIDToken() {
		front, err = rp.validateIDToken(ctx, snap, p.IDToken, idTokenExpectations{
			nonce:                  st.Nonce,
			code:                   p.Code,
			requireCodeHash:        rt.HasCode(),
			accessToken:            p.AccessToken,
			requireAccessTokenHash: rt.HasToken(),
		})
		if err != nil {
			return nil, err
		}
	}

	claims := front
	var tokens *TokenSet
	if rt.HasCode() {
		tokens, err = rp.exchange(ctx, snap, p.Code, st.CodeVerifier)
		if err != nil {
			return nil, err
		}
		switch {
		case tokens.IDToken != "":
			back, err := rp.validateIDToken(ctx, snap, tokens.IDToken, idTokenExpectations{
				nonce:       st.Nonce,
				accessToken: tokens.AccessToken,
			})
			if err != nil {
				return nil, err
			}
			if front != nil && front.Subject != back.Subject {
				return nil, tokenError(CheckSubject, errors.New("token endpoint id token subject differs"))
			}
			claims = back
		case front != nil:
			tokens.IDToken = p.IDToken
		default:
			return nil, tokenError(CheckMissingIDToken, errors.New("token response has no id_token"))
		}
	} else {
		tokens = &TokenSet{IDToken: p.IDToken, AccessToken: p.AccessToken, TokenType: p.TokenType}
	}

	var extra map[string]any
	if rp.cfg.GetClaimsFromUserInfo && tokens.AccessToken != "" {
		sub, info, err := rp.userInfo(ctx, snap, tokens)
		if err != nil {
			return nil, err
		}
		if sub != claims.Subject {
			return nil, tokenError(CheckUserInfoSubject, errors.New("userinfo subject differs"))
		}
		extra = info
	}

	principal := rp.newPrincipal(claims, tokens, extra)
	rp.logger.Info("sign-in completed", "sub", principal.Subject)
	return &CallbackResult{Principal: principal, ReturnURL: st.ReturnURL}, nil
}
