package rp

import (
	"context"
	"errors"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// TokenSet holds the tokens issued for a sign-in.
type TokenSet struct {
	IDToken      string    `json:"id_token,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

func (rp *RelyingParty) oauthConfig(snap *metadataSnapshot) *oauth2.Config {
	ep := snap.provider.Endpoint()
	if rp.cfg.ClientSecret == "" {
		ep.AuthStyle = oauth2.AuthStyleInParams
	}
	return &oauth2.Config{
		ClientID:     rp.cfg.ClientID,
		ClientSecret: rp.cfg.ClientSecret,
		Endpoint:     ep,
		RedirectURL:  rp.cfg.RedirectURL(),
		Scopes:       rp.cfg.Scopes,
	}
}

// exchange redeems code at the token endpoint.
func (rp *RelyingParty) exchange(ctx context.Context, snap *metadataSnapshot, code, verifier string) (*TokenSet, error) {
	if snap.doc.TokenEndpoint == "" {
		return nil, &TokenExchangeError{Endpoint: "token", Err: errors.New("provider has no token endpoint")}
	}
	conf := rp.oauthConfig(snap)
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	var tok *oauth2.Token
	err := rp.transport.retryWhen(ctx, "token", unanswered, func(ctx context.Context) error {
		var err error
		tok, err = conf.Exchange(context.WithValue(ctx, oauth2.HTTPClient, rp.transport.client), code, opts...)
		return err
	})
	if err != nil {
		return nil, &TokenExchangeError{Endpoint: "token", Err: err}
	}
	idToken, _ := tok.Extra("id_token").(string)
	return &TokenSet{
		IDToken:      idToken,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}, nil
}

// userInfo fetches the userinfo claims using the access token.
func (rp *RelyingParty) userInfo(ctx context.Context, snap *metadataSnapshot, tokens *TokenSet) (string, map[string]any, error) {
	if snap.doc.UserInfoEndpoint == "" {
		return "", nil, &TokenExchangeError{Endpoint: "userinfo", Err: errors.New("provider has no userinfo endpoint")}
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tokens.AccessToken, TokenType: tokens.TokenType})

	var info *oidc.UserInfo
	err := rp.transport.retry(ctx, "userinfo", func(ctx context.Context) error {
		var err error
		info, err = snap.provider.UserInfo(oidc.ClientContext(ctx, rp.transport.client), src)
		return err
	})
	if err != nil {
		return "", nil, &TokenExchangeError{Endpoint: "userinfo", Err: err}
	}
	claims := map[string]any{}
	if err := info.Claims(&claims); err != nil {
		return "", nil, &TokenExchangeError{Endpoint: "userinfo", Err: err}
	}
	return info.Subject, claims, nil
}
