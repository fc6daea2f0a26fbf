package rp

import (
	"maps"
	"time"
)

// protocolClaims are dropped from Principal.Claims once validated.
var protocolClaims = []string{"nonce", "at_hash", "c_hash"}

// Principal is the signed-in user established from a validated id token.
type Principal struct {
	Subject           string         `json:"sub"`
	Issuer            string         `json:"issuer"`
	Scheme            string         `json:"scheme"`
	ProviderIssuer    string         `json:"provider_issuer"`
	SessionID         string         `json:"sid,omitempty"`
	Email             string         `json:"email,omitempty"`
	EmailVerified     bool           `json:"email_verified,omitempty"`
	Name              string         `json:"name,omitempty"`
	GivenName         string         `json:"given_name,omitempty"`
	FamilyName        string         `json:"family_name,omitempty"`
	PreferredUsername string         `json:"preferred_username,omitempty"`
	Picture           string         `json:"picture,omitempty"`
	Claims            map[string]any `json:"claims,omitempty"`
	AuthTime          time.Time      `json:"auth_time,omitempty"`
	ExpiresAt         time.Time      `json:"expires_at"`
	Tokens            *TokenSet      `json:"tokens,omitempty"`
}

// Expired reports whether the sign-in has lapsed.
func (p *Principal) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// DisplayName picks the most readable identifier available.
func (p *Principal) DisplayName() string {
	for _, s := range []string{p.Name, p.PreferredUsername, p.Email} {
		if s != "" {
			return s
		}
	}
	return p.Subject
}

func (rp *RelyingParty) newPrincipal(c *IDTokenClaims, tokens *TokenSet, extra map[string]any) *Principal {
	claims := maps.Clone(c.Raw)
	for _, k := range protocolClaims {
		delete(claims, k)
	}
	for k, v := range extra {
		if _, ok := claims[k]; !ok {
			claims[k] = v
		}
	}
	str := func(have, key string) string {
		if have != "" {
			return have
		}
		s, _ := claims[key].(string)
		return s
	}

	expires := rp.now().Add(rp.cfg.SessionLifetime)
	if !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(expires) {
		expires = c.ExpiresAt
	}
	p := &Principal{
		Subject:           c.Subject,
		Issuer:            rp.cfg.ClaimsIssuer,
		Scheme:            rp.cfg.Scheme,
		ProviderIssuer:    c.Issuer,
		SessionID:         c.SessionID,
		Email:             str(c.Email, "email"),
		EmailVerified:     c.EmailVerified,
		Name:              str(c.Name, "name"),
		GivenName:         str(c.GivenName, "given_name"),
		FamilyName:        str(c.FamilyName, "family_name"),
		PreferredUsername: str(c.PreferredUsername, "preferred_username"),
		Picture:           str(c.Picture, "picture"),
		Claims:            claims,
		AuthTime:          c.AuthTime,
		ExpiresAt:         expires,
	}
	if rp.cfg.SaveTokens && tokens != nil {
		cp := *tokens
		p.Tokens = &cp
	}
	return p
}
