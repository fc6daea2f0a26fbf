package rp

import (
	"context"
	"crypto"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/golang-jwt/jwt/v5"
)

// supportedAlgs are the asymmetric algorithms accepted for id tokens.
var supportedAlgs = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
}

// IDTokenClaims holds the validated contents of an id token.
type IDTokenClaims struct {
	Subject           string
	Issuer            string
	Audience          []string
	AuthorizedParty   string
	ExpiresAt         time.Time
	IssuedAt          time.Time
	AuthTime          time.Time
	Nonce             string
	SessionID         string
	AccessTokenHash   string
	CodeHash          string
	Email             string
	EmailVerified     bool
	Name              string
	GivenName         string
	FamilyName        string
	PreferredUsername string
	Picture           string
	Locale            string

	// Raw is every claim in the token, numbers decoded as json.Number.
	Raw map[string]any
}

// idTokenExpectations carries the per-callback values an id token is bound to.
type idTokenExpectations struct {
	nonce                  string
	code                   string
	requireCodeHash        bool
	accessToken            string
	requireAccessTokenHash bool
}

// validateIDToken verifies the signature of raw against the provider keys and
// then checks its claims in a fixed order. The first failing check is reported.
func (rp *RelyingParty) validateIDToken(ctx context.Context, snap *metadataSnapshot, raw string, want idTokenExpectations) (*IDTokenClaims, error) {
	if raw == "" {
		return nil, tokenError(CheckMissingIDToken, nil)
	}

	var alg string
	parser := jwt.NewParser(
		jwt.WithValidMethods(allowedAlgs(snap.doc.IDTokenSigningAlgValuesSupported)),
		jwt.WithoutClaimsValidation(),
		jwt.WithJSONNumber(),
	)
	mc := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(raw, mc, func(token *jwt.Token) (any, error) {
		alg = token.Method.Alg()
		kid, _ := token.Header["kid"].(string)
		set, err := rp.keys.keys(ctx, snap.doc.JWKSURI)
		if err != nil {
			return nil, err
		}
		key := findKey(set, kid, alg)
		if key == nil {
			// Rotated keys: refresh once on a kid miss.
			fresh, refreshed, err := rp.keys.forceRefresh(ctx, snap.doc.JWKSURI)
			if err != nil {
				return nil, err
			}
			if refreshed {
				key = findKey(fresh, kid, alg)
			}
		}
		if key == nil {
			return nil, errUnknownKey
		}
		return key.Key, nil
	})
	if err != nil {
		var de *DiscoveryError
		if errors.As(err, &de) {
			return nil, de
		}
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, tokenError(CheckMalformed, err)
		}
		return nil, tokenError(CheckSignature, err)
	}

	claims := mapIDTokenClaims(mc)
	if err := rp.checkClaims(claims, snap.doc.Issuer, want, alg); err != nil {
		return nil, err
	}
	return claims, nil
}

func (rp *RelyingParty) checkClaims(c *IDTokenClaims, issuer string, want idTokenExpectations, alg string) error {
	clientID := rp.cfg.ClientID
	now := rp.now()
	skew := rp.cfg.ClockSkew

	if c.Issuer != issuer {
		return tokenError(CheckIssuer, fmt.Errorf("issuer %q not expected", c.Issuer))
	}
	if !slices.Contains(c.Audience, clientID) {
		return tokenError(CheckAudience, errors.New("client_id not in audience"))
	}
	if len(c.Audience) > 1 && c.AuthorizedParty == "" {
		return tokenError(CheckAuthorizedParty, errors.New("azp required with multiple audiences"))
	}
	if c.AuthorizedParty != "" && c.AuthorizedParty != clientID {
		return tokenError(CheckAuthorizedParty, errors.New("azp does not match client_id"))
	}
	if c.ExpiresAt.IsZero() {
		return tokenError(CheckExpiry, errors.New("exp missing"))
	}
	if now.After(c.ExpiresAt.Add(skew)) {
		return tokenError(CheckExpiry, errors.New("token expired"))
	}
	if c.IssuedAt.IsZero() {
		return tokenError(CheckIssuedAt, errors.New("iat missing"))
	}
	if c.IssuedAt.After(now.Add(skew)) {
		return tokenError(CheckIssuedAt, errors.New("token issued in the future"))
	}
	if want.nonce != "" && subtle.ConstantTimeCompare([]byte(c.Nonce), []byte(want.nonce)) != 1 {
		return tokenError(CheckNonce, errors.New("nonce mismatch"))
	}
	if want.code != "" {
		if err := checkHalfHash(c.CodeHash, want.code, alg, want.requireCodeHash); err != nil {
			return tokenError(CheckCodeHash, err)
		}
	}
	if want.accessToken != "" {
		if err := checkHalfHash(c.AccessTokenHash, want.accessToken, alg, want.requireAccessTokenHash); err != nil {
			return tokenError(CheckAccessTokenHash, err)
		}
	}
	if c.Subject == "" {
		return tokenError(CheckSubject, errors.New("sub missing"))
	}
	return nil
}

func checkHalfHash(claim, value, alg string, required bool) error {
	if claim == "" {
		if required {
			return errors.New("hash claim missing")
		}
		return nil
	}
	expected, err := HalfHash(alg, value)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(claim), []byte(expected)) != 1 {
		return errors.New("hash mismatch")
	}
	return nil
}

// HalfHash computes the c_hash/at_hash value of v for a token signed with alg:
// the base64url encoding of the left half of the digest.
func HalfHash(alg, v string) (string, error) {
	var h crypto.Hash
	switch {
	case strings.HasSuffix(alg, "256"):
		h = crypto.SHA256
	case strings.HasSuffix(alg, "384"):
		h = crypto.SHA384
	case strings.HasSuffix(alg, "512"):
		h = crypto.SHA512
	default:
		return "", fmt.Errorf("no hash for alg %q", alg)
	}
	d := h.New()
	d.Write([]byte(v))
	sum := d.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

// allowedAlgs intersects the provider's advertised algorithms with the ones
// this package verifies. RS256 is assumed when nothing is advertised.
func allowedAlgs(advertised []string) []string {
	if len(advertised) == 0 {
		return []string{"RS256"}
	}
	var out []string
	for _, a := range advertised {
		if slices.Contains(supportedAlgs, a) {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return []string{"RS256"}
	}
	return out
}

func mapIDTokenClaims(mc jwt.MapClaims) *IDTokenClaims {
	raw := make(map[string]any, len(mc))
	for k, v := range mc {
		raw[k] = v
	}
	str := func(k string) string {
		s, _ := mc[k].(string)
		return s
	}
	verified, _ := mc["email_verified"].(bool)
	if s, ok := mc["email_verified"].(string); ok {
		verified = s == "true"
	}
	return &IDTokenClaims{
		Subject:           str("sub"),
		Issuer:            str("iss"),
		Audience:          normalizeAudience(mc["aud"]),
		AuthorizedParty:   str("azp"),
		ExpiresAt:         parseUnix(mc["exp"]),
		IssuedAt:          parseUnix(mc["iat"]),
		AuthTime:          parseUnix(mc["auth_time"]),
		Nonce:             str("nonce"),
		SessionID:         str("sid"),
		AccessTokenHash:   str("at_hash"),
		CodeHash:          str("c_hash"),
		Email:             str("email"),
		EmailVerified:     verified,
		Name:              str("name"),
		GivenName:         str("given_name"),
		FamilyName:        str("family_name"),
		PreferredUsername: str("preferred_username"),
		Picture:           str("picture"),
		Locale:            str("locale"),
		Raw:               raw,
	}
}

func normalizeAudience(val any) []string {
	switch v := val.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		res := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				res = append(res, s)
			}
		}
		return res
	case []string:
		return v
	default:
		return nil
	}
}

func parseUnix(val any) time.Time {
	switch v := val.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return time.Unix(i, 0)
		}
		if f, err := v.Float64(); err == nil {
			return time.Unix(int64(f), 0)
		}
		return time.Time{}
	case float64:
		return time.Unix(int64(v), 0)
	case int64:
		return time.Unix(v, 0)
	default:
		return time.Time{}
	}
}
