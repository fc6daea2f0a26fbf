// Package rptest runs an in-process OpenID Connect provider for tests.
package rptest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"oidcrp/rp"
)

// DefaultSubject is the user every sign-in authenticates as unless changed.
const DefaultSubject = "user-1"

type keyPair struct {
	private *rsa.PrivateKey
	jwk     jose.JSONWebKey
	kid     string
}

// Grant is what the token endpoint returns for an issued code.
type Grant struct {
	Claims      jwt.MapClaims
	AccessToken string
}

// Provider is a fake identity provider served over httptest.
type Provider struct {
	Server *httptest.Server

	mu          sync.Mutex
	issuer      string
	subject     string
	extra       map[string]any
	current     keyPair
	previous    []keyPair
	unpublished keyPair
	codes       map[string]Grant
	tokenForms  []url.Values
	tokenError  string
	userInfo    map[string]any
	requests    map[string]int
	failures    map[string]int
	drops       map[string]int
	delay       time.Duration
	metadata    func(map[string]any)
}

// NewProvider starts a provider that is closed when the test ends.
func NewProvider(t testing.TB) *Provider {
	t.Helper()
	p := &Provider{
		subject:  DefaultSubject,
		codes:    map[string]Grant{},
		requests: map[string]int{},
		failures: map[string]int{},
		drops:    map[string]int{},
	}
	var err error
	if p.current, err = newKeyPair(); err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	if p.unpublished, err = newKeyPair(); err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("/jwks", p.handleJWKS)
	mux.HandleFunc("/authorize", p.handleAuthorize)
	mux.HandleFunc("/token", p.handleToken)
	mux.HandleFunc("/userinfo", p.handleUserInfo)
	mux.HandleFunc("/logout", p.handleEndSession)
	p.Server = httptest.NewServer(mux)
	p.issuer = p.Server.URL
	t.Cleanup(p.Server.Close)
	return p
}

// URL is the provider authority.
func (p *Provider) URL() string { return p.Server.URL }

// Issuer returns the issuer advertised in metadata and tokens.
func (p *Provider) Issuer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.issuer
}

// SetIssuer overrides the advertised issuer.
func (p *Provider) SetIssuer(iss string) {
	p.mu.Lock()
	p.issuer = iss
	p.mu.Unlock()
}

// SetSubject changes the user subsequent sign-ins authenticate as.
func (p *Provider) SetSubject(sub string) {
	p.mu.Lock()
	p.subject = sub
	p.mu.Unlock()
}

// SetClaims adds claims to every id token issued by Authorize.
func (p *Provider) SetClaims(claims map[string]any) {
	p.mu.Lock()
	p.extra = claims
	p.mu.Unlock()
}

// SetUserInfo sets the userinfo endpoint response.
func (p *Provider) SetUserInfo(claims map[string]any) {
	p.mu.Lock()
	p.userInfo = claims
	p.mu.Unlock()
}

// SetMetadata lets a test edit the discovery document before it is served.
func (p *Provider) SetMetadata(edit func(doc map[string]any)) {
	p.mu.Lock()
	p.metadata = edit
	p.mu.Unlock()
}

// FailTokenRequests makes the token endpoint reject requests with an OAuth error code.
func (p *Provider) FailTokenRequests(code string) {
	p.mu.Lock()
	p.tokenError = code
	p.mu.Unlock()
}

// FailRequests makes the next n requests to endpoint answer 503. Endpoint is
// one of discovery, jwks, token or userinfo.
func (p *Provider) FailRequests(endpoint string, n int) {
	p.mu.Lock()
	p.failures[endpoint] = n
	p.mu.Unlock()
}

// DropRequests makes the next n requests to endpoint end with the connection
// closed before any response is written.
func (p *Provider) DropRequests(endpoint string, n int) {
	p.mu.Lock()
	p.drops[endpoint] = n
	p.mu.Unlock()
}

// DelayDiscovery holds discovery responses for d.
func (p *Provider) DelayDiscovery(d time.Duration) {
	p.mu.Lock()
	p.delay = d
	p.mu.Unlock()
}

// Requests counts the requests endpoint has received.
func (p *Provider) Requests(endpoint string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[endpoint]
}

// TokenRequests returns the forms posted to the token endpoint.
func (p *Provider) TokenRequests() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]url.Values, len(p.tokenForms))
	copy(out, p.tokenForms)
	return out
}

// Rotate replaces the signing key. The previous key stays published.
func (p *Provider) Rotate() error {
	next, err := newKeyPair()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.previous = append([]keyPair{p.current}, p.previous...)
	p.current = next
	p.mu.Unlock()
	return nil
}

// RotateUnannounced swaps in a new signing key and stops publishing the old one.
func (p *Provider) RotateUnannounced() error {
	next, err := newKeyPair()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.current = next
	p.previous = nil
	p.mu.Unlock()
	return nil
}

// Sign signs claims with the current key.
func (p *Provider) Sign(claims jwt.MapClaims) (string, error) {
	p.mu.Lock()
	key := p.current
	p.mu.Unlock()
	return sign(key, claims)
}

// SignUnpublished signs claims with a key absent from the key set.
func (p *Provider) SignUnpublished(claims jwt.MapClaims) (string, error) {
	return sign(p.unpublished, claims)
}

// IDTokenClaims returns a valid claim set for clientID and nonce.
func (p *Provider) IDTokenClaims(clientID, nonce string) jwt.MapClaims {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": p.issuer,
		"sub": p.subject,
		"aud": clientID,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
		"sid": "session-" + p.subject,
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	for k, v := range p.extra {
		claims[k] = v
	}
	return claims
}

// IssueCode registers a code the token endpoint will redeem once.
func (p *Provider) IssueCode(code string, g Grant) {
	p.mu.Lock()
	p.codes[code] = g
	p.mu.Unlock()
}

// Authorize plays the provider's part of an authorization request: it reads
// the parameters of authURL, issues a code and returns the response the
// provider would deliver to redirect_uri.
func (p *Provider) Authorize(authURL string) (url.Values, error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	clientID := q.Get("client_id")
	nonce := q.Get("nonce")
	responseType := strings.Fields(q.Get("response_type"))

	code := randomString()
	access := randomString()
	p.IssueCode(code, Grant{Claims: p.IDTokenClaims(clientID, nonce), AccessToken: access})

	out := url.Values{}
	out.Set("state", q.Get("state"))
	for _, part := range responseType {
		switch part {
		case "code":
			out.Set("code", code)
		case "token":
			out.Set("access_token", access)
			out.Set("token_type", "Bearer")
		}
	}
	for _, part := range responseType {
		if part != "id_token" {
			continue
		}
		claims := p.IDTokenClaims(clientID, nonce)
		if out.Has("code") {
			claims["c_hash"], _ = rp.HalfHash("RS256", code)
		}
		if out.Has("access_token") {
			claims["at_hash"], _ = rp.HalfHash("RS256", access)
		}
		raw, err := p.Sign(claims)
		if err != nil {
			return nil, err
		}
		out.Set("id_token", raw)
	}
	return out, nil
}

func (p *Provider) count(endpoint string) {
	p.mu.Lock()
	p.requests[endpoint]++
	p.mu.Unlock()
}

// interrupted counts the request and applies any pending drop or failure.
// It reports whether the handler must stop.
func (p *Provider) interrupted(w http.ResponseWriter, endpoint string) bool {
	p.mu.Lock()
	p.requests[endpoint]++
	drop := p.drops[endpoint] > 0
	fail := !drop && p.failures[endpoint] > 0
	if drop {
		p.drops[endpoint]--
	} else if fail {
		p.failures[endpoint]--
	}
	p.mu.Unlock()

	switch {
	case drop:
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return true
			}
		}
		panic(http.ErrAbortHandler)
	case fail:
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return true
	}
	return false
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if p.interrupted(w, "discovery") {
		return
	}
	p.mu.Lock()
	delay := p.delay
	edit := p.metadata
	issuer := p.issuer
	p.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	base := p.Server.URL
	doc := map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                        base + "/token",
		"userinfo_endpoint":                     base + "/userinfo",
		"jwks_uri":                              base + "/jwks",
		"end_session_endpoint":                  base + "/logout",
		"response_types_supported":              []string{"code", "id_token", "code id_token"},
		"response_modes_supported":              []string{"query", "fragment", "form_post"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
		"frontchannel_logout_supported":         true,
		"frontchannel_logout_session_supported": true,
	}
	if edit != nil {
		edit(doc)
	}
	writeJSON(w, http.StatusOK, doc)
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if p.interrupted(w, "jwks") {
		return
	}
	p.mu.Lock()
	keys := []jose.JSONWebKey{p.current.jwk.Public()}
	kids := []string{p.current.kid}
	for _, prev := range p.previous {
		keys = append(keys, prev.jwk.Public())
		kids = append(kids, prev.kid)
	}
	p.mu.Unlock()

	etag := `"` + strings.Join(kids, ".") + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: keys})
}

var formPost = template.Must(template.New("form_post").Parse(`<!doctype html>
<html><body onload="document.forms[0].submit()">
<form method="post" action="{{.Action}}">
{{range $k, $v := .Values}}<input type="hidden" name="{{$k}}" value="{{index $v 0}}">
{{end}}</form></body></html>`))

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	p.count("authorize")
	out, err := p.Authorize(r.URL.String())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	redirectURI := r.URL.Query().Get("redirect_uri")
	if r.URL.Query().Get("response_mode") == "form_post" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = formPost.Execute(w, map[string]any{"Action": redirectURI, "Values": out})
		return
	}
	target, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	target.RawQuery = out.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if p.interrupted(w, "token") {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	p.mu.Lock()
	p.tokenForms = append(p.tokenForms, r.PostForm)
	tokenErr := p.tokenError
	grant, ok := p.codes[r.PostForm.Get("code")]
	delete(p.codes, r.PostForm.Get("code"))
	key := p.current
	p.mu.Unlock()

	if tokenErr != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": tokenErr})
		return
	}
	if !ok || r.PostForm.Get("grant_type") != "authorization_code" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	resp := map[string]any{
		"access_token": grant.AccessToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if grant.Claims != nil {
		raw, err := sign(key, grant.Claims)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
			return
		}
		resp["id_token"] = raw
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	if p.interrupted(w, "userinfo") {
		return
	}
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	p.mu.Lock()
	info := map[string]any{"sub": p.subject}
	for k, v := range p.userInfo {
		info[k] = v
	}
	p.mu.Unlock()
	writeJSON(w, http.StatusOK, info)
}

func (p *Provider) handleEndSession(w http.ResponseWriter, r *http.Request) {
	p.count("end_session")
	target, err := url.Parse(r.URL.Query().Get("post_logout_redirect_uri"))
	if err != nil || target.String() == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	q := target.Query()
	if st := r.URL.Query().Get("state"); st != "" {
		q.Set("state", st)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func newKeyPair() (keyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return keyPair{}, err
	}
	kid := randomString()[:16]
	jwk := jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}
	return keyPair{private: key, jwk: jwk, kid: kid}, nil
}

func sign(key keyPair, claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.kid
	signed, err := token.SignedString(key.private)
	if err != nil {
		return "", fmt.Errorf("sign id token: %w", err)
	}
	return signed, nil
}

func randomString() string {
	buf := make([]byte, 24)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
