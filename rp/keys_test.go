package rp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"golang.org/x/oauth2"
)

func TestFindKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: &key.PublicKey, KeyID: "enc", Use: "enc", Algorithm: "RS256"},
		{Key: key, KeyID: "private", Use: "sig", Algorithm: "RS256"},
		{Key: &key.PublicKey, KeyID: "ps", Use: "sig", Algorithm: "PS256"},
		{Key: &key.PublicKey, KeyID: "rs", Use: "sig", Algorithm: "RS256"},
	}}

	if k := findKey(set, "rs", "RS256"); k == nil || k.KeyID != "rs" {
		t.Fatalf("expected rs key, got %+v", k)
	}
	if k := findKey(set, "", "RS256"); k == nil || k.KeyID != "rs" {
		t.Fatalf("expected first usable key, got %+v", k)
	}
	for _, kid := range []string{"enc", "private", "missing"} {
		if k := findKey(set, kid, "RS256"); k != nil {
			t.Fatalf("kid %q should not be usable", kid)
		}
	}
	if k := findKey(set, "ps", "RS256"); k != nil {
		t.Fatalf("algorithm mismatch should reject key")
	}
}

func TestMaxCacheDuration(t *testing.T) {
	if got := maxCacheDuration("public, max-age=120", time.Minute); got != 2*time.Minute {
		t.Fatalf("expected max-age to win, got %v", got)
	}
	if got := maxCacheDuration("no-store", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback, got %v", got)
	}
	if got := maxCacheDuration("", 0); got != DefaultKeyCacheTTL {
		t.Fatalf("expected default ttl, got %v", got)
	}
}

func TestHalfHash(t *testing.T) {
	got, err := HalfHash("RS256", "jHkWEdUXMU1BwAsC4vtUsZwnNSwT4Ah3wxDAGfPPb9Y")
	if err != nil {
		t.Fatalf("half hash: %v", err)
	}
	if got == "" || len(got) != 22 {
		t.Fatalf("expected 128-bit encoded half hash, got %q", got)
	}
	if _, err := HalfHash("HS1", "x"); err == nil {
		t.Fatalf("expected unsupported alg error")
	}
}

func TestAllowedAlgs(t *testing.T) {
	if got := allowedAlgs(nil); len(got) != 1 || got[0] != "RS256" {
		t.Fatalf("expected RS256 default, got %v", got)
	}
	got := allowedAlgs([]string{"none", "HS256", "ES256", "RS256"})
	if len(got) != 2 || got[0] != "ES256" || got[1] != "RS256" {
		t.Fatalf("expected asymmetric algorithms only, got %v", got)
	}
}

func TestRetryable(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name           string
		err            error
		want           bool
		wantUnanswered bool
	}{
		{"deadline", context.DeadlineExceeded, true, true},
		{"url error", &url.Error{Op: "Post", URL: "https://idp", Err: errors.New("reset")}, true, true},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true, true},
		{"5xx", &statusError{StatusCode: 503, Status: "503 Service Unavailable"}, true, false},
		{"4xx", &statusError{StatusCode: 404, Status: "404 Not Found"}, false, false},
		{"oauth rejection", &oauth2.RetrieveError{ErrorCode: "invalid_grant", Response: &http.Response{StatusCode: 400}}, false, false},
		{"token endpoint 5xx", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 503}}, false, false},
		{"decode", errors.New("decode metadata: bad json"), false, false},
	}
	for _, tc := range cases {
		if got := retryable(ctx, tc.err); got != tc.want {
			t.Fatalf("%s: retryable = %v, want %v", tc.name, got, tc.want)
		}
		if got := unanswered(ctx, tc.err); got != tc.wantUnanswered {
			t.Fatalf("%s: unanswered = %v, want %v", tc.name, got, tc.wantUnanswered)
		}
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if retryable(cancelled, context.DeadlineExceeded) || unanswered(cancelled, context.DeadlineExceeded) {
		t.Fatalf("a cancelled caller must not be retried")
	}
}
