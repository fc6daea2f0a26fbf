package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"oidcrp/rp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSessions(t *testing.T) (*SessionManager, *InMemoryStore) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Sessions.Secret = strings.Repeat("s", 32)
	store := NewInMemoryStore()
	sm, err := NewSessionManager(cfg, store, testLogger())
	if err != nil {
		t.Fatalf("new session manager: %v", err)
	}
	return sm, store
}

func requestWithCookies(rec *httptest.ResponseRecorder) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	return req
}

func TestSessionRoundTrip(t *testing.T) {
	sm, _ := newTestSessions(t)
	p := &rp.Principal{Subject: "user-1", Email: "u@example.com", ExpiresAt: time.Now().Add(time.Hour)}

	rec := httptest.NewRecorder()
	if err := sm.Set(rec, httptest.NewRequest(http.MethodGet, "/", nil), p); err != nil {
		t.Fatalf("set session: %v", err)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected one cookie, got %d", len(cookies))
	}
	c := cookies[0]
	if !c.HttpOnly || c.SameSite != http.SameSiteLaxMode || c.Name != DefaultSessionCookie {
		t.Fatalf("unexpected cookie attributes: %+v", c)
	}
	if strings.Contains(c.Value, "u@example.com") {
		t.Fatalf("cookie must not carry principal data")
	}

	got, err := sm.Get(requestWithCookies(rec))
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got == nil || got.Subject != "user-1" || got.Email != "u@example.com" {
		t.Fatalf("unexpected principal: %+v", got)
	}
}

func TestSessionCookieSameSite(t *testing.T) {
	cases := []struct {
		name     string
		devMode  bool
		sameSite string
		want     http.SameSite
		secure   bool
	}{
		{"production default", false, "", http.SameSiteNoneMode, true},
		{"dev default", true, "", http.SameSiteLaxMode, false},
		{"explicit strict", false, "strict", http.SameSiteStrictMode, true},
		{"explicit lax", false, "Lax", http.SameSiteLaxMode, true},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		cfg.Server.DevMode = tc.devMode
		cfg.Sessions.Secret = strings.Repeat("s", 32)
		cfg.Sessions.SameSite = tc.sameSite
		sm, err := NewSessionManager(cfg, NewInMemoryStore(), testLogger())
		if err != nil {
			t.Fatalf("%s: new session manager: %v", tc.name, err)
		}
		rec := httptest.NewRecorder()
		p := &rp.Principal{Subject: "user-1", ExpiresAt: time.Now().Add(time.Hour)}
		if err := sm.Set(rec, httptest.NewRequest(http.MethodGet, "/", nil), p); err != nil {
			t.Fatalf("%s: set session: %v", tc.name, err)
		}
		c := rec.Result().Cookies()[0]
		if c.SameSite != tc.want || c.Secure != tc.secure {
			t.Fatalf("%s: got SameSite=%v Secure=%v, want SameSite=%v Secure=%v", tc.name, c.SameSite, c.Secure, tc.want, tc.secure)
		}
	}
}

func TestSessionCookieSameSiteRejected(t *testing.T) {
	for _, tc := range []struct {
		devMode  bool
		sameSite string
	}{
		{true, "none"},
		{false, "sometimes"},
	} {
		cfg := DefaultConfig()
		cfg.Server.DevMode = tc.devMode
		cfg.Sessions.Secret = strings.Repeat("s", 32)
		cfg.Sessions.SameSite = tc.sameSite
		if _, err := NewSessionManager(cfg, NewInMemoryStore(), testLogger()); err == nil {
			t.Fatalf("expected same_site %q (dev mode %v) to be rejected", tc.sameSite, tc.devMode)
		}
	}
}

func TestSessionRotatesOnSet(t *testing.T) {
	sm, store := newTestSessions(t)
	p := &rp.Principal{Subject: "user-1", ExpiresAt: time.Now().Add(time.Hour)}

	first := httptest.NewRecorder()
	if err := sm.Set(first, httptest.NewRequest(http.MethodGet, "/", nil), p); err != nil {
		t.Fatalf("set session: %v", err)
	}
	second := httptest.NewRecorder()
	if err := sm.Set(second, requestWithCookies(first), p); err != nil {
		t.Fatalf("set session: %v", err)
	}
	if got, _ := sm.Get(requestWithCookies(first)); got != nil {
		t.Fatalf("previous session should be discarded")
	}
	if got, _ := sm.Get(requestWithCookies(second)); got == nil {
		t.Fatalf("new session missing")
	}
	if n := store.sessions.ItemCount(); n != 1 {
		t.Fatalf("expected one stored session, got %d", n)
	}
}

func TestSessionRejectsTamperedCookie(t *testing.T) {
	sm, _ := newTestSessions(t)
	other, _ := newTestSessions(t)
	other.secret = []byte(strings.Repeat("x", 32))
	p := &rp.Principal{Subject: "user-1", ExpiresAt: time.Now().Add(time.Hour)}

	rec := httptest.NewRecorder()
	if err := other.Set(rec, httptest.NewRequest(http.MethodGet, "/", nil), p); err != nil {
		t.Fatalf("set session: %v", err)
	}
	if got, err := sm.Get(requestWithCookies(rec)); err != nil || got != nil {
		t.Fatalf("cookie signed with another key must be ignored, got %+v %v", got, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: DefaultSessionCookie, Value: "not-a-jwt"})
	if got, err := sm.Get(req); err != nil || got != nil {
		t.Fatalf("garbage cookie must be ignored, got %+v %v", got, err)
	}
}

func TestSessionExpiry(t *testing.T) {
	sm, _ := newTestSessions(t)
	now := time.Now()
	sm.now = func() time.Time { return now }
	p := &rp.Principal{Subject: "user-1", ExpiresAt: now.Add(time.Minute)}

	rec := httptest.NewRecorder()
	if err := sm.Set(rec, httptest.NewRequest(http.MethodGet, "/", nil), p); err != nil {
		t.Fatalf("set session: %v", err)
	}
	sm.now = func() time.Time { return now.Add(2 * time.Minute) }
	if got, _ := sm.Get(requestWithCookies(rec)); got != nil {
		t.Fatalf("expired session returned")
	}

	expired := &rp.Principal{Subject: "user-1", ExpiresAt: now}
	if err := sm.Set(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), expired); err == nil {
		t.Fatalf("expected error for expired principal")
	}
}

func TestSessionClear(t *testing.T) {
	sm, store := newTestSessions(t)
	p := &rp.Principal{Subject: "user-1", ExpiresAt: time.Now().Add(time.Hour)}
	rec := httptest.NewRecorder()
	if err := sm.Set(rec, httptest.NewRequest(http.MethodGet, "/", nil), p); err != nil {
		t.Fatalf("set session: %v", err)
	}

	out := httptest.NewRecorder()
	if err := sm.Clear(out, requestWithCookies(rec)); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n := store.sessions.ItemCount(); n != 0 {
		t.Fatalf("session record should be deleted, %d left", n)
	}
	cleared := out.Result().Cookies()
	if len(cleared) != 1 || cleared[0].MaxAge >= 0 {
		t.Fatalf("expected expiring cookie, got %+v", cleared)
	}
}

func TestInMemoryStoreConsumesStateOnce(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	st := rp.AuthRequestState{Kind: rp.StateKindLogin, State: "abc123", Nonce: "n1", ExpiresAt: time.Now().Add(time.Minute)}
	if err := store.SaveState(ctx, st); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := store.ConsumeState(ctx, "abc123")
	if err != nil || !ok || got.Nonce != "n1" {
		t.Fatalf("consume: %+v %v %v", got, ok, err)
	}
	if _, ok, _ := store.ConsumeState(ctx, "abc123"); ok {
		t.Fatalf("state redeemed twice")
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("OIDCRP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("OIDCRP_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	store, err := NewRedisStore(ctx, RedisConfig{Addr: addr, Prefix: "oidcrp-test:"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer store.Close()

	st := rp.AuthRequestState{Kind: rp.StateKindLogin, State: "state-" + randomID(), ExpiresAt: time.Now().Add(time.Minute)}
	if err := store.SaveState(ctx, st); err != nil {
		t.Fatalf("save state: %v", err)
	}
	if _, ok, err := store.ConsumeState(ctx, st.State); err != nil || !ok {
		t.Fatalf("consume: %v %v", ok, err)
	}
	if _, ok, err := store.ConsumeState(ctx, st.State); err != nil || ok {
		t.Fatalf("second consume should miss: %v %v", ok, err)
	}

	sid := "session-" + randomID()
	if err := store.SaveSession(ctx, sid, &rp.Principal{Subject: "user-1"}, time.Minute); err != nil {
		t.Fatalf("save session: %v", err)
	}
	p, ok, err := store.GetSession(ctx, sid)
	if err != nil || !ok || p.Subject != "user-1" {
		t.Fatalf("get session: %+v %v %v", p, ok, err)
	}
	if err := store.DeleteSession(ctx, sid); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.GetSession(ctx, sid); ok {
		t.Fatalf("session should be gone")
	}
}
