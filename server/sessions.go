package server

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"oidcrp/rp"
)

type sessionClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// SessionManager handles cookie-backed sessions. The cookie carries a signed
// reference to the server-side record, never the principal itself.
type SessionManager struct {
	store        SessionStore
	logger       *slog.Logger
	cookieName   string
	cookieDomain string
	secure       bool
	sameSite     http.SameSite
	secret       []byte
	now          func() time.Time
}

// NewSessionManager constructs a session manager honouring config. Without a
// configured secret (dev mode only) a random one is generated, so sessions do
// not survive a restart.
func NewSessionManager(cfg Config, store SessionStore, logger *slog.Logger) (*SessionManager, error) {
	secret := []byte(cfg.Sessions.Secret)
	if len(secret) == 0 {
		secret = make([]byte, minSessionSecretLength)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
		logger.Warn("sessions.secret not set, using an ephemeral key")
	}
	sameSite, err := cfg.Sessions.CookieSameSite(cfg.Server.DevMode)
	if err != nil {
		return nil, err
	}
	name := cfg.Sessions.CookieName
	if name == "" {
		name = DefaultSessionCookie
	}
	return &SessionManager{
		store:        store,
		logger:       logger,
		cookieName:   name,
		cookieDomain: cfg.Server.CookieDomain,
		secure:       !cfg.Server.DevMode,
		sameSite:     sameSite,
		secret:       secret,
		now:          time.Now,
	}, nil
}

// Get returns the principal of the request's session, or nil when there is
// no live session.
func (sm *SessionManager) Get(r *http.Request) (*rp.Principal, error) {
	sid, ok := sm.sessionID(r)
	if !ok {
		return nil, nil
	}
	p, found, err := sm.store.GetSession(r.Context(), sid)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !found {
		return nil, nil
	}
	if p.Expired(sm.now()) {
		if err := sm.store.DeleteSession(r.Context(), sid); err != nil {
			sm.logger.Warn("delete expired session", "error", err)
		}
		return nil, nil
	}
	return p, nil
}

// Set stores p under a fresh session id and writes the cookie. Any session
// the request already carried is discarded.
func (sm *SessionManager) Set(w http.ResponseWriter, r *http.Request, p *rp.Principal) error {
	if old, ok := sm.sessionID(r); ok {
		if err := sm.store.DeleteSession(r.Context(), old); err != nil {
			return fmt.Errorf("rotate session: %w", err)
		}
	}
	now := sm.now()
	ttl := p.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return errors.New("principal already expired")
	}

	sid := uuid.NewString()
	if err := sm.store.SaveSession(r.Context(), sid, p, ttl); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		SessionID: sid,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(p.ExpiresAt),
		},
	})
	value, err := token.SignedString(sm.secret)
	if err != nil {
		return fmt.Errorf("sign session cookie: %w", err)
	}
	http.SetCookie(w, sm.cookie(value, p.ExpiresAt, int(ttl.Seconds())))
	return nil
}

// Clear removes the session record and the cookie.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) error {
	var err error
	if sid, ok := sm.sessionID(r); ok {
		err = sm.store.DeleteSession(r.Context(), sid)
	}
	http.SetCookie(w, sm.cookie("", time.Unix(0, 0), -1))
	return err
}

func (sm *SessionManager) cookie(value string, expires time.Time, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     sm.cookieName,
		Value:    value,
		Path:     "/",
		Domain:   sm.cookieDomain,
		Expires:  expires,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
	}
}

func (sm *SessionManager) sessionID(r *http.Request) (string, bool) {
	c, err := r.Cookie(sm.cookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	var claims sessionClaims
	_, err = jwt.ParseWithClaims(c.Value, &claims, func(*jwt.Token) (any, error) {
		return sm.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(sm.now), jwt.WithExpirationRequired())
	if err != nil {
		sm.logger.Debug("session cookie rejected", "error", err)
		return "", false
	}
	return claims.SessionID, claims.SessionID != ""
}
