package rp

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

// randomBytes is the entropy behind every state, nonce and verifier value.
const randomBytes = 32

// StateKind separates login correlation records from sign-out records.
type StateKind string

const (
	StateKindLogin   StateKind = "login"
	StateKindSignOut StateKind = "signout"
)

// AuthRequestState correlates an outgoing provider redirect with its callback.
type AuthRequestState struct {
	Kind         StateKind `json:"kind"`
	State        string    `json:"state"`
	Nonce        string    `json:"nonce,omitempty"`
	CodeVerifier string    `json:"code_verifier,omitempty"`
	ReturnURL    string    `json:"return_url"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the record is past its lifetime.
func (s AuthRequestState) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// StateStore keeps AuthRequestState records until their callback arrives.
// ConsumeState must remove and return a record atomically so that a state
// value can be redeemed at most once.
type StateStore interface {
	SaveState(ctx context.Context, st AuthRequestState) error
	ConsumeState(ctx context.Context, state string) (AuthRequestState, bool, error)
}

func randomValue() (string, error) {
	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (rp *RelyingParty) newState(kind StateKind, returnURL string) (AuthRequestState, error) {
	state, err := randomValue()
	if err != nil {
		return AuthRequestState{}, err
	}
	now := rp.now()
	st := AuthRequestState{
		Kind:      kind,
		State:     state,
		ReturnURL: returnURL,
		CreatedAt: now,
		ExpiresAt: now.Add(rp.cfg.StateLifetime),
	}
	if kind == StateKindLogin {
		if st.Nonce, err = randomValue(); err != nil {
			return AuthRequestState{}, err
		}
	}
	return st, nil
}

// redeem consumes state and checks it is a live record of the wanted kind.
func (rp *RelyingParty) redeem(ctx context.Context, state string, kind StateKind) (AuthRequestState, error) {
	if state == "" {
		return AuthRequestState{}, invalidState("state parameter missing")
	}
	st, ok, err := rp.states.ConsumeState(ctx, state)
	if err != nil {
		return AuthRequestState{}, fmt.Errorf("consume auth request state: %w", err)
	}
	if !ok {
		return AuthRequestState{}, invalidState("unknown or already used")
	}
	if st.Kind != kind {
		return AuthRequestState{}, invalidState("wrong state kind")
	}
	if st.Expired(rp.now()) {
		return AuthRequestState{}, invalidState("expired")
	}
	return st, nil
}
