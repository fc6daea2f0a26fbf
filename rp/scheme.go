package rp

import "context"

// Paths are the provider-facing routes of a scheme.
type Paths struct {
	Callback          string
	SignedOutCallback string
	RemoteSignOut     string
}

// Scheme is a remote authentication handler the web layer can route to.
type Scheme interface {
	Name() string
	Paths() Paths
	Challenge(ctx context.Context, returnURL string) (string, error)
	HandleCallback(ctx context.Context, p CallbackParams) (*CallbackResult, error)
	SignOut(ctx context.Context, p *Principal, returnURL string) (string, error)
	HandleSignOutCallback(ctx context.Context, state string) string
	ValidateRemoteSignOut(ctx context.Context, p *Principal, iss, sid string) bool
}

var _ Scheme = (*RelyingParty)(nil)
