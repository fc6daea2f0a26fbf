package rp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/oauth2"
)

var (
	// ErrConfiguration is returned when the relying party configuration is unusable.
	ErrConfiguration = errors.New("invalid oidc configuration")
	// ErrDiscovery is returned when provider metadata or signing keys cannot be obtained.
	ErrDiscovery = errors.New("oidc discovery failed")
	// ErrInvalidState is returned when a callback's state is unknown, expired or reused.
	ErrInvalidState = errors.New("invalid authentication state")
	// ErrTokenValidation is returned when an id token fails a validation check.
	ErrTokenValidation = errors.New("token validation failed")
	// ErrTokenExchange is returned when the authorization code cannot be redeemed.
	ErrTokenExchange = errors.New("token exchange failed")
	// ErrProvider is returned when the provider reports an authorization error.
	ErrProvider = errors.New("provider returned an error")
	// ErrUnauthorized is returned when an authenticated-only action has no session.
	ErrUnauthorized = errors.New("unauthorized")
)

// Validation check names carried by TokenValidationError.
const (
	CheckMalformed       = "malformed"
	CheckSignature       = "signature"
	CheckIssuer          = "issuer"
	CheckAudience        = "audience"
	CheckAuthorizedParty = "authorized_party"
	CheckExpiry          = "expiry"
	CheckIssuedAt        = "issued_at"
	CheckNonce           = "nonce"
	CheckSubject         = "subject"
	CheckCodeHash        = "c_hash"
	CheckAccessTokenHash = "at_hash"
	CheckMissingIDToken  = "id_token_missing"
	CheckMissingCode     = "code_missing"
	CheckIssuerParameter = "iss_parameter"
	CheckUserInfoSubject = "userinfo_subject"
)

// ConfigurationError lists every configuration violation found at startup.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %v", ErrConfiguration, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// Problems returns the individual violations.
func (e *ConfigurationError) Problems() []error {
	var merr *multierror.Error
	if errors.As(e.Err, &merr) {
		return merr.WrappedErrors()
	}
	return []error{e.Err}
}

// DiscoveryError wraps failures fetching the metadata document or key set.
type DiscoveryError struct {
	URL string
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrDiscovery, e.URL, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

func (e *DiscoveryError) Is(target error) bool { return target == ErrDiscovery }

// TokenValidationError names the check an id token failed. It never carries
// token contents.
type TokenValidationError struct {
	Check string
	Err   error
}

func (e *TokenValidationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrTokenValidation, e.Check)
	}
	return fmt.Sprintf("%s: %s: %v", ErrTokenValidation, e.Check, e.Err)
}

func (e *TokenValidationError) Unwrap() error { return e.Err }

func (e *TokenValidationError) Is(target error) bool { return target == ErrTokenValidation }

// TokenExchangeError wraps transport or provider failures at the token and
// userinfo endpoints.
type TokenExchangeError struct {
	Endpoint string
	Err      error
}

func (e *TokenExchangeError) Error() string {
	var re *oauth2.RetrieveError
	if errors.As(e.Err, &re) && re.ErrorCode != "" {
		return fmt.Sprintf("%s: %s: provider rejected request: %s", ErrTokenExchange, e.Endpoint, re.ErrorCode)
	}
	return fmt.Sprintf("%s: %s: %v", ErrTokenExchange, e.Endpoint, e.Err)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

func (e *TokenExchangeError) Is(target error) bool { return target == ErrTokenExchange }

// ProviderError carries an error the provider sent to the callback.
type ProviderError struct {
	Code        string
	Description string
	URI         string
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(ErrProvider.Error())
	b.WriteString(": ")
	b.WriteString(e.Code)
	if e.Description != "" {
		b.WriteString(": ")
		b.WriteString(e.Description)
	}
	return b.String()
}

func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

func tokenError(check string, err error) error {
	return &TokenValidationError{Check: check, Err: err}
}

func invalidState(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, reason)
}
