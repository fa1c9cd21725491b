package domain

import "context"

// UserPrincipal is the opaque identity produced by the authentication
// collaborator. This module never issues or validates credentials itself.
type UserPrincipal struct {
	ID         string
	AccountIDs []string
}

// OwnsAccount reports whether the principal may act on the account.
func (u UserPrincipal) OwnsAccount(accountID string) bool {
	for _, id := range u.AccountIDs {
		if id == accountID {
			return true
		}
	}
	return false
}

// Authenticator resolves a bearer token to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (UserPrincipal, error)
}

// GateDecision is the feature gate's answer for one capability check.
type GateDecision struct {
	Allowed bool
	Reason  string
}

// FeatureGate is the payment/subscription collaborator. Usage is the caller's
// running count for the capability in the current window.
type FeatureGate interface {
	Allow(ctx context.Context, user UserPrincipal, capability string, usage int) (GateDecision, error)
}
