package app

import (
	"context"
	"crypto/subtle"

	"github.com/rcmckee/tradewire/internal/domain"
)

// staticAuthenticator resolves a single configured API key to the operator
// principal. Real deployments plug the external authentication collaborator
// through the same interface.
type staticAuthenticator struct {
	key string
}

// orNil returns a usable authenticator, or nil when no key is configured so
// the middleware runs open.
func (staticAuthenticator) orNil(key string) domain.Authenticator {
	if key == "" {
		return nil
	}
	return &staticAuthenticator{key: key}
}

// Authenticate accepts the configured key in constant time.
func (s *staticAuthenticator) Authenticate(ctx context.Context, token string) (domain.UserPrincipal, error) {
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.key)) != 1 {
		return domain.UserPrincipal{}, domain.NewBrokerError(domain.KindAuthentication, "invalid api key")
	}
	return domain.UserPrincipal{ID: "operator"}, nil
}
