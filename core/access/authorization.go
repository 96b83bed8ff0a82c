/*Package access provides utilities for access control
 */
package access

import (
	"context"

	"github.com/google/uuid"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

// the predefined context keys
const (
	contextKeyAuthorization contextKey = "_authorization_"
	contextKeyIdentity      contextKey = "_identity_"
)

/*Authorization is a context object which stores authorization information
for the caller of the application gateway.

An authorization is derived either from an API token in the token store or
from an admin session token. It carries the principal's name, the token's
scopes and the admin flag.

Authorizations are added to a request context with

  ctx = access.ContextWithAuthorization(ctx, auth)

and retrieved with

  auth := access.AuthorizationFromContext(ctx)
*/
type Authorization struct {
	TokenID uuid.UUID `json:"tokenId,omitempty"`
	Name    string    `json:"name"`
	Scopes  []string  `json:"scopes,omitempty"`
	Admin   bool      `json:"admin,omitempty"`
}

// HasScope returns true if the authorization contains the requested scope.
// An authorization without any scopes is unrestricted, and admins can do
// everything.
func (a *Authorization) HasScope(scope string) bool {
	if a == nil {
		return false
	}
	if a.Admin || len(a.Scopes) == 0 {
		return true
	}
	for _, hasScope := range a.Scopes {
		if scope == hasScope {
			return true
		}
	}
	return false
}

// ContextWithAuthorization returns a new context with this authorization added to it
func ContextWithAuthorization(ctx context.Context, a *Authorization) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, a)
}

// AuthorizationFromContext retrieves an authorization from the context
func AuthorizationFromContext(ctx context.Context) *Authorization {
	a, ok := ctx.Value(contextKeyAuthorization).(*Authorization)
	if ok {
		return a
	}
	return nil
}

// ContextWithIdentity returns a new context with the authenticated identity added to it
func ContextWithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, identity)
}

// IdentityFromContext retrieves the authenticated identity from the context
func IdentityFromContext(ctx context.Context) string {
	s, ok := ctx.Value(contextKeyIdentity).(string)
	if ok {
		return s
	}
	return ""
}
