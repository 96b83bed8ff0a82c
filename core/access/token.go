// Copyright 2026 Edgeberry - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@edgeberry.io
//

package access

import (
	"context"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/edgeberry/devicehub/core"
	"github.com/edgeberry/devicehub/core/logger"
)

// TokenValidator validates an API token secret against the token store and
// returns the authorization derived from it. Validation errors carry one of
// the stable codes invalid_token, token_expired, token_inactive.
type TokenValidator interface {
	ValidateToken(ctx context.Context, secret string) (*Authorization, error)
}

// TokenMiddlewareBuilder is a helper builder for the API token middleware
type TokenMiddlewareBuilder struct {
	// Validator is the token store. Must not be nil.
	Validator TokenValidator
}

// NewTokenMiddleware returns a middleware handler to validate API bearer
// tokens.
//
// Tokens are accepted as "Authorization: Bearer" header. A request without
// any token passes through unauthenticated; routes that need authentication
// wrap their handlers with Required. A request with an invalid token is
// answered with 401 and the validation error's code.
func NewTokenMiddleware(tmb *TokenMiddlewareBuilder) mux.MiddlewareFunc {
	if tmb.Validator == nil {
		panic("token validator is missing")
	}

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil { // already authorized?
				h.ServeHTTP(w, r)
				return
			}

			tokenString := BearerToken(r)
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no auth, moving on
				return
			}

			auth, err := tmb.Validator.ValidateToken(r.Context(), tokenString)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, err)
				return
			}

			ctx := ContextWithIdentity(r.Context(), auth.Name)
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, auth.Name)
			ctx = ContextWithAuthorization(ctx, auth)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the bearer token from the Authorization header.
// The "Bearer " prefix is matched case-insensitively; a bare token without
// the prefix is accepted as well.
func BearerToken(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) == 0 || bearer == "null" {
		return ""
	}
	if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
		return bearer[7:]
	}
	return bearer
}

// Required wraps a handler and rejects unauthenticated requests with 401.
func Required(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if AuthorizationFromContext(r.Context()) == nil {
			WriteError(w, http.StatusUnauthorized, core.NewError(core.CodeInvalidToken, "authentication required"))
			return
		}
		h.ServeHTTP(w, r)
	})
}

// AdminRequired wraps a handler and rejects everything but admin sessions with 401.
func AdminRequired(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := AuthorizationFromContext(r.Context())
		if auth == nil || !auth.Admin {
			WriteError(w, http.StatusUnauthorized, core.NewError(core.CodeInvalidToken, "admin session required"))
			return
		}
		h.ServeHTTP(w, r)
	})
}

// WriteError writes a JSON error body with the error's stable code.
func WriteError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := struct {
		Error   core.Code `json:"error"`
		Message string    `json:"message,omitempty"`
	}{Error: core.CodeOf(err), Message: core.MessageOf(err)}
	jsonData, _ := json.Marshal(body)
	w.Write(jsonData)
}
