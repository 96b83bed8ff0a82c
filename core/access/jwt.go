package access

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/edgeberry/devicehub/core"
	"github.com/edgeberry/devicehub/core/logger"
)

// AdminSessionBuilder issues and validates admin session tokens for the
// gateway's admin surface. Sessions are HS256 JWT signed with a shared
// secret from the environment.
type AdminSessionBuilder struct {
	// Secret signs and verifies session tokens. Must not be empty.
	Secret []byte
	// TTL is the session lifetime. Zero means 24 hours.
	TTL time.Duration
	// Issuer is the accepted issuer for the token
	Issuer string
}

type adminClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

const defaultSessionTTL = 24 * time.Hour

// IssueToken creates a signed session token for the given admin user.
func (b *AdminSessionBuilder) IssueToken(username string) (string, time.Time, error) {
	if len(b.Secret) == 0 {
		return "", time.Time{}, errors.New("session secret is missing")
	}
	ttl := b.TTL
	if ttl == 0 {
		ttl = defaultSessionTTL
	}
	expiresAt := time.Now().Add(ttl)
	claims := adminClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    b.Issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Validate parses a session token and returns the admin authorization.
// Expired sessions map to token_expired, everything else to invalid_token.
func (b *AdminSessionBuilder) Validate(tokenString string) (*Authorization, error) {
	claims := adminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return b.Secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, core.NewError(core.CodeTokenExpired, "session expired")
		}
		return nil, core.NewError(core.CodeInvalidToken, "invalid session token")
	}
	if !token.Valid || (b.Issuer != "" && claims.Issuer != b.Issuer) {
		return nil, core.NewError(core.CodeInvalidToken, "invalid session token")
	}
	return &Authorization{Name: claims.Username, Admin: true}, nil
}

// NewAdminSessionMiddleware returns a middleware handler to validate admin
// session tokens.
//
// Session tokens are accepted as "Authorization: Bearer" header. Requests
// without a token or with a token that is not a JWT pass through, so the
// API token middleware can have a go at them. A well-formed but invalid
// session is rejected with 401.
func NewAdminSessionMiddleware(b *AdminSessionBuilder) mux.MiddlewareFunc {
	if len(b.Secret) == 0 {
		panic("session secret is missing")
	}

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil { // already authorized?
				h.ServeHTTP(w, r)
				return
			}

			tokenString := BearerToken(r)
			// session tokens are JWT, API tokens are opaque strings
			if len(tokenString) == 0 || !looksLikeJWT(tokenString) {
				h.ServeHTTP(w, r)
				return
			}

			auth, err := b.Validate(tokenString)
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

func looksLikeJWT(token string) bool {
	dots := 0
	for _, r := range token {
		if r == '.' {
			dots++
		}
	}
	return dots == 2
}
