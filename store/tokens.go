package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/edgeberry/devicehub/core"
	"github.com/edgeberry/devicehub/core/access"
	"github.com/edgeberry/devicehub/core/csql"
	"github.com/edgeberry/devicehub/core/logger"
)

// APIToken describes a bearer token for the application gateway. The
// Token field carries the secret itself and is only populated by
// CreateToken; list and lookup operations leave it empty.
type APIToken struct {
	TokenID   uuid.UUID  `json:"tokenId"`
	Name      string     `json:"name"`
	Token     string     `json:"token,omitempty"`
	Scopes    []string   `json:"scopes"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  *time.Time `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Active    bool       `json:"active"`
}

// CreateToken mints a new bearer token. The returned object is the only
// place the secret ever appears in the clear.
func (s *Store) CreateToken(ctx context.Context, name string, scopes []string, expiresAt *time.Time) (APIToken, error) {
	if name == "" {
		return APIToken{}, core.NewError(core.CodeBadRequest, "token name must not be empty")
	}
	if scopes == nil {
		scopes = []string{}
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return APIToken{}, core.Errorf(core.CodeInternalError, "cannot generate token: %v", err)
	}
	token := APIToken{
		Name:      name,
		Token:     hex.EncodeToString(secret),
		Scopes:    scopes,
		ExpiresAt: expiresAt,
		Active:    true,
	}
	scopesJSON, _ := json.Marshal(scopes)
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO `+s.db.Schema+`.api_tokens(name, token, scopes, expires_at)
VALUES($1, $2, $3, $4)
RETURNING token_id, created_at;`,
		name, token.Token, scopesJSON, expiresAt).Scan(&token.TokenID, &token.CreatedAt)
	if err != nil {
		return APIToken{}, dbError(err)
	}
	return token, nil
}

// ListTokens returns all tokens without their secrets.
func (s *Store) ListTokens(ctx context.Context) ([]APIToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token_id, name, scopes, created_at, last_used, expires_at, active
FROM `+s.db.Schema+`.api_tokens ORDER BY created_at DESC;`)
	if err != nil {
		return nil, dbError(err)
	}
	defer rows.Close()

	tokens := []APIToken{}
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// RevokeToken deactivates a token. Revocation is immediate: the validator
// reads the row on every request, so there is no cache to expire.
func (s *Store) RevokeToken(ctx context.Context, tokenID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+s.db.Schema+`.api_tokens SET active=false WHERE token_id=$1;`, tokenID)
	if err != nil {
		return dbError(err)
	}
	count, _ := res.RowsAffected()
	if count == 0 {
		return core.Errorf(core.CodeNotFound, "token %s does not exist", tokenID)
	}
	return nil
}

// ValidateToken checks a bearer secret against the token table. It
// implements access.TokenValidator for the gateway's token middleware.
func (s *Store) ValidateToken(ctx context.Context, secret string) (*access.Authorization, error) {
	var (
		token     APIToken
		scopes    []byte
		expiresAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT token_id, name, scopes, expires_at, active
FROM `+s.db.Schema+`.api_tokens WHERE token=$1;`,
		secret).Scan(&token.TokenID, &token.Name, &scopes, &expiresAt, &token.Active)
	if err == csql.ErrNoRows {
		return nil, core.NewError(core.CodeInvalidToken, "unknown token")
	}
	if err != nil {
		return nil, dbError(err)
	}
	if !token.Active {
		return nil, core.NewError(core.CodeTokenInactive, "token has been revoked")
	}
	if expiresAt.Valid && expiresAt.Time.Before(time.Now()) {
		return nil, core.NewError(core.CodeTokenExpired, "token has expired")
	}
	if err := json.Unmarshal(scopes, &token.Scopes); err != nil {
		return nil, core.Errorf(core.CodeInternalError, "stored scopes are corrupt: %v", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE `+s.db.Schema+`.api_tokens SET last_used=now() WHERE token_id=$1;`,
		token.TokenID); err != nil {
		logger.FromContext(ctx).Warnf("cannot record token use: %v", err)
	}

	return &access.Authorization{
		TokenID: token.TokenID,
		Name:    token.Name,
		Scopes:  token.Scopes,
	}, nil
}

func scanToken(rows *sql.Rows) (APIToken, error) {
	var (
		token     APIToken
		scopes    []byte
		lastUsed  sql.NullTime
		expiresAt sql.NullTime
	)
	if err := rows.Scan(&token.TokenID, &token.Name, &scopes, &token.CreatedAt,
		&lastUsed, &expiresAt, &token.Active); err != nil {
		return APIToken{}, dbError(err)
	}
	if lastUsed.Valid {
		token.LastUsed = &lastUsed.Time
	}
	if expiresAt.Valid {
		token.ExpiresAt = &expiresAt.Time
	}
	if err := json.Unmarshal(scopes, &token.Scopes); err != nil {
		return APIToken{}, core.Errorf(core.CodeInternalError, "stored scopes are corrupt: %v", err)
	}
	return token, nil
}
