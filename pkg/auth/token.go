package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const (
	// TokenPrefix identifies CareGrid tokens
	TokenPrefix = "cg_"
	// TokenLength is the total length of random bytes (32 bytes = 256 bits)
	TokenLength = 32
)

// TokenGenerator generates and validates API tokens
type TokenGenerator struct{}

// NewTokenGenerator creates a new token generator
func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{}
}

// GenerateToken creates a new API token.
// Format: cg_<base64url(32 random bytes)>
func (tg *TokenGenerator) GenerateToken() (token string, tokenHash string, tokenPrefix string, err error) {
	randomBytes := make([]byte, TokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	encodedToken := base64.RawURLEncoding.EncodeToString(randomBytes)
	fullToken := TokenPrefix + encodedToken

	// SHA256 hash is what gets persisted; the raw token is shown once
	hash := sha256.Sum256([]byte(fullToken))
	hashStr := hex.EncodeToString(hash[:])

	// First 8 chars after "cg_" identify the token in listings
	prefix := TokenPrefix
	if len(encodedToken) >= 8 {
		prefix = TokenPrefix + encodedToken[:8]
	}

	return fullToken, hashStr, prefix, nil
}

// HashToken computes the SHA256 hash of a token for lookup
func (tg *TokenGenerator) HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidateTokenFormat checks that a token has the expected shape before
// any database lookup happens
func (tg *TokenGenerator) ValidateTokenFormat(token string) error {
	if !strings.HasPrefix(token, TokenPrefix) {
		return fmt.Errorf("token must start with %q", TokenPrefix)
	}
	encoded := strings.TrimPrefix(token, TokenPrefix)
	if encoded == "" {
		return fmt.Errorf("token payload is empty")
	}
	if _, err := base64.RawURLEncoding.DecodeString(encoded); err != nil {
		return fmt.Errorf("token payload is not base64url: %w", err)
	}
	return nil
}

// TokenStore persists API tokens and resolves them back to users
type TokenStore struct {
	db  *sql.DB
	gen *TokenGenerator
}

// NewTokenStore creates a token store over an existing database handle
func NewTokenStore(db *sql.DB) *TokenStore {
	return &TokenStore{db: db, gen: NewTokenGenerator()}
}

// EnsureSchema creates the api_tokens table if it does not exist.
// The users table is owned by the surrounding application.
func (s *TokenStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS api_tokens (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			token_hash VARCHAR(64) NOT NULL UNIQUE,
			token_prefix VARCHAR(16) NOT NULL,
			name VARCHAR(255) NOT NULL,
			expires_at TIMESTAMP,
			last_used_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			revoked_at TIMESTAMP,
			revoked_by BIGINT,
			revoke_reason TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create api_tokens table: %w", err)
	}
	return nil
}

// IssueToken creates a new token for a user and returns the raw token once
func (s *TokenStore) IssueToken(ctx context.Context, userID int64, name string, expiresAt *time.Time) (*APIToken, string, error) {
	raw, hash, prefix, err := s.gen.GenerateToken()
	if err != nil {
		return nil, "", err
	}

	token := &APIToken{
		UserID:      userID,
		TokenHash:   hash,
		TokenPrefix: prefix,
		Name:        name,
		ExpiresAt:   expiresAt,
	}

	query := `
		INSERT INTO api_tokens (user_id, token_hash, token_prefix, name, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	now := time.Now()
	err = s.db.QueryRowContext(ctx, query,
		token.UserID,
		token.TokenHash,
		token.TokenPrefix,
		token.Name,
		token.ExpiresAt,
		now,
	).Scan(&token.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to issue token: %w", err)
	}

	token.CreatedAt = now
	return token, raw, nil
}

// ValidateToken resolves a raw bearer token to its user. Revoked, expired
// and malformed tokens all fail with an error.
func (s *TokenStore) ValidateToken(ctx context.Context, rawToken string) (*User, *APIToken, error) {
	if err := s.gen.ValidateTokenFormat(rawToken); err != nil {
		return nil, nil, err
	}

	hash := s.gen.HashToken(rawToken)

	query := `
		SELECT t.id, t.user_id, t.token_prefix, t.name, t.expires_at, t.created_at,
		       u.id, u.email, u.full_name, u.role, u.role_id, u.hospital_id, u.is_active
		FROM api_tokens t
		JOIN users u ON u.id = t.user_id
		WHERE t.token_hash = $1
		  AND t.revoked_at IS NULL
	`

	var token APIToken
	var user User
	var expiresAt sql.NullTime
	var fullName sql.NullString
	var roleID sql.NullInt64
	var hospitalID sql.NullString

	err := s.db.QueryRowContext(ctx, query, hash).Scan(
		&token.ID,
		&token.UserID,
		&token.TokenPrefix,
		&token.Name,
		&expiresAt,
		&token.CreatedAt,
		&user.ID,
		&user.Email,
		&fullName,
		&user.Role,
		&roleID,
		&hospitalID,
		&user.IsActive,
	)
	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("invalid or expired token")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to validate token: %w", err)
	}

	// Expiry is checked here rather than in SQL so behavior is identical
	// across database drivers
	if expiresAt.Valid {
		if !expiresAt.Time.After(time.Now()) {
			return nil, nil, fmt.Errorf("invalid or expired token")
		}
		ea := expiresAt.Time
		token.ExpiresAt = &ea
	}
	if fullName.Valid {
		user.FullName = fullName.String
	}
	if roleID.Valid {
		id := roleID.Int64
		user.RoleID = &id
	}
	if hospitalID.Valid {
		h := hospitalID.String
		user.HospitalID = &h
	}

	if !user.IsActive {
		return nil, nil, fmt.Errorf("user account is disabled")
	}

	token.TokenHash = hash

	// Best effort; a missed update only affects the last_used_at display
	_, _ = s.db.ExecContext(ctx, `UPDATE api_tokens SET last_used_at = $1 WHERE id = $2`, time.Now(), token.ID)

	return &user, &token, nil
}

// RevokeToken marks a token as revoked
func (s *TokenStore) RevokeToken(ctx context.Context, tokenID, revokedBy int64, reason string) error {
	query := `
		UPDATE api_tokens
		SET revoked_at = $1, revoked_by = $2, revoke_reason = $3
		WHERE id = $4 AND revoked_at IS NULL
	`
	result, err := s.db.ExecContext(ctx, query, time.Now(), revokedBy, reason, tokenID)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("token not found or already revoked: %d", tokenID)
	}
	return nil
}

// CleanupExpiredTokens deletes tokens whose expiry passed before the cutoff
func (s *TokenStore) CleanupExpiredTokens(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_tokens WHERE expires_at IS NOT NULL AND expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}
