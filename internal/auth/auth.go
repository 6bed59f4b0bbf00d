// Package auth verifies caller identity from HS256 bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
	"github.com/tjfontaine/modelkey-gateway/internal/core/ports"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the token claims. The subject is the user id.
type Claims struct {
	TenantID string `json:"tenant_id,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

var _ ports.IdentityVerifier = (*Verifier)(nil)

// NewVerifier creates a verifier. When issuer is set, tokens must carry
// a matching iss claim.
func NewVerifier(secret, issuer string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &Verifier{
		secret: []byte(secret),
		issuer: issuer,
		parser: jwt.NewParser(opts...),
	}, nil
}

// Verify implements ports.IdentityVerifier.
func (v *Verifier) Verify(ctx context.Context, token string) (*domain.Identity, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &domain.Identity{UserID: claims.Subject, TenantID: claims.TenantID}, nil
}

// Sign mints a token for userID. A zero ttl produces a token without
// expiry.
func (v *Verifier) Sign(userID, tenantID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			Issuer:   v.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// BearerToken extracts the token from the Authorization header. ok is
// false when the header is absent.
func BearerToken(r *http.Request) (token string, ok bool, err error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false, nil
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", true, fmt.Errorf("invalid Authorization header format")
	}
	if !strings.EqualFold(parts[0], "bearer") {
		return "", true, fmt.Errorf("unsupported authorization scheme")
	}
	token = strings.TrimSpace(parts[1])
	if token == "" {
		return "", true, fmt.Errorf("empty bearer token")
	}
	return token, true, nil
}
