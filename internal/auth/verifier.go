package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"teamchat/internal/apperr"
)

// Verifier turns a credential into a trusted user id.
type Verifier interface {
	Verify(ctx context.Context, token string) (int64, error)
}

// JWTVerifier validates HS256 tokens issued by the identity service.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTVerifier(secret, issuer string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("hs256 secret required")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTVerifier{secret: []byte(secret), parser: jwt.NewParser(opts...)}, nil
}

// Verify returns the user id carried in the token subject.
func (v *JWTVerifier) Verify(_ context.Context, token string) (int64, error) {
	if token == "" {
		return 0, fmt.Errorf("empty token: %w", apperr.ErrUnauthorized)
	}

	claims := jwt.MapClaims{}
	tok, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil || !tok.Valid {
		return 0, fmt.Errorf("invalid token: %w", apperr.ErrUnauthorized)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return 0, fmt.Errorf("token subject missing: %w", apperr.ErrUnauthorized)
	}
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("token subject %q is not a user id: %w", sub, apperr.ErrUnauthorized)
	}
	return userID, nil
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" header.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}
