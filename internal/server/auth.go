package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"kwilt/internal/repo"
)

// AuthConfig controls how bearer credentials resolve to an owner.
type AuthConfig struct {
	// DevJWTSecret, when set, additionally accepts HS256 tokens whose
	// subject claim is the owner id. PAT hash lookup is the production path.
	DevJWTSecret string
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func authenticateJWT(token, secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt auth not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("subject claim required")
	}
	return claims.Subject, nil
}

// authenticate resolves the Authorization header to an owner id. It returns
// a transportError so the dispatcher can answer with a real HTTP status:
// 401 for anything credential-shaped, 503 when the token store is down.
func (s *Server) authenticate(ctx context.Context, authz string) (string, *transportError) {
	authz = strings.TrimSpace(authz)
	if authz == "" {
		return "", errUnauthorized
	}
	token, ok := bearerToken(authz)
	if !ok {
		return "", errUnauthorized
	}
	if s.auth.DevJWTSecret != "" {
		if ownerID, err := authenticateJWT(token, s.auth.DevJWTSecret); err == nil {
			return ownerID, nil
		}
	}
	pat, err := s.engine.Repo.GetPATByHash(ctx, repo.HashToken(token))
	if errors.Is(err, repo.ErrNotFound) {
		return "", errUnauthorized
	}
	if err != nil {
		return "", errUnavailable
	}
	if pat.RevokedAt != nil {
		return "", errUnauthorized
	}
	// Advisory only; an unreachable row must not fail the request.
	if err := s.engine.Repo.TouchPATLastUsed(ctx, pat.ID); err != nil {
		slog.Warn("pat last_used touch failed", "pat_id", pat.ID, "error", err)
	}
	return pat.OwnerID, nil
}
