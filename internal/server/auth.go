package server

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey int

const claimsKey contextKey = 0

// AuthConfig configures bearer-token verification on the API routes.
type AuthConfig struct {
	// PublicKey verifies RS256 signatures. Required.
	PublicKey *rsa.PublicKey
	// Issuer, if non-empty, must match the "iss" claim.
	Issuer string
	// Audience, if non-empty, must appear in the "aud" claim.
	Audience string
	// Logger records rejected requests. When nil, slog.Default() is used.
	Logger *slog.Logger
}

// LoadPublicKey reads a PEM-encoded RSA public key in PKIX or PKCS#1 form.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server: read public key %q: %w", path, err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("server: parse public key %q: %w", path, err)
	}
	return key, nil
}

// ClaimsFromContext returns the claims of a request that passed
// BearerAuth.
func ClaimsFromContext(ctx context.Context) (*jwt.RegisteredClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*jwt.RegisteredClaims)
	return c, ok
}

// BearerAuth rejects requests without a valid RS256 bearer token with HTTP
// 401. Tokens must carry an expiry.
func BearerAuth(cfg AuthConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(parserOpts...)
	keyFunc := func(*jwt.Token) (any, error) { return cfg.PublicKey, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			claims := &jwt.RegisteredClaims{}
			if _, err := parser.ParseWithClaims(raw, claims, keyFunc); err != nil {
				logger.Warn("server: rejected bearer token",
					slog.String("path", r.URL.Path),
					slog.Any("error", err),
				)
				writeError(w, http.StatusUnauthorized, "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}
