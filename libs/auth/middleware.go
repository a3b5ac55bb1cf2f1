package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const accountIDKey contextKey = "account_id"

// AccountIDFromContext returns the authenticated account id set by RequireAccount.
func AccountIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(accountIDKey).(uuid.UUID)
	return id, ok
}

// RequireAccount verifies the Bearer token and stores the account id in the
// request context. Tokens signed RS256 with a kid are verified against the
// JWKS endpoint when one is configured, everything else falls back to HS256.
func RequireAccount(secret string, jwks *JWKSClient) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(header, "Bearer ")

			claims, err := verify(token, secret, jwks)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			accountID, err := uuid.Parse(claims.Sub)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), accountIDKey, accountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func verify(token, secret string, jwks *JWKSClient) (*Claims, error) {
	if jwks != nil {
		header, err := ParseHeader(token)
		if err == nil && header.Alg == "RS256" && header.Kid != "" {
			key, err := jwks.Get(header.Kid)
			if err != nil {
				return nil, err
			}
			return VerifyRS256(token, key)
		}
	}
	return ParseAndVerifyHS256(token, secret)
}
