// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type ctxKey struct{}

type credential struct {
	token    []byte
	identity string
}

// BearerTokens returns middleware that accepts any token in tokens (token to
// identity) and stores the matching identity on the request context. Every
// token is compared in constant time.
func BearerTokens(tokens map[string]string) func(http.Handler) http.Handler {
	creds := make([]credential, 0, len(tokens))
	for tok, id := range tokens {
		if tok == "" {
			continue
		}
		creds = append(creds, credential{token: []byte(tok), identity: id})
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			got := []byte(auth[len("Bearer "):])

			identity := ""
			for _, c := range creds {
				if subtle.ConstantTimeCompare(got, c.token) == 1 {
					identity = c.identity
				}
			}
			if identity == "" {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// WithIdentity attaches the authenticated caller to ctx.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, ctxKey{}, identity)
}

// IdentityFromContext returns the authenticated caller, or "" when the
// request did not pass through BearerTokens.
func IdentityFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
