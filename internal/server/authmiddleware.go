package server

import (
	"context"
	"net/http"

	"github.com/tjfontaine/polyglot-call-gateway/internal/auth"
	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
)

type authContextKey struct{}

// AuthMiddleware validates API keys and injects the organization's auth
// context. If the provider is nil, the middleware is a no-op.
func AuthMiddleware(provider ports.AuthProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if provider == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, err := auth.ExtractAPIKey(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			ac, err := provider.Authenticate(r.Context(), apiKey)
			if err != nil {
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), authContextKey{}, ac)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAuthContext retrieves the caller's auth context.
// Returns nil if the request was not authenticated.
func GetAuthContext(ctx context.Context) *ports.AuthContext {
	if ac, ok := ctx.Value(authContextKey{}).(*ports.AuthContext); ok {
		return ac
	}
	return nil
}
