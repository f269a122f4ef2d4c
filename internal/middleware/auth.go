package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"trek-rest-api/pkg/apierror"
	"trek-rest-api/pkg/response"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// ClientKey is the context key under which the caller's API key is stored.
const ClientKey contextKey = "client_key"

// publicPaths never require a key.
var publicPaths = map[string]bool{
	"/api/v1/health": true,
	"/api/v1/ready":  true,
}

// NewAuthMiddleware requires a valid API key on every request except health
// checks. The key is read from X-API-Key or a Bearer Authorization header.
// With no keys configured every request is let through.
// NO GLOBAL STATE - keys are passed via closure.
func NewAuthMiddleware(apiKeys []string) func(http.Handler) http.Handler {
	keys := make([]string, 0, len(apiKeys))
	for _, k := range apiKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(keys) == 0 || publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			apiKey := extractKey(r)
			if apiKey == "" {
				response.Error(w, apierror.Unauthorized("Authentication required. Use X-API-Key header."))
				return
			}
			if !isValidKey(apiKey, keys) {
				response.Error(w, apierror.Unauthorized("Invalid API key"))
				return
			}

			ctx := context.WithValue(r.Context(), ClientKey, apiKey)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// EventSource cannot set headers.
	if r.Header.Get("Accept") == "text/event-stream" {
		return r.URL.Query().Get("api_key")
	}
	return ""
}

// isValidKey checks if the provided key is in the valid keys list.
func isValidKey(key string, validKeys []string) bool {
	for _, valid := range validKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}

// GetClientKey returns the API key the request authenticated with, if any.
func GetClientKey(ctx context.Context) string {
	if k, ok := ctx.Value(ClientKey).(string); ok {
		return k
	}
	return ""
}
