package util

import (
	"net/http"

	"github.com/rs/cors"
)

// WithCORS applies the browser CORS policy for the tutor frontend.
// An empty origin list allows any origin, matching the development setup.
func WithCORS(allowedOrigins []string, next http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-User-Id", "X-Callback-Token", RequestIDHeader},
		ExposedHeaders: []string{RequestIDHeader},
		// Credentials cannot be combined with a wildcard origin.
		AllowCredentials: !(len(allowedOrigins) == 1 && allowedOrigins[0] == "*"),
	})
	return c.Handler(next)
}
