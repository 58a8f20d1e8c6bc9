package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ecocollect/phonegate/internal/audit"
	"github.com/ecocollect/phonegate/internal/util"
)

// APIKeyMiddleware guards the SMS API with a single shared bearer key. Only
// the key's hash is kept in memory.
type APIKeyMiddleware struct {
	keyHash string
}

// NewAPIKeyMiddleware with an empty key lets every request through; config
// validation refuses an empty key in production.
func NewAPIKeyMiddleware(apiKey string) *APIKeyMiddleware {
	if apiKey == "" {
		log.Warn().Msg("SMS_API_KEY is empty: SMS API is unauthenticated")
		return &APIKeyMiddleware{}
	}
	return &APIKeyMiddleware{keyHash: util.HashToken(apiKey)}
}

func (m *APIKeyMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.keyHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Missing authentication token",
			})
			return
		}

		if !util.ConstantTimeEqual(util.HashToken(token), m.keyHash) {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]interface{}{"path": r.URL.Path},
			})
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid token",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}
