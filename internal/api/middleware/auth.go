package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// SecretHeader carries the webhook secret on platform deliveries.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// WebhookSecret rejects deliveries whose secret header does not match
// secret. An empty secret disables the check.
func WebhookSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && !equal(r.Header.Get(SecretHeader), secret) {
				respondUnauthorized(w, "Invalid webhook secret.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// KeyAuth guards administrative endpoints with static keys, passed as
// "Authorization: Bearer <key>", an X-API-Key header or an api_key query
// parameter (for opening /init in a browser). With no keys every request
// passes.
func KeyAuth(keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(keys) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			candidate := extractAPIKey(r)
			if candidate == "" {
				respondUnauthorized(w, "API key required. Set Authorization: Bearer <key> or X-API-Key header.")
				return
			}
			for _, key := range keys {
				if equal(candidate, key) {
					next.ServeHTTP(w, r)
					return
				}
			}
			respondUnauthorized(w, "Invalid API key.")
		})
	}
}

func equal(candidate, want string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(want)) == 1
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="chatrelay"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}
