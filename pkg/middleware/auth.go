package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/operational-cognos/gateway/pkg/gateway"
)

// GatewayAuth requires the configured gateway key on every request. An empty
// key disables the check.
func GatewayAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !Authorized(key, r.Header) {
				log.Warn().
					Str("component", "auth").
					Str("path", r.URL.Path).
					Str("remote_addr", r.RemoteAddr).
					Msg("gateway key rejected")
				gateway.RecordRejection("auth")
				gateway.WriteError(w, gateway.Unauthorized())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Authorized reports whether h carries key, either as x-api-key or as a
// Bearer token. x-api-key wins when both are present.
func Authorized(key string, h http.Header) bool {
	if key == "" {
		return true
	}
	provided := h.Get("X-Api-Key")
	if provided == "" {
		auth := h.Get("Authorization")
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			provided = strings.TrimSpace(auth[7:])
		}
	}
	if provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(key)) == 1
}
