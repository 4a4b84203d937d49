package jwt

import (
	"net/http"
	"strings"
)

// ErrorWriter renders an authentication failure.
type ErrorWriter func(w http.ResponseWriter, status int, code, message string)

func plainError(w http.ResponseWriter, status int, _ string, message string) {
	http.Error(w, message, status)
}

// Middleware creates HTTP middleware that requires a valid bearer token
// carrying role. An empty role only requires a valid token. A nil onError
// writes plain text.
func Middleware(validator *Validator, role string, onError ErrorWriter) func(http.Handler) http.Handler {
	if onError == nil {
		onError = plainError
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				onError(w, http.StatusUnauthorized, "unauthorized", "authorization required")
				return
			}

			claims, err := validator.Validate(token)
			if err != nil {
				onError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}

			if role != "" && !claims.HasRole(role) {
				onError(w, http.StatusForbidden, "forbidden", "role "+role+" required")
				return
			}

			ctx := ContextWithClaims(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}

	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
