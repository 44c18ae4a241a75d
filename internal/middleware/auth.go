package middleware

import (
	"errors"
	"net/http"

	"github.com/JJSiabato/silent-alarm/internal/auth"
	"github.com/JJSiabato/silent-alarm/internal/httputil"
)

// AuthMiddleware rejects requests without a valid session and stores the
// claims in the request context.
func AuthMiddleware(jwtService *auth.JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := jwtService.Authenticate(r)
			if errors.Is(err, auth.ErrMissingToken) {
				httputil.WriteError(w, http.StatusUnauthorized, "missing session token")
				return
			}
			if err != nil {
				httputil.WriteError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := auth.ContextWithClaims(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
