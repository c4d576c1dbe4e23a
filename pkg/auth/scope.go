package auth

import (
	"net/http"

	"origin/pkg/apierr"
	"origin/pkg/models"
)

// RequireScope returns middleware enforcing that the request's Principal
// (already populated by Middleware) carries want. The required-scope table
// itself lives in the composition root, which wraps each route.
func RequireScope(want models.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok || !principal.HasScope(want) {
				err := apierr.Forbidden("scope_denied", "missing required scope %q", want)
				w.WriteHeader(err.Status)
				_, _ = w.Write([]byte(`{"error_code":"` + err.Code + `","message":"` + err.Message + `"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
