// Package correlation propagates a per-request correlation id: generated
// from the inbound X-Correlation-Id header if present, otherwise minted
// fresh, attached to the request context, echoed on every response, and
// threaded into ledger/webhook/error payloads so a client's one header
// value ties its request to everything ORIGIN recorded about it.
package correlation

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const Header = "X-Correlation-Id"

type ctxKey struct{}

func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Middleware reads Header from the inbound request, generating one if
// absent, sets it on the response, and stores it on the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
	})
}
