// pkg/middleware/tenant.go
package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"wagateway/internal/credentials"
)

type ctxTenantKey struct{}

// TenantParam is the route parameter naming the tenant.
const TenantParam = "tenantID"

// WithTenant validates the {tenantID} route parameter and, when the request
// carries a token with a tid claim, requires the two to match. Mount it on
// routes, not on the router, so the parameter is already resolved.
func WithTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, TenantParam)
		if !credentials.ValidTenantID(id) {
			writeError(w, http.StatusBadRequest, "invalid tenant id")
			return
		}
		if tid := TokenTenant(r.Context()); tid != "" && tid != id {
			writeError(w, http.StatusForbidden, "tenant_mismatch")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxTenantKey{}, id)))
	})
}

func TenantFrom(ctx context.Context) string {
	s, _ := ctx.Value(ctxTenantKey{}).(string)
	return s
}

// writeError answers in the control API's {success, message} shape.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": msg})
}
