package client

import (
	"log/slog"
	"net/http"
	"slices"
)

// RequireAdmin only lets through the configured admin user, or users
// holding one of roles.
// Must be used after AuthUserMiddleware.
func RequireAdmin(adminUser string, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authUser, ok := AuthUserFrom(r.Context())
			if !ok {
				RenderUnauthorized(w, r, "Unauthorized")
				return
			}
			if authUser.Username != adminUser && !slices.ContainsFunc(authUser.Roles, func(role string) bool {
				return slices.Contains(roles, role)
			}) {
				slog.Warn("User lacks admin privileges", "user", authUser.Username, "roles", authUser.Roles)
				RenderForbidden(w, r, "Forbidden: insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
