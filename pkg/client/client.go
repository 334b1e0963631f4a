// Package client resolves the acting user of HTTP requests from their JWT.
package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/jwtauth/v5"
)

type AuthUser struct {
	// Username is the subject of the token and the actor of every
	// workflow operation issued by the request.
	Username string   `json:"sub"`
	Roles    []string `json:"roles,omitempty"`
}

func (u AuthUser) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user", u.Username),
		slog.Any("roles", u.Roles),
	)
}

// contextKey is a value for use with context.WithValue. It's used as
// a pointer so it fits in an interface{} without allocation.
type contextKey struct {
	name string
}

func (k *contextKey) String() string {
	return "workflow context value " + k.name
}

const ACCESS_TOKEN_NAME = "access_token"

var AuthUserKey = &contextKey{"AuthUser"}

func LoadFromMap[T any](m map[string]interface{}, c *T) error {
	data, err := json.Marshal(m)
	if err == nil {
		err = json.Unmarshal(data, c)
	}
	return err
}

// Verifier looks for the token in the Authorization header, then in the
// access token cookie.
func Verifier(ja *jwtauth.JWTAuth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return jwtauth.Verify(ja, jwtauth.TokenFromHeader, TokenFromCookie)(next)
	}
}

func TokenFromCookie(r *http.Request) string {
	cookie, err := r.Cookie(ACCESS_TOKEN_NAME)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// AuthUserMiddleware puts the AuthUser of a verified token in the context.
// It must run after jwtauth.Authenticator.
func AuthUserMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, claims, err := jwtauth.FromContext(r.Context())
		if err != nil || claims == nil {
			RenderUnauthorized(w, r, "missing or invalid JWT")
			return
		}

		authUser := new(AuthUser)
		if err := LoadFromMap(claims, authUser); err != nil {
			slog.Error("failed to parse token claims", "error", err)
			RenderUnauthorized(w, r, "invalid token claims")
			return
		}
		if authUser.Username == "" {
			RenderUnauthorized(w, r, "missing subject in token")
			return
		}

		slog.Debug("authenticated user", "user", authUser)
		ctx := context.WithValue(r.Context(), AuthUserKey, authUser)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AuthUserFrom returns the user set by AuthUserMiddleware.
func AuthUserFrom(ctx context.Context) (*AuthUser, bool) {
	authUser, ok := ctx.Value(AuthUserKey).(*AuthUser)
	return authUser, ok && authUser != nil
}

// Actor is the username acting in r, empty when unauthenticated.
func Actor(r *http.Request) string {
	if authUser, ok := AuthUserFrom(r.Context()); ok {
		return authUser.Username
	}
	return ""
}
