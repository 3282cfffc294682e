package auth

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/cuemby/formation/pkg/ferrors"
	"github.com/cuemby/formation/pkg/metrics"
)

type ctxKey int

const claimsKey ctxKey = iota

// FromContext extracts the Claims injected by Middleware, if any.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

// ContextWithClaims returns a copy of ctx carrying claims, for callers
// that validate identity outside of Middleware (e.g. a handler under
// test, or a caller authenticated by a non-JWT mechanism upstream).
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// isLoopback reports whether the request's remote address is 127.0.0.1
// or ::1 (spec §4.3's loopback privilege: bypasses JWT authentication).
func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Middleware enforces bearer-token authentication on every request
// except loopback callers and CORS preflight (OPTIONS), per spec §4.10.
// On success the validated Claims are injected into the request context.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isLoopback(r) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			metrics.AuthRequestsTotal.WithLabelValues("missing_token").Inc()
			ferrors.WriteJSON(w, r, ferrors.New(ferrors.KindUnauthorized, "missing bearer token"))
			return
		}

		claims, err := v.Validate(strings.TrimPrefix(header, prefix))
		if err != nil {
			metrics.AuthRequestsTotal.WithLabelValues("invalid_token").Inc()
			ferrors.WriteJSON(w, r, err)
			return
		}

		metrics.AuthRequestsTotal.WithLabelValues("ok").Inc()
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// roleRequiredBody is the structured 403 body spec §4.10 mandates:
// required vs actual role.
type roleRequiredBody struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	Required Role   `json:"required_role"`
	Actual   Role   `json:"actual_role"`
}

// RequireRole returns middleware rejecting callers whose role does not
// meet minimum. Loopback requests (no Claims in context) are admitted —
// they already bypassed Middleware entirely.
func RequireRole(minimum Role) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := FromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if !atLeast(claims.Role, minimum) {
				metrics.AuthRequestsTotal.WithLabelValues("forbidden").Inc()
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(roleRequiredBody{
					Error:    "forbidden",
					Message:  "caller role does not meet the route's minimum requirement",
					Required: minimum,
					Actual:   claims.Role,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireProjectMatch returns middleware rejecting callers whose
// project_id claim does not match the {projectParam} path variable,
// unless the caller is an Admin (spec §4.10: "Admin bypasses").
func RequireProjectMatch(projectParam string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := FromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if claims.Role == RoleAdmin {
				next.ServeHTTP(w, r)
				return
			}
			want := mux.Vars(r)[projectParam]
			if want != "" && claims.ProjectID != want {
				metrics.AuthRequestsTotal.WithLabelValues("forbidden").Inc()
				ferrors.WriteJSON(w, r, ferrors.New(ferrors.KindForbidden, "caller project does not match route project"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
