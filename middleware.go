package flagkeeper

import (
	"context"
	"net"
	"net/http"
)

type contextKey string

const (
	contextKeyEvalCtx  contextKey = "flagkeeper_eval_ctx"
	contextKeyRegistry contextKey = "flagkeeper_registry"
)

// AnonymousKey is the context key used when a request names no user.
const AnonymousKey = "anonymous"

// Middleware builds an evaluation Context for every request and stores it,
// together with the registry, on the request context.
//
// The user key comes from the "user" query parameter, the X-User-ID header
// or the user_id cookie, in that order. Path and method are regular
// attributes; the client IP and user agent are private and never leave the
// process in analytics events.
func Middleware(registry *Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), contextKeyEvalCtx, ContextFromHTTP(r))
			ctx = context.WithValue(ctx, contextKeyRegistry, registry)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ContextFromHTTP builds the evaluation Context for a request.
func ContextFromHTTP(r *http.Request) Context {
	evalCtx := NewContext(userKey(r)).
		With("path", r.URL.Path).
		With("method", r.Method).
		WithPrivate("ip", clientIP(r))

	if ua := r.UserAgent(); ua != "" {
		evalCtx = evalCtx.WithPrivate("user_agent", ua)
	}
	return evalCtx
}

func userKey(r *http.Request) string {
	if user := r.URL.Query().Get("user"); user != "" {
		return user
	}
	if user := r.Header.Get("X-User-ID"); user != "" {
		return user
	}
	if cookie, err := r.Cookie("user_id"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return AnonymousKey
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ContextFromRequest returns the evaluation Context stored by Middleware.
func ContextFromRequest(ctx context.Context) (Context, bool) {
	evalCtx, ok := ctx.Value(contextKeyEvalCtx).(Context)
	return evalCtx, ok
}

// RegistryFromContext returns the registry stored by Middleware.
func RegistryFromContext(ctx context.Context) (*Registry, bool) {
	registry, ok := ctx.Value(contextKeyRegistry).(*Registry)
	return registry, ok && registry != nil
}
