// Package shield provides the HTTP middleware stack in front of the relay
// server: security headers, HEAD handling, body limits and request context.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultAPIStack("/health") {
//	    r.Use(mw)
//	}
package shield

import (
	"net/http"

	"github.com/hazyhaar/revlens/horosafe"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// DefaultAPIStack returns the middleware stack for a JSON API. HEAD is
// answered as GET on headPaths only.
// Order: HeadAsGet → SecurityHeaders → MaxBody → RequestContext.
func DefaultAPIStack(headPaths ...string) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadAsGet(headPaths...),
		SecurityHeaders(APIHeaders()),
		MaxBody(horosafe.MaxRequestBody),
		RequestContext,
	}
}

// HeadAsGet rewrites HEAD to GET for the listed paths, so read-only routes
// registered with r.Get answer monitoring checks. Other HEAD requests reach
// the router unchanged. net/http drops the body of HEAD responses.
func HeadAsGet(paths ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(paths))
	for _, p := range paths {
		allowed[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodHead && allowed[r.URL.Path] {
				r.Method = http.MethodGet
			}
			next.ServeHTTP(w, r)
		})
	}
}
