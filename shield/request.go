package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/revlens/idgen"
	"github.com/hazyhaar/revlens/kit"
)

const maxRequestIDLen = 64

// RequestContext tags each request with kit.TransportHTTP, a request id and
// the caller origin, and stores a per-request logger under LoggerKey.
//
// A client X-Request-ID is kept when it is a short token, otherwise a fresh
// idgen.RequestID is used. Either way it is echoed in the response header
// and forwarded to the backend by the relay.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if !validRequestID(id) {
			id = idgen.RequestID()
		}
		w.Header().Set("X-Request-ID", id)

		ctx := kit.WithTransport(r.Context(), kit.TransportHTTP)
		ctx = kit.WithRequestID(ctx, id)
		ctx = kit.WithCallerOrigin(ctx, CallerOrigin(r))

		logger := slog.Default().With("request_id", id, "method", r.Method, "path", r.URL.Path)
		ctx = context.WithValue(ctx, LoggerKey, logger)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CallerOrigin is the page a request was issued from: the Referer when
// present, else Origin.
func CallerOrigin(r *http.Request) string {
	if ref := r.Header.Get("Referer"); ref != "" {
		return ref
	}
	return r.Header.Get("Origin")
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

// Logger returns the per-request logger, or slog.Default() outside a
// request.
func Logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
