package relay

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/revlens/horosafe"
	"github.com/hazyhaar/revlens/idgen"
	"github.com/hazyhaar/revlens/kit"
	"github.com/hazyhaar/revlens/shield"
)

// Handler returns the relay HTTP API behind the shield middleware stack.
// Browsers on allowed origins may call it cross-origin.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultAPIStack("/health") {
		r.Use(mw)
	}
	r.Use(shield.AllowOrigins(s.guard.IsAllowed))
	s.RegisterHTTP(r)
	return r
}

// RegisterHTTP mounts the relay routes on r:
//
//	POST /message  envelope in, envelope out
//	GET  /health   liveness
func (s *Service) RegisterHTTP(r chi.Router) {
	r.Post("/message", s.handleMessage)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	raw, err := horosafe.LimitedReadAll(r.Body, horosafe.MaxRequestBody)
	if err != nil {
		code := http.StatusBadRequest
		var mbe *http.MaxBytesError
		if errors.Is(err, horosafe.ErrTooLarge) || errors.As(err, &mbe) {
			code = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, code, Response{Error: "request body too large"})
		return
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "malformed message: " + err.Error()})
		return
	}

	// RegisterHTTP may be mounted without the shield stack.
	ctx := r.Context()
	if kit.GetRequestID(ctx) == "" {
		ctx = kit.WithRequestID(ctx, idgen.RequestID())
	}
	caller := kit.GetCallerOrigin(ctx)
	if caller == "" {
		caller = shield.CallerOrigin(r)
	}

	shield.Logger(ctx).Debug("relay: message", "action", msg.Action)

	// Relay failures are reported in the envelope, not the status code.
	writeJSON(w, http.StatusOK, s.Dispatch(ctx, msg, caller))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
