// Package relay forwards analysis requests from pages to the backend
// analysis service.
//
// Every request produces exactly one Result: a Success carrying the payload
// (parsed once into an Analysis) or a Failure carrying a message. Failures
// never surface as Go errors. One outbound POST is made per request, or
// none when the caller's origin is not allowed. There are no retries.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/revlens/horosafe"
	"github.com/hazyhaar/revlens/journal"
	"github.com/hazyhaar/revlens/kit"
	"github.com/hazyhaar/revlens/origin"
)

// Backend paths.
const (
	PathAnalyse  = "/analyse"
	PathSayHello = "/say_hello"
)

// Failure messages shared by every transport.
const (
	MsgOriginNotAllowed = "origin not allowed"
	MsgInvalidTarget    = "invalid target url"
	MsgEmptyAnalysis    = "empty analysis response"
	MsgEmptyResponse    = "empty response"
)

// Request is the body of an /analyse call.
type Request struct {
	URL string `json:"url"`
}

// Result is the outcome of one relay call. Exactly one of the Success and
// Failure shapes is populated.
type Result struct {
	OK       bool
	Payload  json.RawMessage
	Analysis *Analysis
	Message  string

	// HTTPStatus is the backend status, 0 when no response was received.
	HTTPStatus int
}

func Success(payload json.RawMessage, a *Analysis) Result {
	return Result{OK: true, Payload: payload, Analysis: a}
}

func Failure(msg string) Result {
	return Result{Message: msg}
}

// Envelope converts r to the wire response shape.
func (r Result) Envelope() Response {
	if r.OK {
		return Response{Success: true, Data: r.Payload}
	}
	return Response{Error: r.Message}
}

// Doer is the subset of *http.Client used by Service.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Service is stateless apart from its collaborators and safe for concurrent
// use.
type Service struct {
	baseURL string
	guard   *origin.Guard
	client  Doer
	logger  *slog.Logger
	journal *journal.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c Doer) Option {
	return func(s *Service) {
		if c != nil {
			s.client = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithJournal records every outcome in j.
func WithJournal(j *journal.Logger) Option {
	return func(s *Service) { s.journal = j }
}

// NewService validates baseURL and builds a Service. A nil guard allows
// nothing.
func NewService(baseURL string, guard *origin.Guard, opts ...Option) (*Service, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if err := horosafe.ValidateHTTPURL(baseURL); err != nil {
		return nil, fmt.Errorf("relay: base url: %w", err)
	}
	s := &Service{
		baseURL: baseURL,
		guard:   guard,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// BaseURL returns the normalised backend base URL.
func (s *Service) BaseURL() string { return s.baseURL }

// Handle runs one analysis request on behalf of the page at callerOrigin.
// An empty callerOrigin falls back to the one carried by ctx.
func (s *Service) Handle(ctx context.Context, req Request, callerOrigin string) Result {
	start := time.Now()
	callerOrigin = callerFrom(ctx, callerOrigin)
	res := s.analyse(ctx, req, callerOrigin)
	s.record(ctx, ActionAnalyse, req.URL, callerOrigin, res, start)
	return res
}

func (s *Service) analyse(ctx context.Context, req Request, callerOrigin string) Result {
	if !s.guard.IsAllowed(callerOrigin) {
		return Failure(MsgOriginNotAllowed)
	}
	if err := horosafe.ValidateHTTPURL(req.URL); err != nil {
		return Failure(MsgInvalidTarget)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Failure(err.Error())
	}
	payload, res := s.post(ctx, PathAnalyse, body)
	if !res.OK {
		if res.Message == MsgEmptyResponse {
			res.Message = MsgEmptyAnalysis
		}
		return res
	}
	a, err := ParseAnalysis(payload)
	if err != nil {
		out := Failure("malformed analysis payload: " + err.Error())
		out.HTTPStatus = res.HTTPStatus
		return out
	}
	out := Success(payload, a)
	out.HTTPStatus = res.HTTPStatus
	return out
}

// post makes the single outbound call. On success the returned Result has
// OK set and the unwrapped payload is returned alongside it.
func (s *Service) post(ctx context.Context, path string, body []byte) (json.RawMessage, Result) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, Failure(err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if id := kit.GetRequestID(ctx); id != "" {
		httpReq.Header.Set("X-Request-ID", id)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, Failure(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		out := Failure(fmt.Sprintf("HTTP error %d", resp.StatusCode))
		out.HTTPStatus = resp.StatusCode
		return nil, out
	}

	raw, err := horosafe.LimitedReadAll(resp.Body, horosafe.MaxResponseBody)
	if err != nil {
		out := Failure(err.Error())
		out.HTTPStatus = resp.StatusCode
		return nil, out
	}
	payload, err := unwrap(raw)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, errEmpty) {
			msg = MsgEmptyResponse
		}
		out := Failure(msg)
		out.HTTPStatus = resp.StatusCode
		return nil, out
	}
	return payload, Result{OK: true, Payload: payload, HTTPStatus: resp.StatusCode}
}

func callerFrom(ctx context.Context, caller string) string {
	if caller == "" {
		return kit.GetCallerOrigin(ctx)
	}
	return caller
}

func (s *Service) record(ctx context.Context, action, target, caller string, res Result, start time.Time) {
	elapsed := time.Since(start)
	if !res.OK {
		s.logger.Warn("relay: request failed",
			"action", action,
			"target", target,
			"caller", caller,
			"error", res.Message,
			"status", res.HTTPStatus,
			"request_id", kit.GetRequestID(ctx),
		)
	} else {
		s.logger.Debug("relay: request ok", "action", action, "target", target, "duration", elapsed)
	}
	if s.journal == nil {
		return
	}
	e := &journal.Entry{
		RequestID:    kit.GetRequestID(ctx),
		Transport:    kit.GetTransport(ctx),
		Action:       action,
		TargetURL:    target,
		CallerOrigin: caller,
		Status:       journal.StatusSuccess,
		HTTPStatus:   res.HTTPStatus,
		DurationMs:   elapsed.Milliseconds(),
	}
	if !res.OK {
		e.Status = journal.StatusFailure
		e.Message = res.Message
	}
	s.journal.LogAsync(e)
}
