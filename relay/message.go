package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Actions accepted in a Message.
const (
	ActionAnalyse = "analyse-data"
	ActionPost    = "post-data"
)

// ErrUnknownAction is returned by Route for an action with no backend path.
var ErrUnknownAction = errors.New("unknown action")

// Message is the inbound envelope sent by a page.
type Message struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Response is the envelope sent back for every Message.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Route maps an action to its backend path.
func Route(action string) (string, error) {
	switch action {
	case ActionAnalyse:
		return PathAnalyse, nil
	case ActionPost:
		return PathSayHello, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownAction, action)
}

// Dispatch handles one envelope on behalf of the page at callerOrigin.
// Unknown actions and malformed data are answered without a network call.
func (s *Service) Dispatch(ctx context.Context, msg Message, callerOrigin string) Response {
	callerOrigin = callerFrom(ctx, callerOrigin)
	if _, err := Route(msg.Action); err != nil {
		res := Failure(err.Error())
		s.record(ctx, msg.Action, "", callerOrigin, res, time.Now())
		return res.Envelope()
	}

	switch msg.Action {
	case ActionAnalyse:
		var req Request
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			res := Failure("malformed request: " + err.Error())
			s.record(ctx, msg.Action, "", callerOrigin, res, time.Now())
			return res.Envelope()
		}
		return s.Handle(ctx, req, callerOrigin).Envelope()
	default:
		start := time.Now()
		res := s.forward(ctx, msg.Data, callerOrigin)
		s.record(ctx, msg.Action, s.baseURL+PathSayHello, callerOrigin, res, start)
		return res.Envelope()
	}
}

// forward posts arbitrary JSON data to the echo endpoint and returns its
// payload unparsed.
func (s *Service) forward(ctx context.Context, data json.RawMessage, callerOrigin string) Result {
	if !s.guard.IsAllowed(callerOrigin) {
		return Failure(MsgOriginNotAllowed)
	}
	body := bytes.TrimSpace(data)
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		return Failure("malformed request: data is not JSON")
	}
	_, res := s.post(ctx, PathSayHello, body)
	return res
}
