package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/revlens/horosafe"
	"github.com/hazyhaar/revlens/kit"
)

// Client talks to a relay server over HTTP. It has the same Handle shape
// as Service, so either can back a page. Every fault on the hop is folded
// into a single Failure.
type Client struct {
	serverURL string
	http      Doer
}

// NewClient returns a Client for the relay server at serverURL.
func NewClient(serverURL string, httpClient Doer) (*Client, error) {
	serverURL = strings.TrimRight(strings.TrimSpace(serverURL), "/")
	if err := horosafe.ValidateHTTPURL(serverURL); err != nil {
		return nil, fmt.Errorf("relay: server url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{serverURL: serverURL, http: httpClient}, nil
}

// Handle sends an analyse-data envelope with callerOrigin as Referer.
func (c *Client) Handle(ctx context.Context, req Request, callerOrigin string) Result {
	data, err := json.Marshal(req)
	if err != nil {
		return Failure(err.Error())
	}
	resp := c.Send(ctx, Message{Action: ActionAnalyse, Data: data}, callerOrigin)
	if !resp.Success {
		return Failure(resp.Error)
	}
	a, err := ParseAnalysis(resp.Data)
	if err != nil {
		return Failure("malformed analysis payload: " + err.Error())
	}
	return Success(resp.Data, a)
}

// Send posts msg to the server's /message route. An empty callerOrigin
// falls back to the one carried by ctx.
func (c *Client) Send(ctx context.Context, msg Message, callerOrigin string) Response {
	body, err := json.Marshal(msg)
	if err != nil {
		return Response{Error: err.Error()}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/message", bytes.NewReader(body))
	if err != nil {
		return Response{Error: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if callerOrigin = callerFrom(ctx, callerOrigin); callerOrigin != "" {
		httpReq.Header.Set("Referer", callerOrigin)
	}
	if id := kit.GetRequestID(ctx); id != "" {
		httpReq.Header.Set("X-Request-ID", id)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{Error: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := horosafe.LimitedReadAll(resp.Body, horosafe.MaxResponseBody)
	if err != nil {
		return Response{Error: err.Error()}
	}
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return Response{Error: fmt.Sprintf("HTTP error %d", resp.StatusCode)}
		}
		return Response{Error: "invalid JSON response: " + err.Error()}
	}
	if !out.Success && out.Error == "" {
		out.Error = "relay failure without message"
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			out.Error = fmt.Sprintf("HTTP error %d", resp.StatusCode)
		}
	}
	return out
}
