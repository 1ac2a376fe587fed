package kit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type echoReq struct {
	Page string `json:"page"`
}

type echoResp struct {
	Page      string `json:"page"`
	Transport string `json:"transport"`
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
}

func echoSession(t *testing.T) *mcp.ClientSession {
	t.Helper()
	impl := &mcp.Implementation{Name: "kit-test", Version: "0.1.0"}
	srv := mcp.NewServer(impl, nil)

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*echoReq)
		if r.Page == "fail" {
			return nil, errors.New("endpoint refused")
		}
		return echoResp{
			Page:      r.Page,
			Transport: GetTransport(ctx),
			RequestID: GetRequestID(ctx),
			Caller:    GetCallerOrigin(ctx),
		}, nil
	}
	enrich := func(ctx context.Context, r *echoReq) context.Context { return WithCallerOrigin(ctx, r.Page) }
	RegisterMCPTool(srv, &mcp.Tool{Name: "echo", InputSchema: map[string]any{"type": "object"}}, endpoint, enrich)

	serverT, clientT := mcp.NewInMemoryTransports()
	go func() { _ = srv.Run(context.Background(), serverT) }()
	session, err := mcp.NewClient(impl, nil).Connect(context.Background(), clientT, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callEcho(t *testing.T, s *mcp.ClientSession, params *mcp.CallToolParams) (*mcp.CallToolResult, string) {
	t.Helper()
	params.Name = "echo"
	res, err := s.CallTool(context.Background(), params)
	if err != nil {
		t.Fatal(err)
	}
	return res, res.Content[0].(*mcp.TextContent).Text
}

func TestRegisterMCPTool_Context(t *testing.T) {
	s := echoSession(t)

	res, text := callEcho(t, s, &mcp.CallToolParams{
		Meta:      mcp.Meta{MetaRequestID: "req_client1"},
		Arguments: map[string]any{"page": "https://www.flipkart.com/x/p/1"},
	})
	if res.IsError {
		t.Fatalf("tool error: %s", text)
	}
	var got echoResp
	if err := json.Unmarshal([]byte(text), &got); err != nil {
		t.Fatal(err)
	}
	want := echoResp{Page: "https://www.flipkart.com/x/p/1", Transport: TransportMCP, RequestID: "req_client1", Caller: "https://www.flipkart.com/x/p/1"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestRegisterMCPTool_NoArguments(t *testing.T) {
	res, text := callEcho(t, echoSession(t), &mcp.CallToolParams{})
	if res.IsError {
		t.Fatalf("tool error: %s", text)
	}
	var got echoResp
	json.Unmarshal([]byte(text), &got)
	if got.Page != "" || got.RequestID != "" {
		t.Fatalf("got %+v", got)
	}
}

func TestRegisterMCPTool_Errors(t *testing.T) {
	s := echoSession(t)

	res, text := callEcho(t, s, &mcp.CallToolParams{Arguments: map[string]any{"page": 42}})
	if !res.IsError || !strings.Contains(text, "invalid arguments") {
		t.Errorf("bad arguments: %v %q", res.IsError, text)
	}

	res, text = callEcho(t, s, &mcp.CallToolParams{Arguments: map[string]any{"page": "fail"}})
	if !res.IsError || !strings.Contains(text, "endpoint refused") {
		t.Errorf("endpoint error: %v %q", res.IsError, text)
	}
}
