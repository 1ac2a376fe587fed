package kit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MetaRequestID is the _meta key a client sets to choose the request id of
// a tool call.
const MetaRequestID = "request_id"

// RegisterMCPTool registers endpoint as an MCP tool on srv. The call
// arguments are decoded into a fresh *Req, which is what endpoint receives;
// absent or null arguments leave it zero. enrich, when non-nil, derives
// request values from the decoded arguments.
//
// The endpoint context carries TransportMCP and the client's _meta request
// id when one is sent. Every failure becomes a tool error result, so the
// client always gets an answer.
func RegisterMCPTool[Req any](srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, enrich func(context.Context, *Req) context.Context) {
	srv.AddTool(tool, func(ctx context.Context, call *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req := new(Req)
		args := bytes.TrimSpace(call.Params.Arguments)
		if len(args) > 0 && string(args) != "null" {
			if err := json.Unmarshal(args, req); err != nil {
				return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
			}
		}

		ctx = WithTransport(ctx, TransportMCP)
		if id, ok := call.Params.Meta[MetaRequestID].(string); ok && id != "" {
			ctx = WithRequestID(ctx, id)
		}
		if enrich != nil {
			ctx = enrich(ctx, req)
		}

		resp, err := endpoint(ctx, req)
		if err != nil {
			return toolError(err), nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return toolError(fmt.Errorf("marshal: %w", err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func toolError(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}
