package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/revlens/idgen"
	"github.com/hazyhaar/revlens/journal"
	"github.com/hazyhaar/revlens/kit"
	"github.com/hazyhaar/revlens/reviewurl"
)

// Analyzer is anything that answers an analysis request: a local Service
// or a Client for a remote relay.
type Analyzer interface {
	Handle(ctx context.Context, req Request, callerOrigin string) Result
}

// RegisterMCP registers the relay tools on srv. The journal tool is only
// registered when j is non-nil.
func RegisterMCP(srv *mcp.Server, a Analyzer, j *journal.Logger) {
	registerAnalyseTool(srv, a)
	registerDeriveTool(srv)
	if j != nil {
		registerJournalTool(srv, j)
	}
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// WithRequestID tags the context with a fresh request id unless one is set.
func WithRequestID(gen idgen.Generator) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			if kit.GetRequestID(ctx) == "" {
				ctx = kit.WithRequestID(ctx, gen())
			}
			return next(ctx, req)
		}
	}
}

// logCalls logs every tool call at debug level.
func logCalls(tool string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			slog.Default().Debug("relay: mcp tool call", "tool", tool,
				"request_id", kit.GetRequestID(ctx), "duration_ms", time.Since(start).Milliseconds(), "error", err)
			return resp, err
		}
	}
}

func toolChain(tool string) kit.Middleware {
	return kit.Chain(WithRequestID(idgen.RequestID), logCalls(tool))
}

// --- revlens_analyse ---

type analyseReq struct {
	ProductURL string `json:"product_url"`
}

type analyseResp struct {
	ReviewURL string          `json:"review_url"`
	Missing   []string        `json:"missing,omitempty"`
	Analysis  json.RawMessage `json:"analysis"`
}

func registerAnalyseTool(srv *mcp.Server, a Analyzer) {
	tool := &mcp.Tool{
		Name:        "revlens_analyse",
		Description: "Derive the reviews URL of a product page and fetch its review authenticity analysis.",
		InputSchema: inputSchema(map[string]any{
			"product_url": map[string]any{"type": "string", "description": "Product detail page URL"},
		}, []string{"product_url"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*analyseReq)
		target := reviewurl.Derive(r.ProductURL)
		if target == "" {
			return nil, errors.New("not a product page")
		}
		res := a.Handle(ctx, Request{URL: target}, kit.GetCallerOrigin(ctx))
		if !res.OK {
			return nil, errors.New(res.Message)
		}
		out := &analyseResp{ReviewURL: target, Analysis: res.Payload}
		if res.Analysis != nil {
			out.Missing = res.Analysis.Missing
		}
		return out, nil
	}

	// The product page is the caller origin the guard checks.
	enrich := func(ctx context.Context, r *analyseReq) context.Context {
		return kit.WithCallerOrigin(ctx, r.ProductURL)
	}
	kit.RegisterMCPTool(srv, tool, toolChain(tool.Name)(endpoint), enrich)
}

// --- revlens_review_url ---

type deriveReq struct {
	ProductURL string `json:"product_url"`
}

func registerDeriveTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "revlens_review_url",
		Description: "Map a product page URL to its reviews listing URL, keeping only pid, lid and marketplace.",
		InputSchema: inputSchema(map[string]any{
			"product_url": map[string]any{"type": "string", "description": "Product detail page URL"},
		}, []string{"product_url"}),
	}

	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*deriveReq)
		target := reviewurl.Derive(r.ProductURL)
		if target == "" {
			return nil, errors.New("not a product page")
		}
		return map[string]string{
			"review_url": target,
			"product_id": reviewurl.ProductID(target),
		}, nil
	}

	kit.RegisterMCPTool[deriveReq](srv, tool, toolChain(tool.Name)(endpoint), nil)
}

// --- revlens_journal ---

type journalReq struct {
	Status string `json:"status"`
	Action string `json:"action"`
	Hours  int    `json:"hours"`
	Limit  int    `json:"limit"`
}

type journalRow struct {
	Timestamp    string `json:"timestamp"`
	RequestID    string `json:"request_id,omitempty"`
	Transport    string `json:"transport"`
	Action       string `json:"action"`
	TargetURL    string `json:"target_url,omitempty"`
	CallerOrigin string `json:"caller_origin,omitempty"`
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
	HTTPStatus   int    `json:"http_status,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
}

func registerJournalTool(srv *mcp.Server, j *journal.Logger) {
	tool := &mcp.Tool{
		Name:        "revlens_journal",
		Description: "List recent relay outcomes, newest first.",
		InputSchema: inputSchema(map[string]any{
			"status": map[string]any{"type": "string", "enum": []string{journal.StatusSuccess, journal.StatusFailure}},
			"action": map[string]any{"type": "string", "description": "analyse-data or post-data"},
			"hours":  map[string]any{"type": "integer", "description": "Only entries from the last N hours"},
			"limit":  map[string]any{"type": "integer", "description": "Max entries (default 100)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*journalReq)
		f := journal.Filter{Status: r.Status, Action: r.Action, Limit: r.Limit}
		if r.Hours > 0 {
			f.Since = time.Now().Add(-time.Duration(r.Hours) * time.Hour)
		}
		entries, err := j.Query(ctx, f)
		if err != nil {
			return nil, err
		}
		rows := make([]journalRow, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, journalRow{
				Timestamp:    e.Timestamp.UTC().Format(time.RFC3339),
				RequestID:    e.RequestID,
				Transport:    e.Transport,
				Action:       e.Action,
				TargetURL:    e.TargetURL,
				CallerOrigin: e.CallerOrigin,
				Status:       e.Status,
				Message:      e.Message,
				HTTPStatus:   e.HTTPStatus,
				DurationMs:   e.DurationMs,
			})
		}
		return map[string]any{"entries": rows}, nil
	}

	kit.RegisterMCPTool[journalReq](srv, tool, toolChain(tool.Name)(endpoint), nil)
}
