package ingest

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/edingest/kit"
)

// RegisterMCP registers the edingest tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerImportJournalsTool(srv)
	s.registerParseReportTool(srv)
	s.registerStatusTool(srv)
	s.registerDescribeTool(srv)
}

// endpoint applies the middleware shared by every tool.
func (s *Service) endpoint(name string, e kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.WithLogging(s.logger, name))(e)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sch := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sch["required"] = required
	}
	return sch
}

func decodeArgs[T any](req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var r T
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
	}
	return &kit.MCPDecodeResult{Request: &r}, nil
}

// --- import journals ---

type importJournalsReq struct {
	Dir string `json:"dir"`
}

func (s *Service) registerImportJournalsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "edingest_import_journals",
		Description: "Import new events from the game journal directory. Files already imported are resumed from where they stopped.",
		InputSchema: inputSchema(map[string]any{
			"dir": map[string]any{"type": "string", "description": "Journal directory (default: configured journal_dir)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*importJournalsReq)
		return s.ImportJournals(ctx, r.Dir)
	}

	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), decodeArgs[importJournalsReq])
}

// --- parse report ---

type parseReportReq struct {
	Text   string `json:"text"`
	Strict bool   `json:"strict"`
}

func (s *Service) registerParseReportTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "edingest_parse_report",
		Description: "Classify OCR text from a news screen and extract its fields.",
		InputSchema: inputSchema(map[string]any{
			"text":   map[string]any{"type": "string", "description": "OCR text of one news screen"},
			"strict": map[string]any{"type": "boolean", "description": "Fail on the first field that cannot be extracted"},
		}, []string{"text"}),
	}

	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*parseReportReq)
		return s.ParseReport(r.Text, r.Strict)
	}

	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), decodeArgs[parseReportReq])
}

// --- status ---

type statusReq struct{}

func (s *Service) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "edingest_status",
		Description: "Show import progress per source and row counts per event table.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.Status(ctx)
	}

	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), decodeArgs[statusReq])
}

// --- describe ---

type describeReq struct {
	Table string `json:"table"`
}

func (s *Service) registerDescribeTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "edingest_describe",
		Description: "Show the columns, kinds and constraints of an event table.",
		InputSchema: inputSchema(map[string]any{
			"table": map[string]any{"type": "string", "description": "Event table name, e.g. FSDJump"},
		}, []string{"table"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*describeReq)
		return s.Describe(ctx, r.Table)
	}

	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), decodeArgs[describeReq])
}
