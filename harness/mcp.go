package harness

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/livedeck/kit"
	"github.com/hazyhaar/livedeck/parambus"
)

// RegisterMCP registers the livedeck tools on an MCP server.
func (h *Harness) RegisterMCP(srv *mcp.Server) {
	h.registerGetParamsTool(srv)
	h.registerSetParamsTool(srv)
	h.registerResetParamsTool(srv)
	h.registerListUnitsTool(srv)
	h.registerCreateUnitTool(srv)
	h.registerSelectUnitTool(srv)
	h.registerRunUnitTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
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

// --- params ---

func (h *Harness) registerGetParamsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "livedeck_get_params",
		Description: "Return the current musical parameter snapshot (duration, noteDelta, velocity, plus any extra keys).",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		return h.Params(), nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: struct{}{}}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

type setParamsRequest struct {
	Params map[string]float64 `json:"params"`
}

func (h *Harness) registerSetParamsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "livedeck_set_params",
		Description: "Merge parameter values into the snapshot and broadcast to all subscribers.",
		InputSchema: inputSchema(map[string]any{
			"params": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "number"},
				"description":          "Parameter names mapped to numeric values",
			},
		}, []string{"params"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*setParamsRequest)
		h.SetParams(parambus.Snapshot(r.Params))
		return h.Params(), nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r setParamsRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		if len(r.Params) == 0 {
			return nil, fmt.Errorf("params is required")
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (h *Harness) registerResetParamsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "livedeck_reset_params",
		Description: "Restore default parameters (duration=4, noteDelta=0, velocity=1) and broadcast once.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		h.ResetParams()
		return h.Params(), nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: struct{}{}}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- units ---

func (h *Harness) registerListUnitsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "livedeck_list_units",
		Description: "List all live-coding units with their current code and selection state.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		return h.unitViews(), nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: struct{}{}}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

type createUnitRequest struct {
	ID      string `json:"id,omitempty"`
	Pattern string `json:"pattern,omitempty"`
}

func (h *Harness) registerCreateUnitTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "livedeck_create_unit",
		Description: "Create a new live-coding unit with a library pattern (random when omitted).",
		InputSchema: inputSchema(map[string]any{
			"id":      map[string]any{"type": "string", "description": "Unit ID (generated when omitted)"},
			"pattern": map[string]any{"type": "string", "description": "Pattern name from the library"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*createUnitRequest)
		unit, err := h.CreateUnit(ctx, r.ID, r.Pattern)
		if err != nil {
			return nil, err
		}
		return unitView(unit.ID(), unit.CurrentCode(), h.SelectedUnit()), nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r createUnitRequest
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

type selectUnitRequest struct {
	ID string `json:"id"`
}

func (h *Harness) registerSelectUnitTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "livedeck_select_unit",
		Description: "Move the selection to a unit. The selection watcher restores its visual feedback.",
		InputSchema: inputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Unit ID"},
		}, []string{"id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*selectUnitRequest)
		if err := h.SelectUnit(ctx, r.ID); err != nil {
			return nil, err
		}
		return map[string]string{"selected": r.ID}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r selectUnitRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		if r.ID == "" {
			return nil, fmt.Errorf("id is required")
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

type runUnitRequest struct {
	ID      string `json:"id"`
	Code    string `json:"code,omitempty"`
	Pattern string `json:"pattern,omitempty"`
}

func (h *Harness) registerRunUnitTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "livedeck_run_unit",
		Description: "Advance a unit's code (inline code or a library pattern) and evaluate it.",
		InputSchema: inputSchema(map[string]any{
			"id":      map[string]any{"type": "string", "description": "Unit ID"},
			"code":    map[string]any{"type": "string", "description": "Pattern source to run"},
			"pattern": map[string]any{"type": "string", "description": "Pattern name from the library"},
		}, []string{"id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*runUnitRequest)
		var err error
		switch {
		case r.Code != "":
			err = h.UpdateAndRun(ctx, r.ID, r.Code)
		case r.Pattern != "":
			err = h.ApplyPattern(ctx, r.ID, r.Pattern)
		default:
			return nil, fmt.Errorf("code or pattern is required")
		}
		if err != nil {
			return nil, err
		}
		return map[string]string{"unit": r.ID, "status": "running"}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r runUnitRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		if r.ID == "" {
			return nil, fmt.Errorf("id is required")
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
