// Package mcp provides a Model Context Protocol server for Quill.
//
// It exposes the tool registry (semantic search, month and year summaries,
// time series, current state) as MCP tools, and store statistics and the
// current state as MCP resources. Every tool is read-only. Serves over
// stdio for Claude Desktop, Cursor and similar clients.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/quill/internal/journal"
	"github.com/hurttlocker/quill/internal/store"
	"github.com/hurttlocker/quill/internal/tools"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Registry *tools.Registry
	Store    store.Store // optional, backs the stats resource
	Version  string      // version string for MCP server info
}

// NewServer creates a configured MCP server with every registry tool.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"Quill",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	for _, def := range cfg.Registry.Definitions() {
		registerTool(s, cfg.Registry, def)
	}

	if cfg.Store != nil {
		registerStatsResource(s, cfg.Store)
	}
	registerStateResource(s, cfg.Registry)

	return s
}

// --- Tools ---

func registerTool(s *server.MCPServer, reg *tools.Registry, def tools.Definition) {
	opts := []mcp.ToolOption{
		mcp.WithDescription(def.Description),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	}
	for _, p := range def.Params {
		opts = append(opts, paramOption(p))
	}
	tool := mcp.NewTool(def.Name, opts...)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := collectArgs(req, def.Params)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		res, err := reg.Dispatch(ctx, tools.Call{Name: def.Name, Arguments: args})
		if err != nil {
			if errors.Is(err, journal.ErrInvalidArgument) {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("%s error: %v", def.Name, err)), nil
		}

		data, err := json.MarshalIndent(res.Structured, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
		}
		result := mcp.NewToolResultText(string(data))
		if res.Text != "" {
			result.Content = append(result.Content, mcp.NewTextContent(res.Text))
		}
		return result, nil
	})
}

func paramOption(p tools.Param) mcp.ToolOption {
	props := []mcp.PropertyOption{mcp.Description(p.Description)}
	if p.Required {
		props = append(props, mcp.Required())
	}
	if len(p.Enum) > 0 {
		props = append(props, mcp.Enum(p.Enum...))
	}
	if p.Type == "integer" || p.Type == "number" {
		return mcp.WithNumber(p.Name, props...)
	}
	return mcp.WithString(p.Name, props...)
}

// collectArgs rebuilds the JSON arguments object the registry expects.
// Absent arguments are left out so the registry applies its defaults; a
// present argument of the wrong type is rejected. MCP clients send numbers
// as floats, so integer parameters must be whole.
func collectArgs(req mcp.CallToolRequest, params []tools.Param) (json.RawMessage, error) {
	raw := req.GetArguments()
	args := make(map[string]any, len(params))
	for _, p := range params {
		v, ok := raw[p.Name]
		if !ok || v == nil {
			continue
		}
		switch p.Type {
		case "integer":
			f, ok := v.(float64)
			if !ok {
				return nil, fmt.Errorf("%s must be an integer, got %T", p.Name, v)
			}
			if f != float64(int64(f)) {
				return nil, fmt.Errorf("%s must be a whole number, got %v", p.Name, f)
			}
			args[p.Name] = int64(f)
		case "number":
			f, ok := v.(float64)
			if !ok {
				return nil, fmt.Errorf("%s must be a number, got %T", p.Name, v)
			}
			args[p.Name] = f
		default:
			str, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%s must be a string, got %T", p.Name, v)
			}
			args[p.Name] = str
		}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments: %w", err)
	}
	return data, nil
}
