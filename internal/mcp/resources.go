package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/quill/internal/store"
	"github.com/hurttlocker/quill/internal/tools"
)

func registerStatsResource(s *server.MCPServer, st store.Store) {
	resource := mcp.NewResource(
		"quill://stats",
		"Journal Statistics",
		mcp.WithResourceDescription("Counts of entries, chunks, embedded chunks, analytics records and stored summaries."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := st.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading stats: %w", err)
		}
		data, _ := json.MarshalIndent(stats, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}

func registerStateResource(s *server.MCPServer, reg *tools.Registry) {
	resource := mcp.NewResource(
		"quill://state/current",
		"Current State",
		mcp.WithResourceDescription("Mood, themes, stressors and protective factors over the last week of analyzed entries."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		res, err := reg.Dispatch(ctx, tools.Call{Name: tools.GetCurrentState})
		if err != nil {
			return nil, fmt.Errorf("computing current state: %w", err)
		}
		payload := map[string]any{
			"state":   res.Structured,
			"summary": res.Text,
		}
		data, _ := json.MarshalIndent(payload, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}
