package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/quill/internal/aggregate"
	"github.com/hurttlocker/quill/internal/embed"
	"github.com/hurttlocker/quill/internal/journal"
	"github.com/hurttlocker/quill/internal/search"
	"github.com/hurttlocker/quill/internal/store"
	"github.com/hurttlocker/quill/internal/tools"
)

// helper: create a server over a store with a little analyzed data
func setupTestServer(t *testing.T) (*server.MCPServer, store.Store) {
	t.Helper()
	st, err := store.NewStore(store.StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	h := embed.NewHashEmbedder()
	date := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	text := "Walked to the lighthouse and felt calm for the first time in weeks"

	if err := st.PutEntry(ctx, journal.Entry{ID: "e1", Text: text, Date: date}); err != nil {
		t.Fatalf("adding entry: %v", err)
	}
	chunk := journal.Chunk{ID: "c1", EntryID: "e1", Text: text, Date: date,
		Span: journal.SourceSpan{EntryID: "e1", Start: 0, End: len([]rune(text))}}
	if err := st.ReplaceChunks(ctx, "e1", journal.Fingerprint(text), []journal.Chunk{chunk}); err != nil {
		t.Fatalf("adding chunk: %v", err)
	}
	vec, err := embed.EmbedOne(ctx, h, text)
	if err != nil {
		t.Fatalf("embedding: %v", err)
	}
	if err := st.SetEmbeddings(ctx, map[string][]float32{"c1": vec}); err != nil {
		t.Fatalf("storing embedding: %v", err)
	}
	if err := st.UpsertAnalytics(ctx, &journal.EntryAnalytics{
		ID: "a1", EntryID: "e1", Date: date, HappinessScore: 68, Valence: 0.4, Arousal: 0.5,
		Emotions: journal.NeutralEmotions(), Events: []journal.DetectedEvent{}, Themes: []string{"outdoors"},
		Stressors: []string{}, Confidence: 0.9, Fingerprint: journal.Fingerprint(text), AnalyzedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("adding analytics: %v", err)
	}

	reg := tools.NewRegistry(search.NewIndex(st, h, nil), aggregate.New(st, nil, aggregate.DefaultOptions(), nil), nil)
	return NewServer(ServerConfig{Registry: reg, Store: st, Version: "test"}), st
}

func TestNewServer(t *testing.T) {
	srv, _ := setupTestServer(t)
	if srv == nil {
		t.Fatal("NewServer returned nil")
	}
}

func TestListTools(t *testing.T) {
	srv, _ := setupTestServer(t)

	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/list",
	}))
	respBytes, _ := json.Marshal(result)

	var resp struct {
		Result struct {
			Tools []struct {
				Name        string `json:"name"`
				Annotations struct {
					ReadOnlyHint *bool `json:"readOnlyHint"`
				} `json:"annotations"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	names := map[string]bool{}
	for _, tool := range resp.Result.Tools {
		names[tool.Name] = true
		if tool.Annotations.ReadOnlyHint == nil || !*tool.Annotations.ReadOnlyHint {
			t.Errorf("tool %s should be marked read-only", tool.Name)
		}
	}
	for _, want := range []string{tools.SearchSemantic, tools.GetMonthSummary, tools.GetYearSummary, tools.GetTimeSeries, tools.GetCurrentState} {
		if !names[want] {
			t.Errorf("missing tool %s", want)
		}
	}
	if len(resp.Result.Tools) != 5 {
		t.Errorf("expected 5 tools, got %d", len(resp.Result.Tools))
	}
}

// callTool is a helper that invokes an MCP tool by building a CallToolRequest.
func callTool(t *testing.T, srv *server.MCPServer, name string, args map[string]any) *mcplib.CallToolResult {
	t.Helper()

	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	}))

	// Parse the JSON-RPC response
	respBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var resp struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, string(respBytes))
	}

	if resp.Error != nil {
		t.Fatalf("JSON-RPC error: %d %s", resp.Error.Code, resp.Error.Message)
	}

	// Build a CallToolResult from the parsed response
	callResult := &mcplib.CallToolResult{
		IsError: resp.Result.IsError,
	}
	for _, c := range resp.Result.Content {
		if c.Type == "text" {
			callResult.Content = append(callResult.Content, mcplib.NewTextContent(c.Text))
		}
	}

	return callResult
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func getTextContent(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content found")
	return ""
}

func TestSearchSemanticTool(t *testing.T) {
	srv, _ := setupTestServer(t)

	result := callTool(t, srv, tools.SearchSemantic, map[string]any{
		"query": "lighthouse walk",
		"k":     float64(3),
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", getTextContent(t, result))
	}

	var sr tools.SearchResult
	if err := json.Unmarshal([]byte(getTextContent(t, result)), &sr); err != nil {
		t.Fatalf("parsing search results: %v", err)
	}
	if len(sr.Hits) != 1 || sr.Hits[0].Chunk.ID != "c1" {
		t.Fatalf("expected the lighthouse chunk, got %+v", sr.Hits)
	}
	if len(result.Content) != 2 {
		t.Errorf("expected structured and text content, got %d items", len(result.Content))
	}
}

func TestMonthSummaryTool(t *testing.T) {
	srv, _ := setupTestServer(t)

	result := callTool(t, srv, tools.GetMonthSummary, map[string]any{
		"year":  float64(2024),
		"month": float64(3),
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", getTextContent(t, result))
	}

	var s journal.MonthSummary
	if err := json.Unmarshal([]byte(getTextContent(t, result)), &s); err != nil {
		t.Fatalf("parsing summary: %v", err)
	}
	if s.HappinessAvg != 68 || s.DaysWithData != 1 {
		t.Errorf("unexpected summary: avg=%v days=%d", s.HappinessAvg, s.DaysWithData)
	}
}

func TestMonthSummaryToolEmptyMonth(t *testing.T) {
	srv, _ := setupTestServer(t)

	result := callTool(t, srv, tools.GetMonthSummary, map[string]any{
		"year":  float64(2019),
		"month": float64(7),
	})
	if result.IsError {
		t.Fatalf("empty month should not be an error: %s", getTextContent(t, result))
	}
}

func TestToolInvalidArguments(t *testing.T) {
	srv, _ := setupTestServer(t)

	tests := []struct {
		name string
		tool string
		args map[string]any
	}{
		{"missing month", tools.GetMonthSummary, map[string]any{"year": float64(2024)}},
		{"fractional year", tools.GetYearSummary, map[string]any{"year": 2024.5}},
		{"bad metric", tools.GetTimeSeries, map[string]any{"metric": "joy", "from": "2024-01-01", "to": "2024-01-31"}},
		{"missing query", tools.SearchSemantic, map[string]any{}},
		{"year as string", tools.GetYearSummary, map[string]any{"year": "2024"}},
		{"k as string", tools.SearchSemantic, map[string]any{"query": "walk", "k": "3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := callTool(t, srv, tt.tool, tt.args)
			if !result.IsError {
				t.Errorf("expected tool error, got %s", getTextContent(t, result))
			}
		})
	}
}

func TestToolWrongTypeIsReported(t *testing.T) {
	srv, _ := setupTestServer(t)

	result := callTool(t, srv, tools.GetMonthSummary, map[string]any{"year": "2024", "month": float64(3)})
	if !result.IsError {
		t.Fatalf("expected tool error, got %s", getTextContent(t, result))
	}
	text := getTextContent(t, result)
	if !strings.Contains(text, "year must be an integer") {
		t.Errorf("error should name the type problem, got %q", text)
	}
}

func TestTimeSeriesTool(t *testing.T) {
	srv, _ := setupTestServer(t)

	result := callTool(t, srv, tools.GetTimeSeries, map[string]any{
		"metric": "energy",
		"from":   "2024-03-01",
		"to":     "2024-03-31",
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", getTextContent(t, result))
	}
	var sr tools.SeriesResult
	if err := json.Unmarshal([]byte(getTextContent(t, result)), &sr); err != nil {
		t.Fatalf("parsing series: %v", err)
	}
	if len(sr.Points) != 1 || sr.Points[0].Value != 50 {
		t.Errorf("unexpected points: %+v", sr.Points)
	}
}

// readResource invokes resources/read and returns the first text payload.
func readResource(t *testing.T, srv *server.MCPServer, uri string) string {
	t.Helper()
	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      2,
		"method":  "resources/read",
		"params":  map[string]any{"uri": uri},
	}))
	respBytes, _ := json.Marshal(result)

	var resp struct {
		Result struct {
			Contents []struct {
				Text string `json:"text"`
			} `json:"contents"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("resource error: %s", resp.Error.Message)
	}
	if len(resp.Result.Contents) == 0 {
		t.Fatal("no resource contents")
	}
	return resp.Result.Contents[0].Text
}

func TestStatsResource(t *testing.T) {
	srv, _ := setupTestServer(t)
	text := readResource(t, srv, "quill://stats")

	var stats store.StoreStats
	if err := json.Unmarshal([]byte(text), &stats); err != nil {
		t.Fatalf("parsing stats: %v", err)
	}
	if stats.EntryCount != 1 || stats.EmbeddedChunkCount != 1 || stats.AnalyticsCount != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestStateResource(t *testing.T) {
	srv, _ := setupTestServer(t)
	text := readResource(t, srv, "quill://state/current")
	if !strings.Contains(text, `"summary"`) || !strings.Contains(text, "outdoors") {
		t.Errorf("unexpected state resource: %s", text)
	}
}
