package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hurttlocker/quill/internal/journal"
)

// googleProvider talks to the Gemini generateContent endpoint.
type googleProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  http.Client
}

type geminiText struct {
	Text string `json:"text"`
}

type geminiTurn struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiText `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiTurn     `json:"contents"`
	SystemInstruction *geminiTurn      `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGeneration `json:"generationConfig"`
}

type geminiGeneration struct {
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiCandidate struct {
	Content      geminiTurn `json:"content"`
	FinishReason string     `json:"finishReason"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (g *googleProvider) Name() string {
	return "google/" + g.model
}

func (g *googleProvider) Complete(ctx context.Context, prompt string, opts CompletionOpts) (string, error) {
	req := geminiRequest{
		Contents: []geminiTurn{{Role: "user", Parts: []geminiText{{Text: prompt}}}},
		GenerationConfig: geminiGeneration{
			MaxOutputTokens: opts.MaxTokens,
			Temperature:     opts.Temperature,
		},
	}
	if opts.System != "" {
		req.SystemInstruction = &geminiTurn{Parts: []geminiText{{Text: opts.System}}}
	}
	if opts.wantsJSON() {
		req.GenerationConfig.ResponseMimeType = "application/json"
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, opts.model(g.model))
	header := http.Header{"X-Goog-Api-Key": {g.apiKey}}

	var resp geminiResponse
	if err := postJSON(ctx, &g.client, g.Name(), url, header, req, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", statusError(g.Name(), resp.Error.Code, nil, resp.Error.Message)
	}
	// A blocked entry is blocked on every attempt.
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", &journal.ProviderError{Kind: journal.ErrInvalidInput, Provider: g.Name(), Msg: "prompt blocked: " + resp.PromptFeedback.BlockReason}
	}
	if len(resp.Candidates) == 0 {
		return "", malformed(g.Name(), "no candidates")
	}

	c := resp.Candidates[0]
	if c.FinishReason == "MAX_TOKENS" && opts.wantsJSON() {
		return "", malformed(g.Name(), "answer truncated at the token limit")
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		sb.WriteString(p.Text)
	}
	return finishText(g.Name(), sb.String(), opts)
}
