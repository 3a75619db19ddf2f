package llm

import (
	"context"
	"net/http"

	"github.com/hurttlocker/quill/internal/journal"
)

// openrouterProvider talks to OpenRouter's OpenAI-compatible chat endpoint.
type openrouterProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (o *openrouterProvider) Name() string {
	return "openrouter/" + o.model
}

func (o *openrouterProvider) Complete(ctx context.Context, prompt string, opts CompletionOpts) (string, error) {
	req := chatRequest{
		Model:       opts.model(o.model),
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	if opts.System != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: opts.System})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: prompt})
	if opts.wantsJSON() {
		req.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}

	header := http.Header{
		"Authorization": {"Bearer " + o.apiKey},
		"Http-Referer":  {"https://github.com/hurttlocker/quill"},
		"X-Title":       {"Quill"},
	}

	var resp chatResponse
	if err := postJSON(ctx, &o.client, o.Name(), o.baseURL+"/chat/completions", header, req, &resp); err != nil {
		return "", err
	}
	// upstream model failures arrive inside a 200 body
	if resp.Error != nil {
		return "", &journal.ProviderError{Kind: journal.ErrTransientProvider, Provider: o.Name(), Msg: resp.Error.Message}
	}
	if len(resp.Choices) == 0 {
		return "", malformed(o.Name(), "no choices")
	}

	c := resp.Choices[0]
	if c.FinishReason == "length" && opts.wantsJSON() {
		return "", malformed(o.Name(), "answer truncated at the token limit")
	}
	return finishText(o.Name(), c.Message.Content, opts)
}
