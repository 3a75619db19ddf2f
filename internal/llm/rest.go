package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxResponseBody caps how much of a provider answer is read.
const maxResponseBody = 8 << 20

// postJSON sends in to url and decodes a 200 answer into out. Transport
// failures, non-200 statuses and undecodable bodies come back as
// *journal.ProviderError.
func postJSON(ctx context.Context, client *http.Client, provider, url string, header http.Header, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return transportError(ctx, provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return transportError(ctx, provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		return statusError(provider, resp.StatusCode, resp.Header, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return malformed(provider, fmt.Sprintf("parsing response: %v", err))
	}
	return nil
}

// finishText turns a model's raw answer into the completion result. In JSON
// mode the outermost object is cut out of any surrounding prose.
func finishText(provider, text string, opts CompletionOpts) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", malformed(provider, "empty response")
	}
	if !opts.wantsJSON() {
		return text, nil
	}
	obj, ok := ExtractJSON(text)
	if !ok {
		return "", malformed(provider, "no JSON object in response")
	}
	return obj, nil
}

func (o CompletionOpts) wantsJSON() bool {
	return strings.EqualFold(o.Format, "json")
}

func (o CompletionOpts) model(fallback string) string {
	if o.Model != "" {
		return o.Model
	}
	return fallback
}
