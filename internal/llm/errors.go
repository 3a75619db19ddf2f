package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/hurttlocker/quill/internal/journal"
)

const maxErrorBody = 300

func statusError(provider string, status int, header http.Header, body string) *journal.ProviderError {
	pe := &journal.ProviderError{
		Kind:       journal.KindForStatus(status),
		Provider:   provider,
		StatusCode: status,
		Msg:        truncate(strings.TrimSpace(body), maxErrorBody),
	}
	if header != nil {
		pe.RetryAfter = journal.ParseRetryAfter(header.Get("Retry-After"))
	}
	return pe
}

// transportError reports a failed round trip. Caller cancellation is passed
// through untouched; anything else is worth retrying.
func transportError(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &journal.ProviderError{Kind: journal.ErrTransientProvider, Provider: provider, Msg: "request timed out"}
	}
	return &journal.ProviderError{Kind: journal.ErrTransientProvider, Provider: provider, Msg: err.Error()}
}

func malformed(provider, msg string) *journal.ProviderError {
	return &journal.ProviderError{Kind: journal.ErrMalformedResponse, Provider: provider, Msg: msg}
}

// ExtractJSON returns the outermost JSON object in s. Models sometimes wrap
// their answer in prose or code fences.
func ExtractJSON(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
