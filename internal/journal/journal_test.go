package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyTrend(t *testing.T) {
	tests := []struct {
		name              string
		current, previous float64
		want              Trend
	}{
		{"diff 6 is up", 80, 74, TrendUp},
		{"diff 4 is stable", 80, 76, TrendStable},
		{"exactly +5 is stable", 80, 75, TrendStable},
		{"exactly -5 is stable", 75, 80, TrendStable},
		{"just over -5 is down", 74.9, 80, TrendDown},
		{"just over +5 is up", 80.01, 75, TrendUp},
		{"equal is stable", 50, 50, TrendStable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyTrend(tt.current, tt.previous, DefaultTrendThreshold))
		})
	}
}

func TestSourceSpanValidate(t *testing.T) {
	assert.NoError(t, SourceSpan{Start: 0, End: 5}.Validate(5))
	assert.ErrorIs(t, SourceSpan{Start: 3, End: 3}.Validate(5), ErrValidation)
	assert.ErrorIs(t, SourceSpan{Start: -1, End: 2}.Validate(5), ErrValidation)
	assert.ErrorIs(t, SourceSpan{Start: 2, End: 6}.Validate(5), ErrValidation)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("héllo")
	assert.Equal(t, a, Fingerprint("héllo"))
	assert.NotEqual(t, a, Fingerprint("hello"))
	assert.Regexp(t, `^5:[0-9a-f]{64}$`, a)
}

func TestProviderErrorKinds(t *testing.T) {
	rl := &ProviderError{Kind: ErrRateLimited, Provider: "test", StatusCode: 429, RetryAfter: 2 * time.Second}
	wrapped := fmt.Errorf("batch 3: %w", rl)

	assert.True(t, errors.Is(wrapped, ErrRateLimited))
	assert.True(t, errors.Is(wrapped, ErrTransientProvider), "rate limit counts as transient")
	assert.True(t, IsRetryable(wrapped))
	assert.Equal(t, 2*time.Second, RetryAfter(wrapped))

	auth := &ProviderError{Kind: ErrUnauthorized, Provider: "test", StatusCode: 401}
	assert.False(t, IsRetryable(auth))
	assert.False(t, errors.Is(auth, ErrTransientProvider))

	mal := &ProviderError{Kind: ErrMalformedResponse, Provider: "test"}
	assert.False(t, IsRetryable(mal))
}

func TestToolErrorKinds(t *testing.T) {
	err := error(&ToolError{Kind: ErrUnknownTool, Tool: "nope"})
	assert.ErrorIs(t, err, ErrUnknownTool)
	assert.NotErrorIs(t, err, ErrInvalidArgument)
	assert.Contains(t, err.Error(), "nope")
}

func TestStorageErr(t *testing.T) {
	assert.Nil(t, StorageErr("op", nil))
	inner := errors.New("disk full")
	err := StorageErr("saving chunk", inner)
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, inner)
}

func TestConfidenceIntervalJSONUsesNamedFields(t *testing.T) {
	b, err := json.Marshal(ConfidenceInterval{Lower: 70.5, Upper: 79.5})
	require.NoError(t, err)
	assert.JSONEq(t, `{"lower":70.5,"upper":79.5}`, string(b))
}

func TestMetricValue(t *testing.T) {
	a := &EntryAnalytics{
		HappinessScore: 64,
		Arousal:        0.3,
		Emotions:       EmotionScores{Anxiety: 0.8, Anger: 0.4, Sadness: 0.2},
	}
	assert.InDelta(t, 64, a.MetricValue(MetricHappiness), 1e-9)
	assert.InDelta(t, 30, a.MetricValue(MetricEnergy), 1e-9)
	assert.InDelta(t, 100*(0.4+0.1+0.05), a.MetricValue(MetricStress), 1e-9)

	_, err := ParseMetric("sleep")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	m, err := ParseMetric("stress")
	require.NoError(t, err)
	assert.Equal(t, MetricStress, m)
}

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{429, ErrRateLimited},
		{401, ErrUnauthorized},
		{403, ErrUnauthorized},
		{400, ErrInvalidInput},
		{413, ErrInvalidInput},
		{422, ErrInvalidInput},
		{408, ErrTransientProvider},
		{500, ErrTransientProvider},
		{503, ErrTransientProvider},
		{404, ErrMalformedResponse},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindForStatus(tt.status), "status %d", tt.status)
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 7*time.Second, ParseRetryAfter("7"))
	assert.Equal(t, 7*time.Second, ParseRetryAfter(" 7 "))
	assert.Zero(t, ParseRetryAfter(""))
	assert.Zero(t, ParseRetryAfter("-3"))
	assert.Zero(t, ParseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
}
