package config

import (
	"testing"
)

func TestLLMKey_ConfigBeatsKeySource(t *testing.T) {
	cfg := &Config{LLM: LLMConfig{Provider: "anthropic", APIKey: "config-key"}}

	k := cfg.LLMKey(StaticKeys{"anthropic": "static-key"})
	if k.Value != "config-key" {
		t.Fatalf("expected config key, got %q", k.Value)
	}
	if k.Source != SourceConfig || k.From != "llm.api_key" {
		t.Fatalf("unexpected provenance: %+v", k)
	}
}

func TestLLMKey_FallsBackToKeySource(t *testing.T) {
	cfg := &Config{LLM: LLMConfig{Provider: "openrouter"}}

	k := cfg.LLMKey(StaticKeys{"openrouter": "static-key"})
	if k.Value != "static-key" || k.Source != SourceStatic {
		t.Fatalf("expected static key, got %+v", k)
	}

	missing := cfg.LLMKey(StaticKeys{"anthropic": "other"})
	if missing.Value != "" || missing.Source != SourceUnknown {
		t.Fatalf("expected no key, got %+v", missing)
	}
}

func TestEnvKeys(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "google-env")
	t.Setenv("OPENAI_API_KEY", "openai-env")

	keys := NewEnvKeys()

	k, ok := keys.LookupKey("google")
	if !ok || k.Value != "google-env" || k.From != "GOOGLE_API_KEY" {
		t.Fatalf("expected GOOGLE_API_KEY fallback, got %+v (ok=%v)", k, ok)
	}

	// Embed providers are given as provider/model.
	cfg := &Config{Embed: EmbedConfig{Provider: "openai/text-embedding-3-small"}}
	ek := cfg.EmbedKey(keys)
	if ek.Value != "openai-env" || ek.Source != SourceEnv {
		t.Fatalf("expected openai env key, got %+v", ek)
	}

	if _, ok := keys.LookupKey("ollama"); ok {
		t.Fatal("ollama needs no key")
	}
}
