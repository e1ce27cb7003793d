package config

import (
	"errors"
	"testing"
)

func TestAnthropicKey(t *testing.T) {
	t.Run("from environment variable", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "sk-ant-env-key")
		cfg := Default()
		cfg.Anthropic.APIKey = "sk-ant-config-key"

		key, source := AnthropicKey(cfg)
		if key != "sk-ant-env-key" || source != KeySourceEnv {
			t.Errorf("expected env key, got %q from %s", key, source)
		}
	})

	t.Run("from config", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")
		cfg := Default()
		cfg.Anthropic.APIKey = "sk-ant-config-key"

		key, source := AnthropicKey(cfg)
		if key != "sk-ant-config-key" || source != KeySourceConfig {
			t.Errorf("expected config key, got %q from %s", key, source)
		}
	})

	t.Run("unexpanded reference", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")
		cfg := Default()
		cfg.Anthropic.APIKey = "${UNSET_RESEARCHER_TEST_KEY}"

		if key, source := AnthropicKey(cfg); key != "" || source != KeySourceNone {
			t.Errorf("expected no key, got %q from %s", key, source)
		}
	})
}

func TestRequireGeneratorKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"anthropic without key", func(c *Config) {}, true},
		{"anthropic with key", func(c *Config) { c.Anthropic.APIKey = "sk-ant-config-key" }, false},
		{"bedrock needs no key", func(c *Config) { c.Anthropic.UseBedrock = true }, false},
		{"ollama needs no key", func(c *Config) { c.Generator = "langchain" }, false},
		{"openai without key", func(c *Config) {
			c.Generator = "langchain"
			c.LLM.Provider = "openai"
		}, true},
		{"openai with key", func(c *Config) {
			c.Generator = "langchain"
			c.LLM.Provider = "openai"
			c.LLM.OpenAIAPIKey = "sk-openai"
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := RequireGeneratorKey(cfg)
			if tt.wantErr && !errors.Is(err, ErrNoAPIKey) {
				t.Errorf("expected ErrNoAPIKey, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestMaskAPIKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "(not set)"},
		{"short", "***"},
		{"sk-ant-REDACTED", "sk-ant-...mnop"},
	}
	for _, tt := range tests {
		if got := MaskAPIKey(tt.key); got != tt.want {
			t.Errorf("MaskAPIKey(%q): expected %q, got %q", tt.key, tt.want, got)
		}
	}
}
