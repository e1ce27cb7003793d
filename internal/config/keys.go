package config

import (
	"errors"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when the selected generator has no API key.
var ErrNoAPIKey = errors.New("no API key configured")

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv    KeySource = "environment"
	KeySourceConfig KeySource = "config_file"
	KeySourceNone   KeySource = "none"
)

// AnthropicKey returns the Anthropic API key and where it came from. The
// environment wins over the config file. Bedrock needs no key.
func AnthropicKey(cfg *Config) (string, KeySource) {
	return resolveKey(os.Getenv("ANTHROPIC_API_KEY"), cfg.Anthropic.APIKey)
}

// OpenAIKey returns the OpenAI API key and where it came from.
func OpenAIKey(cfg *Config) (string, KeySource) {
	return resolveKey(os.Getenv("OPENAI_API_KEY"), cfg.LLM.OpenAIAPIKey)
}

func resolveKey(env, configured string) (string, KeySource) {
	if env != "" {
		return env, KeySourceEnv
	}
	// An unexpanded ${VAR} means the variable is unset.
	if key := os.ExpandEnv(configured); key != "" && !strings.HasPrefix(key, "${") {
		return key, KeySourceConfig
	}
	return "", KeySourceNone
}

// RequireGeneratorKey checks that the configured generator can authenticate.
func RequireGeneratorKey(cfg *Config) error {
	switch {
	case cfg.Generator == "anthropic" && !cfg.Anthropic.UseBedrock:
		if key, _ := AnthropicKey(cfg); key == "" {
			return ErrNoAPIKey
		}
	case cfg.Generator == "langchain" && cfg.LLM.Provider == "openai":
		if key, _ := OpenAIKey(cfg); key == "" {
			return ErrNoAPIKey
		}
	case cfg.Generator == "langchain" && cfg.LLM.Provider == "anthropic":
		if key, _ := AnthropicKey(cfg); key == "" {
			return ErrNoAPIKey
		}
	}
	return nil
}

// MaskAPIKey returns a masked version of a key for display.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}
