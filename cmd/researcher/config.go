package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/researcher/internal/config"
	"github.com/ShayCichocki/researcher/pkg/models"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify researcher configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/researcher/config.yaml
Project-specific overrides can be placed in .researcher.yaml
API keys are read from ANTHROPIC_API_KEY and OPENAI_API_KEY.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		switch len(args) {
		case 0:
			fmt.Printf("# user config: %s\n", config.GetUserConfigPath())
			if p := config.GetProjectConfigPath(); p != "" {
				fmt.Printf("# project config: %s\n", p)
			}
			displayAllConfig(os.Stdout, cfg)
			return nil
		case 1:
			value, err := getConfigValue(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		default:
			if err := setConfigValue(cfg, args[0], args[1]); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Printf("Set %s = %s\n", args[0], args[1])
			return nil
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(w io.Writer, cfg *config.Config) {
	anthropicKey, anthropicSource := config.AnthropicKey(cfg)
	openAIKey, openAISource := config.OpenAIKey(cfg)

	fmt.Fprintf(w, "server.addr: %s\n", cfg.Server.Addr)
	fmt.Fprintf(w, "storage.path: %s\n", cfg.Storage.Path)
	fmt.Fprintf(w, "engine.max_concurrency: %d\n", cfg.Engine.MaxConcurrency)
	fmt.Fprintf(w, "engine.retry_delay: %s\n", cfg.Engine.RetryDelay)
	fmt.Fprintf(w, "engine.retry_multiplier: %g\n", cfg.Engine.RetryMultiplier)
	fmt.Fprintf(w, "engine.quorum.fail_on_types: %s\n", strings.Join(cfg.Engine.Quorum.FailOnTypes, ","))
	fmt.Fprintf(w, "engine.quorum.max_failed_ratio: %g\n", cfg.Engine.Quorum.MaxFailedRatio)
	for _, t := range sortedKeys(cfg.Gate.Thresholds) {
		fmt.Fprintf(w, "gate.thresholds.%s: %g\n", t, cfg.Gate.Thresholds[t])
	}
	for _, t := range sortedKeys(cfg.Gate.Budgets) {
		fmt.Fprintf(w, "gate.budgets.%s: %d\n", t, cfg.Gate.Budgets[t])
	}
	for _, t := range sortedKeys(cfg.Timeouts) {
		fmt.Fprintf(w, "timeouts.%s: %s\n", t, cfg.Timeouts[t])
	}
	fmt.Fprintf(w, "jobs.max_active_per_owner: %d\n", cfg.Jobs.MaxActivePerOwner)
	fmt.Fprintf(w, "retrieval.top_k: %d\n", cfg.Retrieval.TopK)
	fmt.Fprintf(w, "retrieval.min_results: %d\n", cfg.Retrieval.MinResults)
	fmt.Fprintf(w, "graph.max_hops: %d\n", cfg.Graph.MaxHops)
	fmt.Fprintf(w, "planner.source: %s\n", cfg.Planner.Source)
	fmt.Fprintf(w, "generator: %s\n", cfg.Generator)
	fmt.Fprintf(w, "anthropic.model: %s\n", cfg.Anthropic.Model)
	fmt.Fprintf(w, "anthropic.api_key: %s (%s)\n", config.MaskAPIKey(anthropicKey), anthropicSource)
	fmt.Fprintf(w, "llm.provider: %s\n", cfg.LLM.Provider)
	fmt.Fprintf(w, "llm.model: %s\n", cfg.LLM.Model)
	fmt.Fprintf(w, "llm.openai_api_key: %s (%s)\n", config.MaskAPIKey(openAIKey), openAISource)
	fmt.Fprintf(w, "surreal.url: %s\n", cfg.Surreal.URL)
	fmt.Fprintf(w, "logging.level: %s\n", cfg.Logging.Level)
	fmt.Fprintf(w, "signals.dir: %s\n", cfg.Signals.Dir)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	key = strings.ToLower(key)
	if t, ok := strings.CutPrefix(key, "gate.thresholds."); ok {
		return strconv.FormatFloat(cfg.Gate.Thresholds[t], 'g', -1, 64), nil
	}
	if t, ok := strings.CutPrefix(key, "gate.budgets."); ok {
		return strconv.Itoa(cfg.Gate.Budgets[t]), nil
	}
	if t, ok := strings.CutPrefix(key, "timeouts."); ok {
		return cfg.TimeoutFor(models.TaskType(t)).String(), nil
	}

	switch key {
	case "server.addr":
		return cfg.Server.Addr, nil
	case "storage.path":
		return cfg.Storage.Path, nil
	case "engine.max_concurrency":
		return strconv.Itoa(cfg.Engine.MaxConcurrency), nil
	case "engine.retry_delay":
		return cfg.Engine.RetryDelay.String(), nil
	case "jobs.max_active_per_owner":
		return strconv.Itoa(cfg.Jobs.MaxActivePerOwner), nil
	case "retrieval.top_k":
		return strconv.Itoa(cfg.Retrieval.TopK), nil
	case "planner.source":
		return cfg.Planner.Source, nil
	case "generator":
		return cfg.Generator, nil
	case "anthropic.model":
		return cfg.Anthropic.Model, nil
	case "anthropic.api_key":
		key, _ := config.AnthropicKey(cfg)
		return config.MaskAPIKey(key), nil
	case "llm.provider":
		return cfg.LLM.Provider, nil
	case "llm.model":
		return cfg.LLM.Model, nil
	case "surreal.url":
		return cfg.Surreal.URL, nil
	case "logging.level":
		return cfg.Logging.Level, nil
	case "signals.dir":
		return cfg.Signals.Dir, nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key. Secrets
// are not settable; they belong in the environment.
func setConfigValue(cfg *config.Config, key, value string) error {
	key = strings.ToLower(key)
	if t, ok := strings.CutPrefix(key, "gate.thresholds."); ok {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		cfg.Gate.Thresholds[t] = f
		return nil
	}
	if t, ok := strings.CutPrefix(key, "gate.budgets."); ok {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		cfg.Gate.Budgets[t] = n
		return nil
	}
	if t, ok := strings.CutPrefix(key, "timeouts."); ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
		cfg.Timeouts[t] = d
		return nil
	}

	switch key {
	case "server.addr":
		cfg.Server.Addr = value
	case "storage.path":
		cfg.Storage.Path = value
	case "engine.max_concurrency":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_concurrency: %w", err)
		}
		cfg.Engine.MaxConcurrency = n
	case "engine.retry_delay":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for retry_delay: %w", err)
		}
		cfg.Engine.RetryDelay = d
	case "jobs.max_active_per_owner":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_active_per_owner: %w", err)
		}
		cfg.Jobs.MaxActivePerOwner = n
	case "retrieval.top_k":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for top_k: %w", err)
		}
		cfg.Retrieval.TopK = n
	case "planner.source":
		cfg.Planner.Source = value
	case "generator":
		cfg.Generator = value
	case "anthropic.model":
		cfg.Anthropic.Model = value
	case "llm.provider":
		cfg.LLM.Provider = value
	case "llm.model":
		cfg.LLM.Model = value
	case "surreal.url":
		cfg.Surreal.URL = value
	case "logging.level":
		cfg.Logging.Level = value
	case "signals.dir":
		cfg.Signals.Dir = value
	case "anthropic.api_key", "llm.openai_api_key":
		return fmt.Errorf("%s is read from the environment, not the config file", key)
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}
