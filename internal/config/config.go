// Package config handles configuration loading and management for researcher.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/researcher/pkg/models"
)

// Config holds all configuration for researcher.
type Config struct {
	Server       ServerConfig             `mapstructure:"server"`
	Storage      StorageConfig            `mapstructure:"storage"`
	Engine       EngineConfig             `mapstructure:"engine"`
	Gate         GateConfig               `mapstructure:"gate"`
	Timeouts     map[string]time.Duration `mapstructure:"timeouts"`
	Jobs         JobsConfig               `mapstructure:"jobs"`
	Collaborator CollaboratorConfig       `mapstructure:"collaborator"`
	Retrieval    RetrievalConfig          `mapstructure:"retrieval"`
	Graph        GraphConfig              `mapstructure:"graph"`
	Planner      PlannerConfig            `mapstructure:"planner"`
	Generator    string                   `mapstructure:"generator"`
	Anthropic    AnthropicConfig          `mapstructure:"anthropic"`
	LLM          LLMConfig                `mapstructure:"llm"`
	Surreal      SurrealConfig            `mapstructure:"surreal"`
	Logging      LoggingConfig            `mapstructure:"logging"`
	Signals      SignalsConfig            `mapstructure:"signals"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// StorageConfig holds the SQLite location.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// EngineConfig holds execution engine settings.
type EngineConfig struct {
	MaxConcurrency  int           `mapstructure:"max_concurrency"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	RetryMultiplier float64       `mapstructure:"retry_multiplier"`
	Quorum          QuorumConfig  `mapstructure:"quorum"`
}

// QuorumConfig decides when a job with failed tasks still completes.
type QuorumConfig struct {
	FailOnTypes    []string `mapstructure:"fail_on_types"`
	MaxFailedRatio float64  `mapstructure:"max_failed_ratio"`
}

// GateConfig holds per task type acceptance thresholds and retry budgets.
type GateConfig struct {
	Thresholds map[string]float64 `mapstructure:"thresholds"`
	Budgets    map[string]int     `mapstructure:"budgets"`
}

// JobsConfig holds control surface limits.
type JobsConfig struct {
	MaxActivePerOwner int `mapstructure:"max_active_per_owner"`
}

// CollaboratorConfig bounds backoff against an unavailable collaborator.
type CollaboratorConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// RetrievalConfig holds retrieval defaults.
type RetrievalConfig struct {
	TopK       int `mapstructure:"top_k"`
	MinResults int `mapstructure:"min_results"`
}

// GraphConfig holds graph traversal defaults.
type GraphConfig struct {
	MaxHops int `mapstructure:"max_hops"`
}

// PlannerConfig selects the decomposer.
type PlannerConfig struct {
	// Source is "llm", "file" or "template".
	Source   string `mapstructure:"source"`
	PlanFile string `mapstructure:"plan_file"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Model      string `mapstructure:"model"`
	APIKey     string `mapstructure:"api_key"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// LLMConfig holds langchaingo provider settings.
type LLMConfig struct {
	Provider       string `mapstructure:"provider"`
	Model          string `mapstructure:"model"`
	OllamaHost     string `mapstructure:"ollama_host"`
	OpenAIAPIKey   string `mapstructure:"openai_api_key"`
	EmbedProvider  string `mapstructure:"embed_provider"`
	EmbedModel     string `mapstructure:"embed_model"`
	EmbedDimension int    `mapstructure:"embed_dimension"`
}

// SurrealConfig holds the retrieval backend connection.
type SurrealConfig struct {
	URL       string `mapstructure:"url"`
	Namespace string `mapstructure:"namespace"`
	Database  string `mapstructure:"database"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	AuthLevel string `mapstructure:"auth_level"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// SignalsConfig holds the cancel signal drop directory.
type SignalsConfig struct {
	Dir string `mapstructure:"dir"`
}

// TimeoutFor returns the executor timeout for a task type, or zero if unset.
func (c *Config) TimeoutFor(typ models.TaskType) time.Duration {
	return c.Timeouts[string(typ)]
}

// QuorumTypes returns the configured fail-on types.
func (c *Config) QuorumTypes() []models.TaskType {
	types := make([]models.TaskType, 0, len(c.Engine.Quorum.FailOnTypes))
	for _, t := range c.Engine.Quorum.FailOnTypes {
		types = append(types, models.TaskType(t))
	}
	return types
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if c.Engine.MaxConcurrency < 1 {
		return fmt.Errorf("engine.max_concurrency must be at least 1, got %d", c.Engine.MaxConcurrency)
	}
	if c.Engine.RetryMultiplier < 1 {
		return fmt.Errorf("engine.retry_multiplier must be at least 1, got %g", c.Engine.RetryMultiplier)
	}
	if r := c.Engine.Quorum.MaxFailedRatio; r < 0 || r > 1 {
		return fmt.Errorf("engine.quorum.max_failed_ratio must be within [0,1], got %g", r)
	}
	for _, t := range c.Engine.Quorum.FailOnTypes {
		if !models.TaskType(t).Valid() {
			return fmt.Errorf("engine.quorum.fail_on_types: unknown task type %q", t)
		}
	}
	for t, v := range c.Gate.Thresholds {
		if !models.TaskType(t).Valid() {
			return fmt.Errorf("gate.thresholds: unknown task type %q", t)
		}
		if v < 0 || v > 1 {
			return fmt.Errorf("gate.thresholds.%s must be within [0,1], got %g", t, v)
		}
	}
	for t, v := range c.Gate.Budgets {
		if !models.TaskType(t).Valid() {
			return fmt.Errorf("gate.budgets: unknown task type %q", t)
		}
		if v < 0 {
			return fmt.Errorf("gate.budgets.%s must not be negative, got %d", t, v)
		}
	}
	for t := range c.Timeouts {
		if !models.TaskType(t).Valid() {
			return fmt.Errorf("timeouts: unknown task type %q", t)
		}
	}
	if c.Jobs.MaxActivePerOwner < 1 {
		return fmt.Errorf("jobs.max_active_per_owner must be at least 1, got %d", c.Jobs.MaxActivePerOwner)
	}
	switch c.Planner.Source {
	case "llm", "template":
	case "file":
		if c.Planner.PlanFile == "" {
			return fmt.Errorf("planner.plan_file is required when planner.source is file")
		}
	default:
		return fmt.Errorf("planner.source must be llm, file or template, got %q", c.Planner.Source)
	}
	switch c.Generator {
	case "anthropic", "langchain":
	default:
		return fmt.Errorf("generator must be anthropic or langchain, got %q", c.Generator)
	}
	return nil
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (RESEARCHER_*, ANTHROPIC_API_KEY, OPENAI_API_KEY)
// 2. Project config (.researcher.yaml in current directory or parent)
// 3. User config (~/.config/researcher/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file on top of the defaults.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RESEARCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", "RESEARCHER_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("llm.openai_api_key", "RESEARCHER_LLM_OPENAI_API_KEY", "OPENAI_API_KEY")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references in secrets.
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.LLM.OpenAIAPIKey = expandEnv(cfg.LLM.OpenAIAPIKey)
	cfg.Surreal.Password = expandEnv(cfg.Surreal.Password)

	return cfg, nil
}

// Save writes the configuration to the user config file. Secrets are not
// written; they belong in the environment.
func Save(cfg *Config) error {
	return SaveTo(cfg, GetUserConfigPath())
}

// SaveTo writes the configuration to path.
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)

	v.Set("server.addr", cfg.Server.Addr)
	v.Set("storage.path", cfg.Storage.Path)
	v.Set("engine.max_concurrency", cfg.Engine.MaxConcurrency)
	v.Set("engine.retry_delay", cfg.Engine.RetryDelay.String())
	v.Set("engine.retry_multiplier", cfg.Engine.RetryMultiplier)
	v.Set("engine.quorum.fail_on_types", cfg.Engine.Quorum.FailOnTypes)
	v.Set("engine.quorum.max_failed_ratio", cfg.Engine.Quorum.MaxFailedRatio)
	v.Set("gate.thresholds", cfg.Gate.Thresholds)
	v.Set("gate.budgets", cfg.Gate.Budgets)
	timeouts := make(map[string]string, len(cfg.Timeouts))
	for t, d := range cfg.Timeouts {
		timeouts[t] = d.String()
	}
	v.Set("timeouts", timeouts)
	v.Set("jobs.max_active_per_owner", cfg.Jobs.MaxActivePerOwner)
	v.Set("collaborator.max_retries", cfg.Collaborator.MaxRetries)
	v.Set("collaborator.initial_interval", cfg.Collaborator.InitialInterval.String())
	v.Set("collaborator.max_interval", cfg.Collaborator.MaxInterval.String())
	v.Set("retrieval.top_k", cfg.Retrieval.TopK)
	v.Set("retrieval.min_results", cfg.Retrieval.MinResults)
	v.Set("graph.max_hops", cfg.Graph.MaxHops)
	v.Set("planner.source", cfg.Planner.Source)
	v.Set("planner.plan_file", cfg.Planner.PlanFile)
	v.Set("generator", cfg.Generator)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("anthropic.aws_region", cfg.Anthropic.AWSRegion)
	v.Set("anthropic.aws_profile", cfg.Anthropic.AWSProfile)
	v.Set("llm.provider", cfg.LLM.Provider)
	v.Set("llm.model", cfg.LLM.Model)
	v.Set("llm.ollama_host", cfg.LLM.OllamaHost)
	v.Set("llm.embed_provider", cfg.LLM.EmbedProvider)
	v.Set("llm.embed_model", cfg.LLM.EmbedModel)
	v.Set("llm.embed_dimension", cfg.LLM.EmbedDimension)
	v.Set("surreal.url", cfg.Surreal.URL)
	v.Set("surreal.namespace", cfg.Surreal.Namespace)
	v.Set("surreal.database", cfg.Surreal.Database)
	v.Set("surreal.username", cfg.Surreal.Username)
	v.Set("surreal.auth_level", cfg.Surreal.AuthLevel)
	v.Set("logging.level", cfg.Logging.Level)
	v.Set("logging.file", cfg.Logging.File)
	v.Set("signals.dir", cfg.Signals.Dir)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("storage.path", d.Storage.Path)

	v.SetDefault("engine.max_concurrency", d.Engine.MaxConcurrency)
	v.SetDefault("engine.retry_delay", d.Engine.RetryDelay.String())
	v.SetDefault("engine.retry_multiplier", d.Engine.RetryMultiplier)
	v.SetDefault("engine.quorum.fail_on_types", d.Engine.Quorum.FailOnTypes)
	v.SetDefault("engine.quorum.max_failed_ratio", d.Engine.Quorum.MaxFailedRatio)

	for t, th := range d.Gate.Thresholds {
		v.SetDefault("gate.thresholds."+t, th)
	}
	for t, b := range d.Gate.Budgets {
		v.SetDefault("gate.budgets."+t, b)
	}
	for t, to := range d.Timeouts {
		v.SetDefault("timeouts."+t, to.String())
	}

	v.SetDefault("jobs.max_active_per_owner", d.Jobs.MaxActivePerOwner)

	v.SetDefault("collaborator.max_retries", d.Collaborator.MaxRetries)
	v.SetDefault("collaborator.initial_interval", d.Collaborator.InitialInterval.String())
	v.SetDefault("collaborator.max_interval", d.Collaborator.MaxInterval.String())

	v.SetDefault("retrieval.top_k", d.Retrieval.TopK)
	v.SetDefault("retrieval.min_results", d.Retrieval.MinResults)
	v.SetDefault("graph.max_hops", d.Graph.MaxHops)

	v.SetDefault("planner.source", d.Planner.Source)
	v.SetDefault("planner.plan_file", "")
	v.SetDefault("generator", d.Generator)

	v.SetDefault("anthropic.model", d.Anthropic.Model)
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.ollama_host", d.LLM.OllamaHost)
	v.SetDefault("llm.openai_api_key", "")
	v.SetDefault("llm.embed_provider", d.LLM.EmbedProvider)
	v.SetDefault("llm.embed_model", d.LLM.EmbedModel)
	v.SetDefault("llm.embed_dimension", d.LLM.EmbedDimension)

	v.SetDefault("surreal.url", d.Surreal.URL)
	v.SetDefault("surreal.namespace", d.Surreal.Namespace)
	v.SetDefault("surreal.database", d.Surreal.Database)
	v.SetDefault("surreal.username", d.Surreal.Username)
	v.SetDefault("surreal.password", d.Surreal.Password)
	v.SetDefault("surreal.auth_level", d.Surreal.AuthLevel)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", "")
	v.SetDefault("signals.dir", d.Signals.Dir)
}

// getUserConfigDir returns the XDG config directory for researcher.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "researcher")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "researcher")
	}
	return filepath.Join(home, ".config", "researcher")
}

// findProjectConfig searches for .researcher.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".researcher.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Addr: ":8080"},
		Storage: StorageConfig{Path: filepath.Join(".researcher", "researcher.db")},
		Engine: EngineConfig{
			MaxConcurrency:  5,
			RetryDelay:      2 * time.Second,
			RetryMultiplier: 1.5,
			Quorum: QuorumConfig{
				FailOnTypes: []string{string(models.TaskTypeReportWrite)},
			},
		},
		Gate: GateConfig{
			Thresholds: map[string]float64{
				string(models.TaskTypeRetrievalRAG):     0.70,
				string(models.TaskTypeRetrievalKeyword): 0.70,
				string(models.TaskTypeRetrievalGraph):   0.70,
				string(models.TaskTypeSynthesis):        0.80,
				string(models.TaskTypeReportWrite):      0.85,
			},
			Budgets: map[string]int{
				string(models.TaskTypeRetrievalRAG):     2,
				string(models.TaskTypeRetrievalKeyword): 2,
				string(models.TaskTypeRetrievalGraph):   2,
				string(models.TaskTypeSynthesis):        2,
				string(models.TaskTypeReportWrite):      1,
			},
		},
		Timeouts: map[string]time.Duration{
			string(models.TaskTypeRetrievalRAG):     300 * time.Second,
			string(models.TaskTypeRetrievalKeyword): 300 * time.Second,
			string(models.TaskTypeRetrievalGraph):   300 * time.Second,
			string(models.TaskTypeSynthesis):        300 * time.Second,
			string(models.TaskTypeReportWrite):      300 * time.Second,
			string(models.TaskTypeReview):           300 * time.Second,
		},
		Jobs: JobsConfig{MaxActivePerOwner: 3},
		Collaborator: CollaboratorConfig{
			MaxRetries:      3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
		Retrieval: RetrievalConfig{TopK: 10, MinResults: 3},
		Graph:     GraphConfig{MaxHops: 2},
		Planner:   PlannerConfig{Source: "llm"},
		Generator: "anthropic",
		Anthropic: AnthropicConfig{Model: "claude-sonnet-4-20250514"},
		LLM: LLMConfig{
			Provider:       "ollama",
			Model:          "llama3.2",
			OllamaHost:     "http://localhost:11434",
			EmbedProvider:  "ollama",
			EmbedModel:     "nomic-embed-text",
			EmbedDimension: 768,
		},
		Surreal: SurrealConfig{
			URL:       "ws://localhost:8000/rpc",
			Namespace: "researcher",
			Database:  "researcher",
			Username:  "root",
			Password:  "root",
			AuthLevel: "root",
		},
		Logging: LoggingConfig{Level: "info"},
		Signals: SignalsConfig{Dir: filepath.Join(".researcher", "signals")},
	}
}
