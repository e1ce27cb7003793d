package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ShayCichocki/researcher/internal/collab"
	"github.com/ShayCichocki/researcher/internal/collab/anthropic"
	"github.com/ShayCichocki/researcher/internal/collab/llm"
	"github.com/ShayCichocki/researcher/internal/collab/surreal"
	"github.com/ShayCichocki/researcher/internal/config"
	"github.com/ShayCichocki/researcher/internal/engine"
	"github.com/ShayCichocki/researcher/internal/executor"
	"github.com/ShayCichocki/researcher/internal/gate"
	"github.com/ShayCichocki/researcher/internal/jobs"
	"github.com/ShayCichocki/researcher/internal/metrics"
	"github.com/ShayCichocki/researcher/internal/planner"
	"github.com/ShayCichocki/researcher/internal/progress"
	"github.com/ShayCichocki/researcher/internal/state"
	"github.com/ShayCichocki/researcher/pkg/models"
)

// app holds the wired components of one researcher process.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *state.DB
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	pub      *progress.Publisher
	svc      *jobs.Service
	surreal  *surreal.Client
	usage    *anthropic.Usage
	closeLog func() error
}

// loadConfig reads the config file named by --config, or the layered
// defaults, and validates it.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openStore sets up logging and the job store. Commands that only read jobs
// stop here; newApp wires the rest.
func openStore(cfg *config.Config) (*app, error) {
	level, err := config.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger, closeLog := config.SetupLogger(level, cfg.Logging.File)
	slog.SetDefault(logger)

	db, err := state.OpenAndMigrate(cfg.Storage.Path)
	if err != nil {
		closeLog()
		return nil, err
	}

	reg, m := metrics.NewRegistry()
	pub := progress.NewPublisher(db, progress.WithLogger(logger), progress.WithMetrics(m))
	a := &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		registry: reg,
		metrics:  m,
		pub:      pub,
		closeLog: closeLog,
	}
	a.svc = jobs.NewService(db, nil, nil, pub,
		jobs.WithLogger(logger),
		jobs.WithMetrics(m),
		jobs.WithMaxActivePerOwner(cfg.Jobs.MaxActivePerOwner),
	)
	return a, nil
}

// newApp wires collaborators, executors, the gate, the engine and the planner
// behind a jobs.Service that can run jobs.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := config.RequireGeneratorKey(cfg); err != nil {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or OPENAI_API_KEY, or use generator langchain with ollama", err)
	}

	a, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	generator, err := a.newGenerator()
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	collabs := executor.Collaborators{
		Generator: generator,
		Backoff: executor.BackoffPolicy{
			MaxRetries:      cfg.Collaborator.MaxRetries,
			InitialInterval: cfg.Collaborator.InitialInterval,
			MaxInterval:     cfg.Collaborator.MaxInterval,
		},
		TopK:    cfg.Retrieval.TopK,
		MaxHops: cfg.Graph.MaxHops,
		Logger:  a.logger,
	}
	if err := a.connectRetrieval(ctx, &collabs); err != nil {
		// Retrieval tasks fail fatally and degrade until the backend is up.
		a.logger.Warn("retrieval backend unavailable, retrieval tasks will degrade", "url", cfg.Surreal.URL, "error", err)
	}

	var regOpts []executor.RegistryOption
	for _, typ := range models.AllTaskTypes {
		if d := cfg.TimeoutFor(typ); d > 0 {
			regOpts = append(regOpts, executor.WithTimeout(typ, d))
		}
	}
	registry := executor.NewDefaultRegistry(collabs, regOpts...)

	evaluator := gate.NewEvaluator(gateOptions(cfg)...)

	eng := engine.New(a.db, registry, evaluator, a.pub,
		engine.WithMaxConcurrency(cfg.Engine.MaxConcurrency),
		engine.WithRetryDelay(cfg.Engine.RetryDelay, cfg.Engine.RetryMultiplier),
		engine.WithQuorum(engine.Quorum{
			FailOnTypes:    cfg.QuorumTypes(),
			MaxFailedRatio: cfg.Engine.Quorum.MaxFailedRatio,
		}),
		engine.WithLogger(a.logger),
		engine.WithMetrics(a.metrics),
	)

	decomposer, err := newDecomposer(cfg, generator)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	plan := planner.New(decomposer, a.db, planner.WithLogger(a.logger), planner.WithMetrics(a.metrics))

	a.svc = jobs.NewService(a.db, plan, eng, a.pub,
		jobs.WithLogger(a.logger),
		jobs.WithMetrics(a.metrics),
		jobs.WithMaxActivePerOwner(cfg.Jobs.MaxActivePerOwner),
	)
	return a, nil
}

func (a *app) newGenerator() (collab.Generator, error) {
	switch a.cfg.Generator {
	case "anthropic":
		key, _ := config.AnthropicKey(a.cfg)
		client, err := anthropic.NewClient(anthropic.Config{
			Model:      sdk.Model(a.cfg.Anthropic.Model),
			APIKey:     key,
			UseBedrock: a.cfg.Anthropic.UseBedrock,
			AWSRegion:  a.cfg.Anthropic.AWSRegion,
			AWSProfile: a.cfg.Anthropic.AWSProfile,
			Recorder:   a.metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("create anthropic client: %w", err)
		}
		a.usage = client.Usage()
		return client, nil
	default:
		model, err := llm.NewModel(a.llmConfig())
		if err != nil {
			return nil, fmt.Errorf("create %s model: %w", a.cfg.LLM.Provider, err)
		}
		return model, nil
	}
}

func (a *app) llmConfig() llm.Config {
	openAIKey, _ := config.OpenAIKey(a.cfg)
	anthropicKey, _ := config.AnthropicKey(a.cfg)
	return llm.Config{
		Provider:        llm.Provider(a.cfg.LLM.Provider),
		Model:           a.cfg.LLM.Model,
		OllamaHost:      a.cfg.LLM.OllamaHost,
		OpenAIAPIKey:    openAIKey,
		AnthropicAPIKey: anthropicKey,
		EmbedProvider:   llm.Provider(a.cfg.LLM.EmbedProvider),
		EmbedModel:      a.cfg.LLM.EmbedModel,
		EmbedDimension:  a.cfg.LLM.EmbedDimension,
	}
}

// connectRetrieval fills in the search and traversal collaborators. Keyword
// search and traversal need only the database; hybrid search also needs the
// embedder.
func (a *app) connectRetrieval(ctx context.Context, c *executor.Collaborators) error {
	client, err := surreal.NewClient(ctx, surreal.Config{
		URL:       a.cfg.Surreal.URL,
		Namespace: a.cfg.Surreal.Namespace,
		Database:  a.cfg.Surreal.Database,
		Username:  a.cfg.Surreal.Username,
		Password:  a.cfg.Surreal.Password,
		AuthLevel: a.cfg.Surreal.AuthLevel,
	}, a.logger)
	if err != nil {
		return err
	}
	a.surreal = client
	c.Keyword = surreal.NewKeywordSearcher(client)
	c.Traverser = surreal.NewTraverser(client)

	embedder, err := llm.NewEmbedder(a.llmConfig(), a.logger)
	if err != nil {
		a.logger.Warn("embedder unavailable, semantic search disabled", "error", err)
		return nil
	}
	c.Hybrid = surreal.NewHybridSearcher(client, embedder)
	return nil
}

func gateOptions(cfg *config.Config) []gate.Option {
	var opts []gate.Option
	for t, th := range cfg.Gate.Thresholds {
		opts = append(opts, gate.WithThreshold(models.TaskType(t), th))
	}
	for t, b := range cfg.Gate.Budgets {
		opts = append(opts, gate.WithBudget(models.TaskType(t), b))
	}
	scorer := gate.RetrievalScorer(cfg.Retrieval.MinResults)
	for _, t := range []models.TaskType{
		models.TaskTypeRetrievalRAG, models.TaskTypeRetrievalKeyword, models.TaskTypeRetrievalGraph,
	} {
		opts = append(opts, gate.WithScorer(t, scorer))
	}
	return opts
}

func newDecomposer(cfg *config.Config, g collab.Generator) (planner.Decomposer, error) {
	switch cfg.Planner.Source {
	case "llm":
		return planner.NewLLMDecomposer(g), nil
	case "file":
		return planner.NewFileDecomposer(cfg.Planner.PlanFile), nil
	case "template":
		return planner.TemplateDecomposer{}, nil
	default:
		return nil, fmt.Errorf("unknown planner source %q", cfg.Planner.Source)
	}
}

// Close shuts the service down and releases every connection.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.svc != nil {
		if err := a.svc.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown jobs: %w", err))
		}
	}
	if a.surreal != nil {
		if err := a.surreal.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close retrieval backend: %w", err))
		}
	}
	if a.usage != nil {
		for _, m := range a.usage.Models() {
			a.logger.Info("anthropic usage", "model", m.Model,
				"calls", m.Calls, "input_tokens", m.InputTokens, "output_tokens", m.OutputTokens,
				"cost_usd", fmt.Sprintf("%.4f", m.Cost()))
		}
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	if a.closeLog != nil {
		if err := a.closeLog(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
