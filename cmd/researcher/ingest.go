package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/researcher/internal/collab/llm"
	"github.com/ShayCichocki/researcher/internal/collab/surreal"
	"github.com/ShayCichocki/researcher/internal/config"
)

var (
	ingestSource   string
	ingestMaxChars int
	ingestGraph    string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Load passages and entities into the retrieval backend",
	Long: `Split text files into passages and store them, with embeddings, in the
retrieval backend so research jobs can search them.

Use --graph to load entities and relations for graph traversal:

  entities:
    - name: raft
      type: algorithm
      content: Consensus algorithm
  relations:
    - from: etcd
      to: raft
      type: implements`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestSource, "source", "", "Source name for passages (default: file name)")
	ingestCmd.Flags().IntVar(&ingestMaxChars, "max-chars", 1000, "Largest passage in characters")
	ingestCmd.Flags().StringVar(&ingestGraph, "graph", "", "YAML file of entities and relations")
	rootCmd.AddCommand(ingestCmd)
}

// graphFile is the --graph document.
type graphFile struct {
	Entities []struct {
		Name    string `yaml:"name"`
		Type    string `yaml:"type"`
		Content string `yaml:"content"`
		Source  string `yaml:"source"`
	} `yaml:"entities"`
	Relations []struct {
		From string `yaml:"from"`
		To   string `yaml:"to"`
		Type string `yaml:"type"`
	} `yaml:"relations"`
}

func parseGraphFile(data []byte) (*graphFile, error) {
	var g graphFile
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse graph file: %w", err)
	}
	names := make(map[string]bool, len(g.Entities))
	for i, e := range g.Entities {
		if e.Name == "" {
			return nil, fmt.Errorf("entity %d has no name", i)
		}
		names[e.Name] = true
	}
	for i, r := range g.Relations {
		if !names[r.From] || !names[r.To] {
			return nil, fmt.Errorf("relation %d links unknown entity %q -> %q", i, r.From, r.To)
		}
		if r.Type == "" {
			return nil, fmt.Errorf("relation %d has no type", i)
		}
	}
	return &g, nil
}

// chunkParagraphs groups blank-line separated paragraphs into passages of at
// most maxChars. A single longer paragraph becomes its own passage.
func chunkParagraphs(text string, maxChars int) []string {
	var (
		chunks []string
		cur    strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}
	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(para)+2 > maxChars {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()
	return chunks
}

func runIngest(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && ingestGraph == "" {
		return fmt.Errorf("nothing to ingest: pass files or --graph")
	}
	if ingestMaxChars < 1 {
		return fmt.Errorf("--max-chars must be positive")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	level, err := config.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger, closeLog := config.SetupLogger(level, cfg.Logging.File)
	defer closeLog()

	ctx := cmd.Context()
	client, err := surreal.NewClient(ctx, surreal.Config{
		URL:       cfg.Surreal.URL,
		Namespace: cfg.Surreal.Namespace,
		Database:  cfg.Surreal.Database,
		Username:  cfg.Surreal.Username,
		Password:  cfg.Surreal.Password,
		AuthLevel: cfg.Surreal.AuthLevel,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect retrieval backend: %w", err)
	}
	defer client.Close(ctx)

	var embedder *llm.Embedder
	if len(args) > 0 {
		openAIKey, _ := config.OpenAIKey(cfg)
		embedder, err = llm.NewEmbedder(llm.Config{
			OllamaHost:     cfg.LLM.OllamaHost,
			OpenAIAPIKey:   openAIKey,
			EmbedProvider:  llm.Provider(cfg.LLM.EmbedProvider),
			EmbedModel:     cfg.LLM.EmbedModel,
			EmbedDimension: cfg.LLM.EmbedDimension,
		}, logger)
		if err != nil {
			return fmt.Errorf("create embedder: %w", err)
		}
	}

	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		source := ingestSource
		if source == "" {
			source = filepath.Base(path)
		}
		chunks := chunkParagraphs(string(data), ingestMaxChars)
		for _, chunk := range chunks {
			vec, err := embedder.Embed(ctx, chunk)
			if err != nil {
				return fmt.Errorf("embed %s: %w", path, err)
			}
			if _, err := client.AddPassage(ctx, chunk, source, vec); err != nil {
				return err
			}
		}
		printStatus("✓", fmt.Sprintf("%s: %d passage(s) as %q", path, len(chunks), source), color.FgGreen)
	}

	if ingestGraph == "" {
		return nil
	}
	data, err := os.ReadFile(ingestGraph)
	if err != nil {
		return err
	}
	g, err := parseGraphFile(data)
	if err != nil {
		return err
	}
	keys := make(map[string]string, len(g.Entities))
	for _, e := range g.Entities {
		source := e.Source
		if source == "" {
			source = filepath.Base(ingestGraph)
		}
		key, err := client.AddEntity(ctx, e.Name, e.Type, e.Content, source)
		if err != nil {
			return err
		}
		keys[e.Name] = key
	}
	for _, r := range g.Relations {
		if err := client.Relate(ctx, keys[r.From], keys[r.To], r.Type); err != nil {
			return err
		}
	}
	printStatus("✓", fmt.Sprintf("%d entities, %d relation(s)", len(g.Entities), len(g.Relations)), color.FgGreen)
	return nil
}
