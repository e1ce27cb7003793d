// Package surreal implements the retrieval and graph-traversal collaborators
// on SurrealDB: hybrid vector + BM25 search, keyword search and entity
// traversal.
package surreal

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/logger"
	"github.com/surrealdb/surrealdb.go/pkg/models"
	"github.com/surrealdb/surrealdb.go/surrealcbor"

	"github.com/ShayCichocki/researcher/internal/collab"
)

func init() {
	// WebSocket upgrade fails under HTTP/2 ALPN negotiation on wss://.
	gorillaws.DefaultDialer.TLSClientConfig = &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
}

// Config holds SurrealDB connection configuration.
type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
	AuthLevel string // "root" or "database"
}

// Client wraps a SurrealDB connection with auto-reconnect.
type Client struct {
	conn   *rews.Connection[*gorillaws.Connection]
	db     *surrealdb.DB
	cfg    Config
	logger logger.Logger
}

// NewClient connects, signs in and selects the namespace and database.
func NewClient(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	sdkLogger := logger.New(log.Handler())
	codec := surrealcbor.New()

	// gorillaws appends /rpc itself.
	baseURL := strings.TrimSuffix(cfg.URL, "/rpc")

	conn := rews.New(
		func(ctx context.Context) (*gorillaws.Connection, error) {
			return gorillaws.New(&connection.Config{
				BaseURL:     baseURL,
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      sdkLogger,
			}), nil
		},
		5*time.Second,
		codec,
		sdkLogger,
	)

	retryer := rews.NewExponentialBackoffRetryer()
	retryer.InitialDelay = 1 * time.Second
	retryer.MaxDelay = 30 * time.Second
	retryer.Multiplier = 2.0
	retryer.MaxRetries = 10
	conn.Retryer = retryer

	sdkLogger.Info("connecting to SurrealDB", "url", cfg.URL)
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	db, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("from connection: %w", err)
	}

	auth := surrealdb.Auth{Username: cfg.Username, Password: cfg.Password}
	if cfg.AuthLevel == "database" {
		auth.Namespace = cfg.Namespace
		auth.Database = cfg.Database
	}
	if _, err := db.SignIn(ctx, auth); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("signin: %w", err)
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("use: %w", err)
	}

	sdkLogger.Info("SurrealDB connection established", "namespace", cfg.Namespace, "database", cfg.Database)
	return &Client{conn: conn, db: db, cfg: cfg, logger: sdkLogger}, nil
}

// Close closes the SurrealDB connection.
func (c *Client) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// InitSchema defines the passage and entity tables. dimension must match
// the embedder.
func (c *Client) InitSchema(ctx context.Context, dimension int) error {
	if _, err := surrealdb.Query[any](ctx, c.db, schemaSQL(dimension), nil); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// query runs sql and returns the rows of every statement.
func query[T any](ctx context.Context, c *Client, sql string, vars map[string]any) ([][]T, error) {
	results, err := surrealdb.Query[[]T](ctx, c.db, sql, vars)
	if err != nil {
		return nil, classify(ctx, err)
	}
	if results == nil {
		return nil, nil
	}
	out := make([][]T, 0, len(*results))
	for _, r := range *results {
		out = append(out, r.Result)
	}
	return out, nil
}

// classify marks connection failures as collaborator unavailability. Errors
// reported by the database for the query itself are returned unchanged.
func classify(ctx context.Context, err error) error {
	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) || ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("surrealdb: %w: %v", collab.ErrUnavailable, err)
}

func recordKey(id models.RecordID) string {
	return fmt.Sprintf("%s:%v", id.Table, id.ID)
}

func schemaSQL(dimension int) string {
	return fmt.Sprintf(`
    DEFINE TABLE IF NOT EXISTS passage SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS content ON passage TYPE string;
    DEFINE FIELD IF NOT EXISTS source ON passage TYPE string;
    DEFINE FIELD IF NOT EXISTS embedding ON passage TYPE array<float>;
    DEFINE FIELD IF NOT EXISTS created ON passage TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS passage_source ON passage FIELDS source;
    DEFINE INDEX IF NOT EXISTS passage_embedding ON passage FIELDS embedding HNSW DIMENSION %d DIST COSINE TYPE F32;
    DEFINE ANALYZER IF NOT EXISTS passage_analyzer TOKENIZERS class FILTERS lowercase, ascii, snowball(english);
    DEFINE INDEX IF NOT EXISTS passage_content_ft ON passage FIELDS content FULLTEXT ANALYZER passage_analyzer BM25;

    DEFINE TABLE IF NOT EXISTS entity SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS name ON entity TYPE string;
    DEFINE FIELD IF NOT EXISTS type ON entity TYPE string;
    DEFINE FIELD IF NOT EXISTS content ON entity TYPE string;
    DEFINE FIELD IF NOT EXISTS source ON entity TYPE string;
    DEFINE INDEX IF NOT EXISTS entity_name ON entity FIELDS name UNIQUE;

    DEFINE TABLE IF NOT EXISTS relates TYPE RELATION IN entity OUT entity SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS rel_type ON relates TYPE string;
`, dimension)
}
