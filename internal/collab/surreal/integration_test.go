//go:build integration

package surreal

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ShayCichocki/researcher/internal/collab"
)

const testDimension = 4

var testClient *Client

func TestMain(m *testing.M) {
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0-beta.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start SurrealDB container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	testClient, err = NewClient(ctx, Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, port.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, nil)
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := testClient.InitSchema(ctx, testDimension); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	code := m.Run()

	_ = testClient.Close(ctx)
	_ = container.Terminate(ctx)
	os.Exit(code)
}

type staticEmbedder []float32

func (s staticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return s, nil
}

func seedPassages(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	passages := []struct {
		content, source string
		emb             []float32
	}{
		{"Raft elects a leader with randomized election timeouts.", "papers", []float32{1, 0, 0, 0}},
		{"Paxos reaches consensus through prepare and accept phases.", "papers", []float32{0.9, 0.1, 0, 0}},
		{"Kubernetes schedules pods onto nodes.", "blogs", []float32{0, 0, 1, 0}},
	}
	for _, p := range passages {
		if _, err := testClient.AddPassage(ctx, p.content, p.source, p.emb); err != nil {
			t.Fatalf("AddPassage failed: %v", err)
		}
	}
}

func TestKeywordSearch(t *testing.T) {
	seedPassages(t)

	got, err := NewKeywordSearcher(testClient).Search(context.Background(), "leader election", 5, collab.SearchOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected at least one passage")
	}
	if got[0].Score != 1 {
		t.Errorf("best keyword hit must score 1, got %.2f", got[0].Score)
	}
}

func TestHybridSearch_SourceFilter(t *testing.T) {
	seedPassages(t)

	searcher := NewHybridSearcher(testClient, staticEmbedder{1, 0, 0, 0})
	got, err := searcher.Search(context.Background(), "consensus", 5, collab.SearchOptions{Sources: []string{"papers"}})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected passages")
	}
	for _, p := range got {
		if p.Source != "papers" {
			t.Errorf("source filter leaked %q", p.Source)
		}
		if p.Score < 0 || p.Score > 1 {
			t.Errorf("score out of range: %.2f", p.Score)
		}
	}
}

func TestTraverse(t *testing.T) {
	ctx := context.Background()
	raft, err := testClient.AddEntity(ctx, "raft", "algorithm", "consensus algorithm", "papers")
	if err != nil {
		t.Fatalf("AddEntity failed: %v", err)
	}
	etcd, err := testClient.AddEntity(ctx, "etcd", "system", "key-value store", "docs")
	if err != nil {
		t.Fatalf("AddEntity failed: %v", err)
	}
	k8s, err := testClient.AddEntity(ctx, "kubernetes", "system", "container orchestrator", "docs")
	if err != nil {
		t.Fatalf("AddEntity failed: %v", err)
	}
	if err := testClient.Relate(ctx, etcd, raft, "implements"); err != nil {
		t.Fatalf("Relate failed: %v", err)
	}
	if err := testClient.Relate(ctx, k8s, etcd, "depends_on"); err != nil {
		t.Fatalf("Relate failed: %v", err)
	}

	got, err := NewTraverser(testClient).Traverse(ctx, "raft", 2)
	if err != nil {
		t.Fatalf("Traverse failed: %v", err)
	}
	hops := map[string]int{}
	for _, r := range got {
		hops[r.ID] = r.Hops
	}
	if hops[raft] != 0 || hops[etcd] != 1 || hops[k8s] != 2 {
		t.Errorf("unexpected hop distances: %v", hops)
	}

	none, err := NewTraverser(testClient).Traverse(ctx, "zookeeper-unknown", 2)
	if err != nil {
		t.Fatalf("Traverse failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("unknown seed must yield nothing, got %d", len(none))
	}
}
