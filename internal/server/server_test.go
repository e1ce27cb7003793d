package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

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

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gatedRetrieval blocks retrieval attempts until release is closed. A nil
// release lets them through at once.
type gatedRetrieval struct {
	release chan struct{}
	started chan struct{}
	once    sync.Once
}

func (g *gatedRetrieval) Execute(ctx context.Context, in executor.Input) (*models.Artifact, error) {
	g.once.Do(func() { close(g.started) })
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &models.Artifact{
		Payload: "findings for " + in.Task.Key,
		Sources: []models.SourceRef{
			{ID: "1", Source: "docs", Score: 0.9},
			{ID: "2", Source: "docs", Score: 0.9},
			{ID: "3", Source: "docs", Score: 0.9},
		},
	}, nil
}

func scored(score float64) executor.ExecutorFunc {
	return func(ctx context.Context, in executor.Input) (*models.Artifact, error) {
		return &models.Artifact{Payload: string(in.Task.Type) + " text", QualityScore: score}, nil
	}
}

type testServer struct {
	svc       *jobs.Service
	http      *httptest.Server
	retrieval *gatedRetrieval
}

func newTestServer(t *testing.T, gated bool) *testServer {
	t.Helper()
	db, err := state.OpenAndMigrate(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	reg, m := metrics.NewRegistry()

	retrieval := &gatedRetrieval{started: make(chan struct{})}
	if gated {
		retrieval.release = make(chan struct{})
	}
	executors := executor.NewRegistry(executor.WithRegistryLogger(discardLogger()))
	for _, typ := range []models.TaskType{models.TaskTypeRetrievalRAG, models.TaskTypeRetrievalKeyword, models.TaskTypeRetrievalGraph} {
		executors.Register(typ, retrieval)
	}
	executors.Register(models.TaskTypeSynthesis, scored(0.95))
	executors.Register(models.TaskTypeReportWrite, scored(0.95))
	executors.Register(models.TaskTypeReview, scored(0))

	pub := progress.NewPublisher(db, progress.WithLogger(discardLogger()), progress.WithMetrics(m))
	pl := planner.New(planner.TemplateDecomposer{}, db, planner.WithLogger(discardLogger()))
	eng := engine.New(db, executors, gate.NewEvaluator(), pub,
		engine.WithRetryDelay(0, 1), engine.WithLogger(discardLogger()), engine.WithMetrics(m))
	svc := jobs.NewService(db, pl, eng, pub, jobs.WithLogger(discardLogger()), jobs.WithMetrics(m))

	srv := New(svc, Config{}, WithLogger(discardLogger()), WithMetricsHandler(metrics.HandlerFor(reg)))
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		if gated {
			select {
			case <-retrieval.release:
			default:
				close(retrieval.release)
			}
		}
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		db.Close()
	})
	return &testServer{svc: svc, http: ts, retrieval: retrieval}
}

func (ts *testServer) do(t *testing.T, method, path, owner string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (ts *testServer) createJob(t *testing.T, owner string) string {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/v1/jobs", owner, createJobRequest{Request: "how do vector databases index embeddings"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	job := decode[models.Job](t, resp)
	if job.Status != models.JobStatusInitializing {
		t.Errorf("expected initializing, got %s", job.Status)
	}
	return job.ID
}

func (ts *testServer) wait(t *testing.T, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := ts.svc.Wait(ctx, id); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func TestJobLifecycle(t *testing.T) {
	ts := newTestServer(t, false)
	id := ts.createJob(t, "alice")
	ts.wait(t, id)

	resp := ts.do(t, http.MethodGet, "/v1/jobs/"+id, "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	snap := decode[models.JobSnapshot](t, resp)
	if snap.Job.Status != models.JobStatusComplete {
		t.Errorf("expected complete, got %s", snap.Job.Status)
	}
	if len(snap.Tasks) != 4 {
		t.Errorf("expected 4 tasks, got %d", len(snap.Tasks))
	}

	resp = ts.do(t, http.MethodGet, "/v1/jobs/"+id+"/result", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for result, got %d", resp.StatusCode)
	}
	res := decode[models.Result](t, resp)
	if res.Report == "" {
		t.Error("expected a report")
	}

	resp = ts.do(t, http.MethodGet, "/v1/jobs", "alice", nil)
	if list := decode[[]models.Job](t, resp); len(list) != 1 {
		t.Errorf("expected 1 job, got %d", len(list))
	}

	resp = ts.do(t, http.MethodDelete, "/v1/jobs/"+id, "alice", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204 for delete, got %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodGet, "/v1/jobs/"+id, "alice", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t, true)
	id := ts.createJob(t, "alice")
	<-ts.retrieval.started

	tests := []struct {
		name   string
		method string
		path   string
		owner  string
		body   any
		want   int
	}{
		{"result before terminal", http.MethodGet, "/v1/jobs/" + id + "/result", "alice", nil, http.StatusConflict},
		{"share before complete", http.MethodPost, "/v1/jobs/" + id + "/shares", "alice", createShareRequest{}, http.StatusConflict},
		{"delete before terminal", http.MethodDelete, "/v1/jobs/" + id, "alice", nil, http.StatusConflict},
		{"unknown job", http.MethodGet, "/v1/jobs/missing", "alice", nil, http.StatusNotFound},
		{"other owner", http.MethodGet, "/v1/jobs/" + id, "bob", nil, http.StatusForbidden},
		{"anonymous caller", http.MethodGet, "/v1/jobs/" + id, "", nil, http.StatusForbidden},
		{"empty request", http.MethodPost, "/v1/jobs", "alice", createJobRequest{}, http.StatusBadRequest},
		{"unknown share", http.MethodGet, "/v1/shared/nope", "", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, tt.method, tt.path, tt.owner, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, ts.http.URL+"/v1/jobs", strings.NewReader("{not json"))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", resp.StatusCode)
		}
	})
}

func TestCancel(t *testing.T) {
	ts := newTestServer(t, true)
	id := ts.createJob(t, "alice")
	<-ts.retrieval.started

	resp := ts.do(t, http.MethodPost, "/v1/jobs/"+id+"/cancel", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ack := decode[cancelResponse](t, resp); !ack.Cancelled || ack.JobID != id {
		t.Errorf("unexpected cancel ack %+v", ack)
	}

	close(ts.retrieval.release)
	ts.wait(t, id)
	resp = ts.do(t, http.MethodGet, "/v1/jobs/"+id, "alice", nil)
	if snap := decode[models.JobSnapshot](t, resp); snap.Job.Status != models.JobStatusCancelled {
		t.Errorf("expected cancelled, got %s", snap.Job.Status)
	}
}

func TestShareLinks(t *testing.T) {
	ts := newTestServer(t, false)
	id := ts.createJob(t, "alice")
	ts.wait(t, id)

	resp := ts.do(t, http.MethodPost, "/v1/jobs/"+id+"/shares", "bob", createShareRequest{})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 for another owner, got %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodPost, "/v1/jobs/"+id+"/shares", "alice", createShareRequest{ExpiresInDays: 7})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	link := decode[models.ShareLink](t, resp)
	if link.Token == "" || link.ExpiresAt == nil {
		t.Fatalf("unexpected link %+v", link)
	}

	resp = ts.do(t, http.MethodGet, "/v1/shared/"+link.Token, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for shared result, got %d", resp.StatusCode)
	}
	shared := decode[jobs.SharedJob](t, resp)
	if shared.JobID != id || shared.Result == nil {
		t.Errorf("unexpected shared job %+v", shared)
	}

	resp = ts.do(t, http.MethodGet, "/v1/jobs/"+id+"/shares", "alice", nil)
	links := decode[[]models.ShareLink](t, resp)
	if len(links) != 1 || links[0].ViewCount != 1 {
		t.Errorf("expected one link viewed once, got %+v", links)
	}

	resp = ts.do(t, http.MethodDelete, "/v1/shares/"+link.Token, "alice", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 for revoke, got %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodGet, "/v1/shared/"+link.Token, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for revoked link, got %d", resp.StatusCode)
	}
}

func dialStream(t *testing.T, ts *testServer, id, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/v1/jobs/" + id + "/stream" + query
	header := http.Header{}
	header.Set(OwnerHeader, "alice")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	return conn
}

// readUntil reads envelopes until one of type want arrives or the stream ends.
func readUntil(t *testing.T, conn *websocket.Conn, want string) []envelope {
	t.Helper()
	var got []envelope
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("stream ended before %s: %v (got %d messages)", want, err, len(got))
		}
		got = append(got, env)
		if env.Type == want {
			return got
		}
	}
}

func TestStream_ReplaysFinishedJob(t *testing.T) {
	ts := newTestServer(t, false)
	id := ts.createJob(t, "alice")
	ts.wait(t, id)

	conn := dialStream(t, ts, id, "?after_seq=0")
	got := readUntil(t, conn, string(models.EventJobComplete))
	if got[0].Type != string(models.EventJobStatus) || got[0].Seq != 1 {
		t.Errorf("expected replay from seq 1 job_status, got %s at %d", got[0].Type, got[0].Seq)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Seq <= got[i-1].Seq {
			t.Fatalf("sequence not increasing at %d: %d after %d", i, got[i].Seq, got[i-1].Seq)
		}
	}

	var env envelope
	if err := conn.ReadJSON(&env); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal closure after terminal event, got %v", err)
	}
}

func TestStream_PingPongAndLiveEvents(t *testing.T) {
	ts := newTestServer(t, true)
	id := ts.createJob(t, "alice")
	<-ts.retrieval.started

	conn := dialStream(t, ts, id, "?after_seq=-1")
	if err := conn.WriteJSON(clientMessage{Type: msgPing}); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	got := readUntil(t, conn, msgPong)
	if len(got) != 1 {
		t.Errorf("expected pong first while the job is blocked, got %d messages", len(got))
	}

	close(ts.retrieval.release)
	got = readUntil(t, conn, string(models.EventJobComplete))
	sawCompleted := false
	for _, env := range got {
		if env.Type == string(models.EventTaskCompleted) {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Error("expected live task_completed events")
	}
}

func TestStream_Forbidden(t *testing.T) {
	ts := newTestServer(t, false)
	id := ts.createJob(t, "alice")
	ts.wait(t, id)

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/v1/jobs/" + id + "/stream"
	header := http.Header{}
	header.Set(OwnerHeader, "bob")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, false)
	id := ts.createJob(t, "alice")
	ts.wait(t, id)

	if resp := ts.do(t, http.MethodGet, "/healthz", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for healthz, got %d", resp.StatusCode)
	}
	resp := ts.do(t, http.MethodGet, "/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for metrics, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "researcher_") {
		t.Error("expected researcher metrics in exposition")
	}
}
