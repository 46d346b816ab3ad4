package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/inkwell/internal/config"
	"github.com/kalambet/inkwell/internal/continuity"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
	// status overrides the 200 response for a "METHOD /path" key.
	status map[string]int
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{status: map[string]int{}}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			if code := ts.status[key]; code != 0 {
				w.WriteHeader(code)
			}
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// use points newAPIClient at the test server for the duration of the test.
func (ts *testServer) use(t *testing.T) {
	t.Helper()
	orig := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = orig })
}

func (ts *testServer) last(t *testing.T) recordedRequest {
	t.Helper()
	if len(ts.requests) == 0 {
		t.Fatal("no requests recorded")
	}
	return ts.requests[len(ts.requests)-1]
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func bodyMap(t *testing.T, r recordedRequest) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(r.Body), &m); err != nil {
		t.Fatalf("body parse error: %v (body %q)", err, r.Body)
	}
	return m
}

var ctx = context.Background()

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /novels": `[]`})

	resp, err := ts.client().get(ctx, "/novels")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if got := ts.last(t).Auth; got != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", got)
	}
}

func TestAPIClientNoTokenSendsNoHeader(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /health": `{"status":"ok"}`})
	c := ts.client()
	c.token = ""

	resp, err := c.get(ctx, "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := ts.last(t).Auth; got != "" {
		t.Errorf("auth = %q, want empty", got)
	}
}

func TestWithTimeoutLeavesOriginalUntouched(t *testing.T) {
	c := &apiClient{baseURL: "http://x", token: "t", httpClient: &http.Client{Timeout: 30_000_000_000}}
	long := c.withTimeout(generateTimeout)
	if long.httpClient.Timeout != generateTimeout {
		t.Errorf("timeout = %v, want %v", long.httpClient.Timeout, generateTimeout)
	}
	if c.httpClient.Timeout == generateTimeout {
		t.Error("original client timeout was modified")
	}
}

func TestDecodeJSON_ErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /chapters/ch-3/generate": `{"error":{"message":"blocked","type":"precondition_failed","pending_entities":["The Guild"]}}`,
	})
	ts.status["POST /chapters/ch-3/generate"] = http.StatusConflict

	resp, err := ts.client().post(ctx, "/chapters/ch-3/generate", nil)
	if err != nil {
		t.Fatal(err)
	}
	err = decodeJSON(resp, &struct{}{})

	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *apiError, got %T: %v", err, err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Type != "precondition_failed" || apiErr.Message != "blocked" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if _, ok := apiErr.Details["pending_entities"]; !ok {
		t.Errorf("details missing pending_entities: %v", apiErr.Details)
	}
	if !strings.Contains(err.Error(), "HTTP 409") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestDecodeJSON_NonEnvelopeError(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /boom": `oops`})
	ts.status["GET /boom"] = http.StatusBadGateway

	resp, err := ts.client().get(ctx, "/boom")
	if err != nil {
		t.Fatal(err)
	}
	err = decodeJSON(resp, nil)
	if err == nil || !strings.Contains(err.Error(), "502: oops") {
		t.Errorf("err = %v", err)
	}
}

func TestNovelCreateCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /novels": `{"id":"novel-1","title":"The Drowned Bell","stage":"seeded"}`,
	})
	ts.use(t)

	if err := execute(t, "novel", "create", "The Drowned Bell"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := bodyMap(t, ts.last(t))
	if body["title"] != "The Drowned Bell" {
		t.Errorf("title = %v", body["title"])
	}
}

func TestChapterAddCommand_OutlineFile(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /novels/novel-1/chapters": `{"id":"ch-4","order":4,"title":"Salt"}`,
	})
	ts.use(t)

	path := filepath.Join(t.TempDir(), "outline.md")
	if err := os.WriteFile(path, []byte("Mara returns to the harbor."), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := execute(t, "chapter", "add", "novel-1", "4", "--title", "Salt", "--outline-file", path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := bodyMap(t, ts.last(t))
	if body["order"] != 4.0 || body["outline"] != "Mara returns to the harbor." {
		t.Errorf("body = %v", body)
	}
}

func TestChapterAddCommand_BadOrder(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.use(t)

	err := execute(t, "chapter", "add", "novel-1", "zero")
	if err == nil || !strings.Contains(err.Error(), "positive integer") {
		t.Errorf("err = %v", err)
	}
	if len(ts.requests) != 0 {
		t.Errorf("expected no requests, got %d", len(ts.requests))
	}
}

func TestNovelStageCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{"POST /novels/novel-1/stage": `{"stage":"chapters"}`})
	ts.use(t)

	if err := execute(t, "novel", "stage", "novel-1", "chapters"); err != nil {
		t.Fatal(err)
	}
	if body := bodyMap(t, ts.last(t)); body["stage"] != "chapters" {
		t.Errorf("body = %v", body)
	}
}

func TestGenerateCommand_Inline(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /chapters/ch-3/generate": `{"chapter_id":"ch-3","version_id":"v1","word_count":2100,
			"continuity_gate":{"score":8.2,"verdict":"pass","issues":[],"repair_attempts":1,"pass_score":7,"reject_score":4},
			"post_process":{"enqueued":["j1","j2","j3"]}}`,
	})
	ts.use(t)

	if err := execute(t, "generate", "ch-3", "--agent", "noir", "--async=false"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := ts.last(t)
	if r.Path != "/chapters/ch-3/generate" {
		t.Errorf("path = %q", r.Path)
	}
	if body := bodyMap(t, r); body["agent_id"] != "noir" {
		t.Errorf("body = %v", body)
	}
}

func TestGenerateCommand_Async(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /chapters/ch-3/generate": `{"job_id":"job-9","status":"queued"}`,
	})
	ts.use(t)

	if err := execute(t, "generate", "ch-3", "--async", "--agent", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ts.last(t).Path; got != "/chapters/ch-3/generate?async=true" {
		t.Errorf("path = %q", got)
	}
}

func TestGenerateCommand_Rejected(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /chapters/ch-3/generate": `{"error":{"message":"continuity rejected","type":"continuity_rejected","score":2.5,
			"issues":[{"severity":"critical","kind":"opening","message":"opening contradicts the prior ending"}]}}`,
	})
	ts.status["POST /chapters/ch-3/generate"] = http.StatusUnprocessableEntity
	ts.use(t)

	err := execute(t, "generate", "ch-3", "--async=false")
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *apiError, got %v", err)
	}
	if apiErr.Type != "continuity_rejected" {
		t.Errorf("type = %q", apiErr.Type)
	}
}

func TestBranchesRun_FeedbackRequiresRevise(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.use(t)

	err := execute(t, "branches", "run", "ch-3", "--feedback", "more rain", "--revise", "")
	if err == nil || !strings.Contains(err.Error(), "--revise") {
		t.Errorf("err = %v", err)
	}
	if len(ts.requests) != 0 {
		t.Errorf("expected no requests, got %d", len(ts.requests))
	}
}

func TestBranchesRun(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /chapters/ch-3/branches": `{"chapter_id":"ch-3","iteration_round":2,"branches":[
			{"id":"b1","branch_number":1,"temperature":0.7,"preview":"Rain fell","word_count":1800,"continuity_score":8,"continuity_verdict":"pass"}],
			"continuity_gate":{"pass_score":7,"reject_score":4,"rejected_count":1}}`,
	})
	ts.use(t)

	if err := execute(t, "branches", "run", "ch-3", "--count", "4", "--revise", "b0", "--feedback", "more rain", "--async=false"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := bodyMap(t, ts.last(t))
	if body["branch_count"] != 4.0 || body["selected_version_id"] != "b0" || body["feedback"] != "more rain" {
		t.Errorf("body = %v", body)
	}
}

func TestBranchesSelect(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /chapters/ch-3/branches/b1/select": `{"chapter_id":"ch-3","version_id":"v2","word_count":1800,"continuity_gate":{"score":8,"verdict":"pass"}}`,
	})
	ts.use(t)

	if err := execute(t, "branches", "select", "ch-3", "b1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ts.last(t); got.Method != http.MethodPost || got.Body != "" {
		t.Errorf("request = %+v", got)
	}
}

func TestHooksOverdueCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /novels/novel-1/hooks/overdue": `{"current_chapter":12,"overdue":[{"hook":{"description":"the rifle"},"chapters_open":11,"threshold":5}]}`,
	})
	ts.use(t)

	if err := execute(t, "hooks", "overdue", "novel-1", "--chapter", "12"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ts.last(t).Path; got != "/novels/novel-1/hooks/overdue?chapter=12" {
		t.Errorf("path = %q", got)
	}
}

func TestEntitiesConfirm_ReportsFailures(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /entities/e1/confirm": `{"id":"e1","name":"The Guild","kind":"organization","confirmed":true}`,
	})
	ts.use(t)

	err := execute(t, "entities", "confirm", "e1", "missing")
	if err == nil || !strings.Contains(err.Error(), "1 of 2") {
		t.Errorf("err = %v", err)
	}
	if len(ts.requests) != 2 {
		t.Errorf("expected 2 requests, got %d", len(ts.requests))
	}
}

func TestImportCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /novels/novel-1/import": `{"novel_id":"novel-1","chapters":[{"chapter_id":"c1"},{"chapter_id":"c2"}],"enqueued":6}`,
	})
	ts.use(t)

	content := "# Chapter 1\n\nOne.\n\n# Chapter 2\n\nTwo.\n"
	path := filepath.Join(t.TempDir(), "draft.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := execute(t, "import", "novel-1", path, "--start", "3", "--extract"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := bodyMap(t, ts.last(t))
	if body["filename"] != "draft.md" || body["start_order"] != 3.0 || body["extract"] != true {
		t.Errorf("body = %v", body)
	}
	decoded, err := base64.StdEncoding.DecodeString(body["content"].(string))
	if err != nil || string(decoded) != content {
		t.Errorf("content round trip failed: %q %v", decoded, err)
	}
}

func TestStyleSet_KeepsUnsetFields(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /novels/novel-1/style": `{"pov":"first","tense":"past","tone":"wry","rules":["no dream sequences"]}`,
		"PUT /novels/novel-1/style": `{"pov":"first","tense":"present","tone":"wry","rules":["no dream sequences"]}`,
	})
	ts.use(t)

	if err := execute(t, "style", "set", "novel-1", "--tense", "present"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	put := ts.last(t)
	if put.Method != http.MethodPut {
		t.Fatalf("last method = %s", put.Method)
	}
	var g styleGuide
	if err := json.Unmarshal([]byte(put.Body), &g); err != nil {
		t.Fatal(err)
	}
	if g.POV != "first" || g.Tense != "present" || g.Tone != "wry" || len(g.Rules) != 1 {
		t.Errorf("put body = %+v", g)
	}
}

func TestJobsEnqueue_InvalidOptions(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.use(t)

	err := execute(t, "jobs", "enqueue", "generate_chapter", "ch-3", "--options", "{not json")
	if err == nil || !strings.Contains(err.Error(), "JSON") {
		t.Errorf("err = %v", err)
	}
}

func TestJobsEnqueue(t *testing.T) {
	ts := newTestServer(t, map[string]string{"POST /jobs": `{"job_id":"j1","status":"queued"}`})
	ts.use(t)

	if err := execute(t, "jobs", "enqueue", "extract_hooks", "ch-3", "--options", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := bodyMap(t, ts.last(t))
	if body["type"] != "extract_hooks" || body["chapter_id"] != "ch-3" {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["options"]; ok {
		t.Error("empty options should be omitted")
	}
}

func TestJobsList_Query(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /jobs": `[{"id":"j1","type":"extract_summary","status":"failed","attempts":3,"last_error":"timeout"}]`})
	ts.use(t)

	if err := execute(t, "jobs", "list", "--status", "failed", "--limit", "5"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ts.last(t).Path; got != "/jobs?limit=5&status=failed" {
		t.Errorf("path = %q", got)
	}
}

func TestNoColorFlag(t *testing.T) {
	orig := noColor
	t.Cleanup(func() { noColor = orig })

	noColor = true
	if got := colorize(colorRed, "x"); got != "x" {
		t.Errorf("colorize with noColor = %q", got)
	}
	noColor = false
	if got := colorize(colorRed, "x"); got != colorRed+"x"+colorReset {
		t.Errorf("colorize = %q", got)
	}
}

func TestCountLabel(t *testing.T) {
	tests := []struct {
		count, limit int
		want         string
	}{
		{0, 100, "0"},
		{42, 100, "42"},
		{100, 100, "100+"},
	}
	for _, tt := range tests {
		if got := countLabel(tt.count, tt.limit); got != tt.want {
			t.Errorf("countLabel(%d, %d) = %q, want %q", tt.count, tt.limit, got, tt.want)
		}
	}
}

func TestLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := logLevel(in); got != want {
			t.Errorf("logLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseDurationFallback(t *testing.T) {
	if got := parseDuration("k", "2s", 0); got.Seconds() != 2 {
		t.Errorf("got %v", got)
	}
	if got := parseDuration("k", "soon", 7); got != 7 {
		t.Errorf("fallback = %v", got)
	}
}

func TestGenerationAgents(t *testing.T) {
	if generationAgents(nil) != nil {
		t.Error("nil agents should stay nil")
	}
	got := generationAgents(map[string]config.Agent{
		"noir": {Model: "m", Temperature: 0.9, SystemPrompt: "Write hard-boiled."},
	})
	if a := got["noir"]; a.Model != "m" || a.Temperature != 0.9 || a.SystemPrompt != "Write hard-boiled." {
		t.Errorf("agents = %+v", got)
	}
}

func TestContinuityConfig(t *testing.T) {
	got := continuityConfig(config.ContinuityConfig{
		PassScore:      8,
		RejectScore:    3,
		Weights:        config.ContinuityWeights{Opening: 0.7, Event: 0.1, Hook: 0.1, Timeline: 0.1},
		NearMatchRatio: 0.6,
	})
	want := continuity.Weights{Opening: 0.7, Event: 0.1, Hook: 0.1, Timeline: 0.1}
	if got.Weights != want {
		t.Errorf("Weights = %+v, want %+v", got.Weights, want)
	}
	if got.PassScore != 8 || got.RejectScore != 3 || got.NearMatchRatio != 0.6 {
		t.Errorf("config = %+v", got)
	}
	if _, err := continuity.NewAssessor(got); err != nil {
		t.Errorf("NewAssessor: %v", err)
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := pidFilePath(t.TempDir())
	if err := writePIDFile(path); err != nil {
		t.Fatal(err)
	}
	pid, err := readPIDFile(path)
	if err != nil || pid != os.Getpid() {
		t.Errorf("pid = %d, err = %v", pid, err)
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error after removal")
	}
}

func TestHooksResolveCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /novels/novel-1/hooks/resolve": `{"id":"h1","description":"the rifle","status":"resolved"}`,
	})
	ts.use(t)

	if err := execute(t, "hooks", "resolve", "novel-1", "the rifle", "--chapter", "12", "--note", "fired"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := bodyMap(t, ts.last(t))
	if body["description"] != "the rifle" || body["chapter"] != 12.0 || body["note"] != "fired" {
		t.Errorf("body = %v", body)
	}
}

func TestHooksCharacterCommand_EscapesName(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /novels/novel-1/characters/Old Tom/hooks": `{"name":"Old Tom","hooks":[]}`,
	})
	ts.use(t)

	if err := execute(t, "hooks", "character", "novel-1", "Old Tom"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ts.last(t).Path; got != "/novels/novel-1/characters/Old%20Tom/hooks" {
		t.Errorf("path = %q", got)
	}
}
