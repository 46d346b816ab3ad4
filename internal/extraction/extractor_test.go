package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/inkwell/internal/entities"
	"github.com/kalambet/inkwell/internal/hooks"
	"github.com/kalambet/inkwell/internal/jobs"
	"github.com/kalambet/inkwell/internal/limiter"
	"github.com/kalambet/inkwell/internal/llm"
	"github.com/kalambet/inkwell/internal/novel"
	"github.com/kalambet/inkwell/internal/storage"
)

// routedAdapter answers each extraction task from a canned response chosen
// by the task's system prompt.
type routedAdapter struct {
	mu        sync.Mutex
	responses map[string]string // system prompt -> response
	requests  []llm.Request
}

func (a *routedAdapter) Generate(_ context.Context, req llm.Request) (llm.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	resp, ok := a.responses[req.Messages[0].Content]
	if !ok {
		return llm.Response{}, errors.New("unexpected prompt")
	}
	return llm.Response{Content: resp}, nil
}

func (a *routedAdapter) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

type fixture struct {
	store   *storage.Store
	tracker *hooks.Tracker
	gate    *entities.Gate
	adapter *routedAdapter
	ex      *Extractor
	version string
}

func newFixture(t *testing.T, responses map[string]string) *fixture {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.CreateNovel(novel.Novel{ID: "novel-1", Title: "The Drowned Bell", Stage: novel.StageDrafting}); err != nil {
		t.Fatalf("CreateNovel: %v", err)
	}
	for i, id := range []string{"ch-1", "ch-2"} {
		if err := s.CreateChapter(novel.Chapter{ID: id, NovelID: "novel-1", Order: i + 1, Title: "Chapter", Stage: novel.StageChapters}); err != nil {
			t.Fatalf("CreateChapter: %v", err)
		}
	}
	version, err := s.CommitChapterDraft(storage.ChapterCommit{
		ChapterID: "ch-2",
		Content:   "Mara met Brother Ansel of the Lantern Guild. At midnight the drowned bell rang, and she understood.",
		Stage:     novel.StageGenerated,
		Source:    "generate",
	})
	if err != nil {
		t.Fatalf("CommitChapterDraft: %v", err)
	}

	tracker := hooks.NewTracker(s, s, hooks.DefaultConfig())
	gate := entities.NewGate(s)
	adapter := &routedAdapter{responses: responses}
	lim := limiter.New(limiter.Config{MaxConcurrent: 2, CallTimeout: 2 * time.Second})
	return &fixture{
		store:   s,
		tracker: tracker,
		gate:    gate,
		adapter: adapter,
		ex:      NewExtractor(s, tracker, gate, adapter, lim, "extract-model"),
		version: version,
	}
}

func (f *fixture) job(t *testing.T, jobType, versionID string) storage.Job {
	t.Helper()
	input, _ := json.Marshal(jobs.ChapterInput{ChapterID: "ch-2", VersionID: versionID})
	return storage.Job{ID: "job-1", Type: jobType, InputJSON: string(input)}
}

func decodeOutcome(t *testing.T, out string) Outcome {
	t.Helper()
	var o Outcome
	if err := json.Unmarshal([]byte(out), &o); err != nil {
		t.Fatalf("decoding outcome %q: %v", out, err)
	}
	return o
}

func TestHandleSummary_RecoversFencedJSON(t *testing.T) {
	f := newFixture(t, map[string]string{
		summaryPrompt: "Here is the summary:\n```json\n{\"one_line\": \"Mara meets the Guild.\", \"key_events\": [\"Mara met Brother Ansel\", \"the drowned bell rang\",],}\n```",
	})

	out, err := f.ex.HandleSummary(context.Background(), f.job(t, jobs.TypeExtractSummary, f.version))
	if err != nil {
		t.Fatalf("HandleSummary: %v", err)
	}
	if o := decodeOutcome(t, out); o.Applied != 1 || o.Skipped != "" {
		t.Errorf("outcome = %+v, want 1 applied", o)
	}

	sum, err := f.store.GetSummary("novel-1", 2)
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if sum.OneLine != "Mara meets the Guild." {
		t.Errorf("OneLine = %q", sum.OneLine)
	}
	if len(sum.KeyEvents) != 2 {
		t.Errorf("KeyEvents = %v, want 2 events", sum.KeyEvents)
	}

	req := f.adapter.requests[0]
	if req.ResponseFormat != llm.FormatJSON {
		t.Errorf("ResponseFormat = %q, want json", req.ResponseFormat)
	}
	if req.Model != "extract-model" {
		t.Errorf("Model = %q", req.Model)
	}
	if !strings.Contains(req.Messages[1].Content, "Brother Ansel") {
		t.Error("chapter text missing from prompt")
	}
}

func TestHandleSummary_InvalidOutput(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"not json", "I could not summarize this chapter."},
		{"schema mismatch", `{"key_events": ["no one line"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, map[string]string{summaryPrompt: tt.response})
			_, err := f.ex.HandleSummary(context.Background(), f.job(t, jobs.TypeExtractSummary, f.version))
			if !errors.Is(err, ErrUnparseable) {
				t.Fatalf("err = %v, want ErrUnparseable", err)
			}
			if _, err := f.store.GetSummary("novel-1", 2); !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("summary stored despite failure: err = %v", err)
			}
		})
	}
}

func TestHandleSummary_SupersededVersionSkipped(t *testing.T) {
	f := newFixture(t, map[string]string{summaryPrompt: `{"one_line": "x", "key_events": []}`})
	if _, err := f.store.CommitChapterDraft(storage.ChapterCommit{
		ChapterID: "ch-2", Content: "A newer draft.", Stage: novel.StageGenerated, Source: "generate",
	}); err != nil {
		t.Fatalf("CommitChapterDraft: %v", err)
	}

	out, err := f.ex.HandleSummary(context.Background(), f.job(t, jobs.TypeExtractSummary, f.version))
	if err != nil {
		t.Fatalf("HandleSummary: %v", err)
	}
	if o := decodeOutcome(t, out); o.Skipped != "version superseded" {
		t.Errorf("Skipped = %q, want version superseded", o.Skipped)
	}
	if f.adapter.calls() != 0 {
		t.Errorf("adapter called %d times, want 0", f.adapter.calls())
	}
}

func TestHandleHooks_AppliesChanges(t *testing.T) {
	f := newFixture(t, map[string]string{
		hooksPrompt: `{
			"planted": [{"description": "Brother Ansel hides a second key", "type": "mystery", "importance": "major", "related_characters": ["Brother Ansel"]}],
			"referenced": ["the silver compass"],
			"resolved": [{"description": "the drowned bell rings at midnight", "note": "Mara hears it ring"}]
		}`,
	})
	if _, err := f.tracker.RecordPlanted(novel.NarrativeHook{
		NovelID: "novel-1", Type: novel.HookForeshadowing, Description: "the drowned bell rings at midnight",
		PlantedInChapter: 1, Importance: novel.ImportanceCritical,
	}); err != nil {
		t.Fatalf("RecordPlanted: %v", err)
	}

	out, err := f.ex.HandleHooks(context.Background(), f.job(t, jobs.TypeExtractHooks, f.version))
	if err != nil {
		t.Fatalf("HandleHooks: %v", err)
	}
	o := decodeOutcome(t, out)
	if o.Applied != 2 {
		t.Errorf("Applied = %d, want 2", o.Applied)
	}
	if len(o.Warnings) != 1 || !strings.Contains(o.Warnings[0], "silver compass") {
		t.Errorf("Warnings = %v, want one for the unknown hook", o.Warnings)
	}

	if !strings.Contains(f.adapter.requests[0].Messages[1].Content, "[Open Hooks]\n- the drowned bell rings at midnight") {
		t.Error("open hooks missing from prompt")
	}

	all, err := f.store.ListHooks("novel-1", false)
	if err != nil {
		t.Fatalf("ListHooks: %v", err)
	}
	byDesc := map[string]novel.NarrativeHook{}
	for _, h := range all {
		byDesc[h.Description] = h
	}
	bell := byDesc["the drowned bell rings at midnight"]
	if bell.Status != novel.HookResolved || bell.ResolvedInChapter == nil || *bell.ResolvedInChapter != 2 {
		t.Errorf("bell hook = %+v, want resolved in chapter 2", bell)
	}
	key, ok := byDesc["Brother Ansel hides a second key"]
	if !ok {
		t.Fatal("planted hook not stored")
	}
	if key.PlantedInChapter != 2 || key.Type != novel.HookMystery || key.Importance != novel.ImportanceMajor {
		t.Errorf("planted hook = %+v", key)
	}
}

func TestHandleEntities_RecordsPendingAndKeepsConfirmed(t *testing.T) {
	f := newFixture(t, map[string]string{
		entitiesPrompt: `{"entities": [
			{"name": "Brother Ansel", "kind": "character", "description": "a monk"},
			{"name": "Lantern Guild", "kind": "organization", "description": "lamp keepers"},
			{"name": "  ", "kind": "character"}
		]}`,
	})

	if _, err := f.ex.HandleEntities(context.Background(), f.job(t, jobs.TypeExtractEntities, f.version)); err != nil {
		t.Fatalf("HandleEntities: %v", err)
	}
	list, err := f.store.ListEntities("novel-1")
	if err != nil {
		t.Fatalf("ListEntities: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d entities, want 2", len(list))
	}
	var ansel novel.PendingEntity
	for _, e := range list {
		if e.Confirmed {
			t.Errorf("%s recorded as confirmed", e.Name)
		}
		if e.Name == "Brother Ansel" {
			ansel = e
		}
	}
	if ansel.IntroducedInChapter != 2 {
		t.Errorf("IntroducedInChapter = %d, want 2", ansel.IntroducedInChapter)
	}

	if _, err := f.gate.Confirm(ansel.ID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if _, err := f.ex.HandleEntities(context.Background(), f.job(t, jobs.TypeExtractEntities, f.version)); err != nil {
		t.Fatalf("second HandleEntities: %v", err)
	}
	got, err := f.store.GetEntity(ansel.ID)
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if !got.Confirmed {
		t.Error("re-extraction reset a confirmed entity to pending")
	}
}

func TestRegister_RunsThroughWorker(t *testing.T) {
	f := newFixture(t, map[string]string{
		summaryPrompt:  `{"one_line": "Mara meets the Guild.", "key_events": []}`,
		hooksPrompt:    `{"planted": [], "referenced": [], "resolved": []}`,
		entitiesPrompt: `{"entities": []}`,
	})
	w := jobs.NewWorker(f.store, time.Millisecond)
	f.ex.Register(w)

	input, _ := json.Marshal(jobs.ChapterInput{ChapterID: "ch-2", VersionID: f.version})
	ids := map[string]string{}
	for _, jt := range []string{jobs.TypeExtractSummary, jobs.TypeExtractHooks, jobs.TypeExtractEntities} {
		id := "job-" + jt
		ids[jt] = id
		if err := f.store.EnqueueJob(storage.Job{ID: id, Type: jt, InputJSON: string(input)}); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}
	for range 3 {
		processed, err := w.RunOnce(context.Background())
		if err != nil || !processed {
			t.Fatalf("RunOnce = %v, %v", processed, err)
		}
	}
	for jt, id := range ids {
		job, err := f.store.GetJob(id)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if job.Status != "succeeded" {
			t.Errorf("%s status = %q (%s), want succeeded", jt, job.Status, job.LastError)
		}
	}
}
