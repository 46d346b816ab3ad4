package assembler

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/kalambet/inkwell/internal/novel"
)

type fakeStore struct {
	chapters  []novel.Chapter
	summaries []novel.ChapterSummary
	err       error
}

func (f *fakeStore) ChaptersBefore(novelID string, order, limit int) ([]novel.Chapter, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []novel.Chapter
	for _, c := range f.chapters {
		if c.Order < order {
			out = append(out, c)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeStore) SummariesBefore(novelID string, before, limit int) ([]novel.ChapterSummary, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []novel.ChapterSummary
	for _, s := range f.summaries {
		if s.ChapterNumber < before {
			out = append(out, s)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func history(n int) *fakeStore {
	f := &fakeStore{}
	for i := 1; i <= n; i++ {
		f.chapters = append(f.chapters, novel.Chapter{
			Order:   i,
			Title:   fmt.Sprintf("Title %d", i),
			Content: fmt.Sprintf("Full text of chapter %d.", i),
			Stage:   novel.StageCompleted,
		})
		f.summaries = append(f.summaries, novel.ChapterSummary{
			ChapterNumber: i,
			OneLine:       fmt.Sprintf("summary line %d", i),
			KeyEvents:     []string{fmt.Sprintf("event %d", i)},
		})
	}
	return f
}

func TestAssemble_Layering(t *testing.T) {
	a := New(history(6), 0, DefaultLayering())

	res, err := a.Assemble("n1", 6, Budget{})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	ctx := res.Context
	if res.Truncated || len(res.Warnings) != 0 {
		t.Errorf("unexpected truncation: %+v", res)
	}

	order := []string{"[Story So Far]", "Chapter 1: summary line 1", "Chapter 3: summary line 3",
		"[Recent Chapters]", "## Chapter 4: Title 4", "## Chapter 5: Title 5"}
	last := -1
	for _, marker := range order {
		idx := strings.Index(ctx, marker)
		if idx < 0 {
			t.Fatalf("context missing %q:\n%s", marker, ctx)
		}
		if idx < last {
			t.Errorf("%q out of order", marker)
		}
		last = idx
	}
	for _, absent := range []string{"summary line 4", "summary line 5", "Full text of chapter 3", "chapter 6"} {
		if strings.Contains(ctx, absent) {
			t.Errorf("context should not contain %q", absent)
		}
	}
	if res.TokenCount != EstimateTokens(ctx) {
		t.Errorf("TokenCount = %d, want %d", res.TokenCount, EstimateTokens(ctx))
	}
}

func TestAssemble_DropsOldestSummaryFirst(t *testing.T) {
	store := history(6)
	a := New(store, 0, DefaultLayering())

	full, err := a.Assemble("n1", 6, Budget{})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	res, err := a.Assemble("n1", 6, Budget{MaxTokens: full.TokenCount - 1})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !res.Truncated {
		t.Error("expected Truncated")
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "summary of chapter 1") {
		t.Errorf("warnings = %v", res.Warnings)
	}
	if strings.Contains(res.Context, "summary line 1") || !strings.Contains(res.Context, "summary line 2") {
		t.Errorf("wrong summary dropped:\n%s", res.Context)
	}
	if res.TokenCount > full.TokenCount-1 {
		t.Errorf("TokenCount %d over budget", res.TokenCount)
	}
}

func TestAssemble_NeverDropsMostRecentChapter(t *testing.T) {
	store := history(6)
	a := New(store, 0, DefaultLayering())

	only := recentHeader + formatChapter(store.chapters[4])
	res, err := a.Assemble("n1", 6, Budget{MaxTokens: EstimateTokens(only)})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if res.Context != only {
		t.Errorf("context = %q, want %q", res.Context, only)
	}
	// three summaries and chapter 4
	if len(res.Warnings) != 4 {
		t.Errorf("warnings = %v", res.Warnings)
	}
	if !strings.Contains(res.Warnings[3], "text of chapter 4") {
		t.Errorf("last warning = %q", res.Warnings[3])
	}
}

func TestAssemble_TrimsOversizedLastChapter(t *testing.T) {
	store := &fakeStore{chapters: []novel.Chapter{{
		Order:   1,
		Title:   "Long",
		Content: strings.Repeat("a", 1000) + " THE END",
	}}}
	a := New(store, 0, DefaultLayering())

	res, err := a.AssembleTruncated("n1", 2, 50, DefaultLayering())
	if err != nil {
		t.Fatalf("AssembleTruncated: %v", err)
	}
	if !res.Truncated {
		t.Error("expected Truncated")
	}
	if !strings.HasSuffix(strings.TrimSpace(res.Context), "THE END") {
		t.Errorf("ending of the chapter should survive: %q", res.Context)
	}
	if res.TokenCount > 50 {
		t.Errorf("TokenCount = %d, want <= 50", res.TokenCount)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "trimmed") {
		t.Errorf("warnings = %v", res.Warnings)
	}
}

func TestAssemble_FirstChapterHasNoContext(t *testing.T) {
	a := New(history(3), 0, DefaultLayering())
	res, err := a.Assemble("n1", 1, Budget{})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if res.Context != "" || res.TokenCount != 0 {
		t.Errorf("got %+v", res)
	}
}

func TestAssemble_Errors(t *testing.T) {
	a := New(&fakeStore{err: errors.New("database is locked")}, 0, DefaultLayering())
	if _, err := a.Assemble("n1", 3, Budget{}); err == nil {
		t.Error("expected store error")
	}
	if _, err := a.Assemble("n1", 0, Budget{}); err == nil {
		t.Error("expected error for order 0")
	}
	if _, err := a.AssembleTruncated("n1", 3, 0, DefaultLayering()); err == nil {
		t.Error("expected error for zero budget")
	}
}

func TestFallback(t *testing.T) {
	chapters := []novel.Chapter{
		{Order: 4, Title: "Four", Content: strings.Repeat("x", 500) + " tail of four"},
		{Order: 1, Title: "One", Content: "one"},
		{Order: 3, Title: "Title only"},
		{Order: 2, Content: "two"},
	}

	out := Fallback(chapters)
	if strings.Contains(out, "Chapter 1") {
		t.Error("only the last three chapters should be used")
	}
	for _, want := range []string{"Chapter 2:\ntwo", "Chapter 3 (Title only)", "Chapter 4 (Four)", "tail of four", "…"} {
		if !strings.Contains(out, want) {
			t.Errorf("fallback missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "Chapter 2") > strings.Index(out, "Chapter 4") {
		t.Error("chapters should be in reading order")
	}

	if Fallback(nil) != "" {
		t.Error("expected empty fallback with no chapters")
	}
	if Fallback([]novel.Chapter{{Order: 1, Title: "Only a title"}}) == "" {
		t.Error("fallback must not be empty when a chapter has a title")
	}
	if out := Fallback([]novel.Chapter{{ID: "c1", Order: 1}}); !strings.Contains(out, "Chapter 1:") {
		t.Errorf("fallback for a blank chapter = %q, want a Chapter 1 line", out)
	}
}

func TestAssemble_BudgetSmallerThanHeaders(t *testing.T) {
	store := &fakeStore{chapters: []novel.Chapter{{Order: 1, Title: "Opening", Content: "The lamp went out."}}}
	a := New(store, 0, DefaultLayering())

	for budget := 1; budget <= 8; budget++ {
		res, err := a.AssembleTruncated("n1", 2, budget, DefaultLayering())
		if err != nil {
			t.Fatalf("budget %d: %v", budget, err)
		}
		if res.TokenCount > budget {
			t.Errorf("budget %d: TokenCount = %d", budget, res.TokenCount)
		}
		if !res.Truncated {
			t.Errorf("budget %d: expected Truncated", budget)
		}
		if !strings.HasSuffix(res.Context, "t.") {
			t.Errorf("budget %d: context %q should keep the chapter ending", budget, res.Context)
		}
	}
}

func TestAssemble_BudgetLayeringCanDisableSummaries(t *testing.T) {
	a := New(history(6), 0, DefaultLayering())

	res, err := a.Assemble("n1", 6, Budget{Layering: &Layering{RecentChapters: 2, SummaryChapters: 0}})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if strings.Contains(res.Context, "[Story So Far]") {
		t.Errorf("summaries should be off:\n%s", res.Context)
	}
	if !strings.Contains(res.Context, "Full text of chapter 5.") {
		t.Errorf("recent chapters missing:\n%s", res.Context)
	}

	res, err = a.Assemble("n1", 6, Budget{})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !strings.Contains(res.Context, "[Story So Far]") {
		t.Error("nil layering should use the assembler's summaries")
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"abcd", 1},
		{"abcde", 2},
		{"雨夜里的", 1},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.in); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
