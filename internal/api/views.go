package api

import (
	"encoding/json"
	"time"

	"github.com/kalambet/inkwell/internal/branches"
	"github.com/kalambet/inkwell/internal/continuity"
	"github.com/kalambet/inkwell/internal/hooks"
	"github.com/kalambet/inkwell/internal/novel"
	"github.com/kalambet/inkwell/internal/storage"
)

type novelView struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Stage     string    `json:"stage"`
	CreatedAt time.Time `json:"created_at"`
}

func toNovelView(n novel.Novel) novelView {
	return novelView{ID: n.ID, Title: n.Title, Stage: string(n.Stage), CreatedAt: n.CreatedAt}
}

type chapterView struct {
	ID            string    `json:"id"`
	NovelID       string    `json:"novel_id"`
	Order         int       `json:"order"`
	Title         string    `json:"title"`
	Outline       string    `json:"outline,omitempty"`
	Content       string    `json:"content,omitempty"`
	Stage         string    `json:"stage"`
	PendingReview bool      `json:"pending_review"`
	WordCount     int       `json:"word_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// toChapterView omits content unless withContent is set, keeping list
// responses small.
func toChapterView(c novel.Chapter, withContent bool) chapterView {
	v := chapterView{
		ID: c.ID, NovelID: c.NovelID, Order: c.Order, Title: c.Title, Outline: c.Outline,
		Stage: string(c.Stage), PendingReview: c.PendingReview, WordCount: c.WordCount, UpdatedAt: c.UpdatedAt,
	}
	if withContent {
		v.Content = c.Content
	}
	return v
}

type versionView struct {
	ID                string    `json:"id"`
	Source            string    `json:"source"`
	ContinuityScore   float64   `json:"continuity_score"`
	ContinuityVerdict string    `json:"continuity_verdict"`
	WordCount         int       `json:"word_count"`
	CreatedAt         time.Time `json:"created_at"`
}

func toVersionView(v novel.ChapterVersion) versionView {
	return versionView{
		ID: v.ID, Source: v.Source, ContinuityScore: v.ContinuityScore,
		ContinuityVerdict: v.ContinuityVerdict, WordCount: novel.CountWords(v.Content), CreatedAt: v.CreatedAt,
	}
}

type hookView struct {
	ID                   string   `json:"id"`
	Type                 string   `json:"type"`
	Description          string   `json:"description"`
	PlantedInChapter     int      `json:"planted_in_chapter"`
	ReferencedInChapters []int    `json:"referenced_in_chapters"`
	ResolvedInChapter    *int     `json:"resolved_in_chapter,omitempty"`
	ResolutionNote       string   `json:"resolution_note,omitempty"`
	AbandonReason        string   `json:"abandon_reason,omitempty"`
	Status               string   `json:"status"`
	Importance           string   `json:"importance"`
	ReminderThreshold    int      `json:"reminder_threshold"`
	RelatedCharacters    []string `json:"related_characters"`
}

func toHookView(h novel.NarrativeHook) hookView {
	v := hookView{
		ID: h.ID, Type: string(h.Type), Description: h.Description,
		PlantedInChapter: h.PlantedInChapter, ReferencedInChapters: h.ReferencedInChapters,
		ResolvedInChapter: h.ResolvedInChapter, ResolutionNote: h.ResolutionNote, AbandonReason: h.AbandonReason,
		Status: string(h.Status), Importance: string(h.Importance), ReminderThreshold: h.ReminderThreshold,
		RelatedCharacters: h.RelatedCharacters,
	}
	if v.ReferencedInChapters == nil {
		v.ReferencedInChapters = []int{}
	}
	if v.RelatedCharacters == nil {
		v.RelatedCharacters = []string{}
	}
	return v
}

type overdueView struct {
	Hook         hookView `json:"hook"`
	ChaptersOpen int      `json:"chapters_open"`
	Threshold    float64  `json:"threshold"`
}

func toOverdueViews(in []hooks.Overdue) []overdueView {
	out := make([]overdueView, len(in))
	for i, o := range in {
		out[i] = overdueView{Hook: toHookView(o.Hook), ChaptersOpen: o.ChaptersOpen, Threshold: o.Threshold}
	}
	return out
}

type entityView struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Kind                string `json:"kind"`
	Description         string `json:"description,omitempty"`
	IntroducedInChapter int    `json:"introduced_in_chapter"`
	Confirmed           bool   `json:"confirmed"`
}

func toEntityView(e novel.PendingEntity) entityView {
	return entityView{
		ID: e.ID, Name: e.Name, Kind: string(e.Kind), Description: e.Description,
		IntroducedInChapter: e.IntroducedInChapter, Confirmed: e.Confirmed,
	}
}

type jobView struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Output      json.RawMessage `json:"output,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func toJobView(j storage.Job) jobView {
	v := jobView{
		ID: j.ID, Type: j.Type, Status: j.Status, Attempts: j.Attempts, MaxAttempts: j.MaxAttempts,
		LastError: j.LastError, CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
	}
	if j.OutputJSON != "" && json.Valid([]byte(j.OutputJSON)) {
		v.Output = json.RawMessage(j.OutputJSON)
	}
	return v
}

// cachedBranchView is a full cached candidate, including its content.
type cachedBranchView struct {
	ID                string             `json:"id"`
	BranchNumber      int                `json:"branch_number"`
	IterationRound    int                `json:"iteration_round"`
	Rank              int                `json:"rank"`
	Temperature       float64            `json:"temperature"`
	Preview           string             `json:"preview"`
	Content           string             `json:"content"`
	ContinuityScore   float64            `json:"continuity_score"`
	ContinuityVerdict string             `json:"continuity_verdict"`
	ContinuityIssues  []continuity.Issue `json:"continuity_issues"`
}

func toCachedBranchView(b storage.BranchCandidate) cachedBranchView {
	v := cachedBranchView{
		ID: b.ID, BranchNumber: b.BranchNumber, IterationRound: b.IterationRound, Rank: b.Rank,
		Temperature: b.Temperature, Preview: branches.Preview(b.Content), Content: b.Content,
		ContinuityScore: b.ContinuityScore, ContinuityVerdict: b.ContinuityVerdict,
	}
	if b.ContinuityIssues != "" {
		_ = json.Unmarshal([]byte(b.ContinuityIssues), &v.ContinuityIssues)
	}
	if v.ContinuityIssues == nil {
		v.ContinuityIssues = []continuity.Issue{}
	}
	return v
}

type styleView struct {
	POV       string    `json:"pov"`
	Tense     string    `json:"tense"`
	Tone      string    `json:"tone"`
	Rules     []string  `json:"rules"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

func toStyleView(g storage.StyleGuide) styleView {
	v := styleView{POV: g.POV, Tense: g.Tense, Tone: g.Tone, Rules: g.Rules, UpdatedAt: g.UpdatedAt}
	if v.Rules == nil {
		v.Rules = []string{}
	}
	return v
}
