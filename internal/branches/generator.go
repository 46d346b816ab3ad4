// Package branches drafts several candidate versions of a chapter in
// parallel, ranks them by continuity score and keeps the best few for the
// author to choose from.
package branches

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/inkwell/internal/continuity"
	"github.com/kalambet/inkwell/internal/generation"
	"github.com/kalambet/inkwell/internal/llm"
	"github.com/kalambet/inkwell/internal/novel"
	"github.com/kalambet/inkwell/internal/storage"
)

const (
	MaxBranches     = 8
	DefaultBranches = 3
	DefaultKeep     = 3
	previewRunes    = 240
)

// DefaultSchedule is the ascending temperature schedule.
var DefaultSchedule = []float64{0.7, 0.8, 0.9}

var ErrInvalidBranchCount = errors.New("branch count must be between 1 and 8")

// Drafter is the part of the generation orchestrator branches reuse.
// Implemented by *generation.Service.
type Drafter interface {
	Lock(chapterID string) (func(), error)
	Prepare(ctx context.Context, chapterID string, opts generation.Options) (*generation.Plan, error)
	Complete(ctx context.Context, plan *generation.Plan, messages []llm.Message, temperature float64) (string, error)
	Assess(plan *generation.Plan, draft string) continuity.Assessment
	ContinuityConfig() continuity.Config
}

// Store is the branch cache plus version lookup for revisions.
type Store interface {
	ReplaceBranches(chapterID string, keep []storage.BranchCandidate) error
	GetBranch(id string) (storage.BranchCandidate, error)
	ListVersions(chapterID string) ([]novel.ChapterVersion, error)
	EnqueueJob(job storage.Job) error
}

type Config struct {
	Schedule []float64
	// Keep is the number of ranked candidates retained in the cache.
	Keep int
}

func DefaultConfig() Config {
	return Config{Schedule: DefaultSchedule, Keep: DefaultKeep}
}

type Options struct {
	generation.Options
	BranchCount int `json:"branch_count"`
	// SelectedVersionID and Feedback turn the round into a revision of a
	// cached candidate or a stored chapter version.
	SelectedVersionID string `json:"selected_version_id,omitempty"`
	Feedback          string `json:"feedback,omitempty"`
	IterationRound    int    `json:"iteration_round,omitempty"`
}

type Branch struct {
	ID                string             `json:"id"`
	BranchNumber      int                `json:"branch_number"`
	Temperature       float64            `json:"temperature"`
	Preview           string             `json:"preview"`
	WordCount         int                `json:"word_count"`
	ContinuityScore   float64            `json:"continuity_score"`
	ContinuityVerdict continuity.Verdict `json:"continuity_verdict"`
	ContinuityIssues  []continuity.Issue `json:"continuity_issues"`
}

type Gate struct {
	PassScore     float64 `json:"pass_score"`
	RejectScore   float64 `json:"reject_score"`
	RejectedCount int     `json:"rejected_count"`
}

type Result struct {
	ChapterID      string   `json:"chapter_id"`
	IterationRound int      `json:"iteration_round"`
	Branches       []Branch `json:"branches"`
	ContinuityGate Gate     `json:"continuity_gate"`
	// Evicted counts candidates dropped after ranking.
	Evicted int `json:"evicted"`
}

type Generator struct {
	drafter Drafter
	store   Store
	cfg     Config
	logger  *slog.Logger
}

func NewGenerator(d Drafter, store Store, cfg Config) *Generator {
	if len(cfg.Schedule) == 0 {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Keep <= 0 {
		cfg.Keep = DefaultKeep
	}
	return &Generator{drafter: d, store: store, cfg: cfg, logger: slog.Default().With("component", "branches")}
}

// Temperatures returns n ascending temperatures. Up to the schedule length
// the schedule is used as is; beyond it values are spread evenly between the
// first and last schedule entries.
func Temperatures(schedule []float64, n int) []float64 {
	if n <= 0 || len(schedule) == 0 {
		return nil
	}
	if n <= len(schedule) {
		return append([]float64(nil), schedule[:n]...)
	}
	lo, hi := schedule[0], schedule[len(schedule)-1]
	out := make([]float64, n)
	for i := range out {
		t := lo + (hi-lo)*float64(i)/float64(n-1)
		out[i] = float64(int(t*1000+0.5)) / 1000
	}
	return out
}

type candidate struct {
	number      int
	temperature float64
	content     string
	assessment  continuity.Assessment
}

// GenerateBranches drafts opts.BranchCount candidates concurrently, each at
// its own temperature, ranks them by continuity score (ties keep submission
// order) and caches the top candidates. A failed draft fails the round.
func (g *Generator) GenerateBranches(ctx context.Context, chapterID string, opts Options) (Result, error) {
	count := opts.BranchCount
	if count == 0 {
		count = DefaultBranches
	}
	if count < 1 || count > MaxBranches {
		return Result{}, fmt.Errorf("%w, got %d", ErrInvalidBranchCount, count)
	}

	unlock, err := g.drafter.Lock(chapterID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	plan, err := g.drafter.Prepare(ctx, chapterID, opts.Options)
	if err != nil {
		return Result{}, err
	}

	messages := plan.Messages
	if opts.SelectedVersionID != "" {
		selected, err := g.selectedContent(chapterID, opts.SelectedVersionID)
		if err != nil {
			return Result{}, err
		}
		messages = generation.RevisionMessages(plan.Messages, selected, opts.Feedback)
	}

	temps := Temperatures(g.cfg.Schedule, count)
	candidates := make([]candidate, count)
	eg, egCtx := errgroup.WithContext(ctx)
	for i, temp := range temps {
		eg.Go(func() error {
			draft, err := g.drafter.Complete(egCtx, plan, messages, temp)
			if err != nil {
				return fmt.Errorf("branch %d: %w", i+1, err)
			}
			candidates[i] = candidate{
				number:      i + 1,
				temperature: temp,
				content:     draft,
				assessment:  g.drafter.Assess(plan, draft),
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Result{}, err
	}

	rank(candidates)

	keep := min(g.cfg.Keep, len(candidates))
	round := opts.IterationRound
	if round <= 0 {
		round = 1
	}
	cfg := g.drafter.ContinuityConfig()
	res := Result{
		ChapterID:      chapterID,
		IterationRound: round,
		Branches:       make([]Branch, 0, keep),
		ContinuityGate: Gate{PassScore: cfg.PassScore, RejectScore: cfg.RejectScore},
		Evicted:        len(candidates) - keep,
	}
	for _, c := range candidates {
		if c.assessment.Verdict == continuity.VerdictReject {
			res.ContinuityGate.RejectedCount++
		}
	}

	cached := make([]storage.BranchCandidate, 0, keep)
	for i, c := range candidates[:keep] {
		issues, err := json.Marshal(c.assessment.Issues)
		if err != nil {
			return Result{}, fmt.Errorf("encoding issues of branch %d: %w", c.number, err)
		}
		id := uuid.New().String()
		cached = append(cached, storage.BranchCandidate{
			ID:                id,
			ChapterID:         chapterID,
			BranchNumber:      c.number,
			IterationRound:    round,
			Temperature:       c.temperature,
			Content:           c.content,
			ContinuityScore:   c.assessment.Score,
			ContinuityVerdict: string(c.assessment.Verdict),
			ContinuityIssues:  string(issues),
			Rank:              i + 1,
		})
		res.Branches = append(res.Branches, Branch{
			ID:                id,
			BranchNumber:      c.number,
			Temperature:       c.temperature,
			Preview:           Preview(c.content),
			WordCount:         novel.CountWords(c.content),
			ContinuityScore:   c.assessment.Score,
			ContinuityVerdict: c.assessment.Verdict,
			ContinuityIssues:  c.assessment.Issues,
		})
	}
	if err := g.store.ReplaceBranches(chapterID, cached); err != nil {
		return Result{}, fmt.Errorf("caching branches: %w", err)
	}

	g.logger.Info("branches generated", "chapter", chapterID, "count", count, "kept", keep,
		"rejected", res.ContinuityGate.RejectedCount, "round", round)
	return res, nil
}

// rank sorts candidates by continuity score, highest first. Equal scores
// keep their branch order.
func rank(c []candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].assessment.Score != c[j].assessment.Score {
			return c[i].assessment.Score > c[j].assessment.Score
		}
		return c[i].number < c[j].number
	})
}

func (g *Generator) selectedContent(chapterID, id string) (string, error) {
	b, err := g.store.GetBranch(id)
	if err == nil {
		if b.ChapterID != chapterID {
			return "", fmt.Errorf("branch %s of chapter %s: %w", id, chapterID, storage.ErrNotFound)
		}
		return b.Content, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("loading selected branch: %w", err)
	}
	versions, err := g.store.ListVersions(chapterID)
	if err != nil {
		return "", fmt.Errorf("loading chapter versions: %w", err)
	}
	for _, v := range versions {
		if v.ID == id {
			return v.Content, nil
		}
	}
	return "", fmt.Errorf("selected version %s: %w", id, storage.ErrNotFound)
}

// Preview returns the first 240 runes of a draft.
func Preview(content string) string {
	content = strings.TrimSpace(content)
	runes := []rune(content)
	if len(runes) <= previewRunes {
		return content
	}
	return strings.TrimSpace(string(runes[:previewRunes])) + "…"
}
