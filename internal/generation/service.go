// Package generation drafts chapters: it checks preconditions, assembles the
// prompt, runs the continuity repair loop and commits accepted drafts.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kalambet/inkwell/internal/assembler"
	"github.com/kalambet/inkwell/internal/continuity"
	"github.com/kalambet/inkwell/internal/entities"
	"github.com/kalambet/inkwell/internal/jobs"
	"github.com/kalambet/inkwell/internal/limiter"
	"github.com/kalambet/inkwell/internal/llm"
	"github.com/kalambet/inkwell/internal/novel"
	"github.com/kalambet/inkwell/internal/storage"
)

const (
	DefaultMaxRepairAttempts = 2
	defaultTemperature       = 0.8
	defaultMaxTokens         = 8000

	SourceGenerate = "generate"
	SourceBranch   = "branch"

	// Chapters fetched for continuity anchors and the degraded context.
	historyChapters  = 3
	historySummaries = 3
)

// Store is the persistence the orchestrator needs.
// Implemented by storage.Store.
type Store interface {
	GetNovel(id string) (novel.Novel, error)
	GetChapter(id string) (novel.Chapter, error)
	IncompleteChaptersBefore(novelID string, order int) ([]novel.Chapter, error)
	ChaptersBefore(novelID string, order, limit int) ([]novel.Chapter, error)
	SummariesBefore(novelID string, before, limit int) ([]novel.ChapterSummary, error)
	CommitChapterDraft(c storage.ChapterCommit) (string, error)
	GetBranch(id string) (storage.BranchCandidate, error)
	EnqueueJob(job storage.Job) error
}

// HookSource provides open hooks for prompts and continuity signals.
type HookSource interface {
	ActiveBefore(novelID string, chapterOrder int) ([]novel.NarrativeHook, error)
	FormatForContext(novelID string, chapterOrder int) (string, error)
}

// EntityGate blocks generation while earlier chapters have unconfirmed entities.
type EntityGate interface {
	Require(novelID string, upToOrder int) error
}

// StyleSource renders a novel's style guide and continuity rules.
type StyleSource interface {
	Prompt(novelID string) (string, error)
}

// Agent selects a model configuration by name.
type Agent struct {
	Model        string  `json:"model" yaml:"model"`
	Temperature  float64 `json:"temperature" yaml:"temperature"`
	SystemPrompt string  `json:"system_prompt" yaml:"system_prompt"`
}

type Config struct {
	Model             string
	Temperature       float64
	MaxTokens         int
	MaxRepairAttempts int
	Budget            assembler.Budget
	Agents            map[string]Agent
}

func DefaultConfig() Config {
	return Config{
		Temperature:       defaultTemperature,
		MaxTokens:         defaultMaxTokens,
		MaxRepairAttempts: DefaultMaxRepairAttempts,
	}
}

type Deps struct {
	Store     Store
	Assembler *assembler.Assembler
	Assessor  *continuity.Assessor
	Hooks     HookSource
	Entities  EntityGate
	Style     StyleSource
	Adapter   llm.Adapter
	Limiter   *limiter.Limiter
}

type Options struct {
	AgentID         string       `json:"agent_id,omitempty"`
	Outline         string       `json:"outline,omitempty"`
	ChapterCard     *ChapterCard `json:"chapter_card,omitempty"`
	EnableWebSearch bool         `json:"enable_web_search,omitempty"`
}

// ContinuityGate reports the outcome of the assess and repair loop.
type ContinuityGate struct {
	Score          float64            `json:"score"`
	Verdict        continuity.Verdict `json:"verdict"`
	Issues         []continuity.Issue `json:"issues"`
	Metrics        continuity.Metrics `json:"metrics"`
	RepairAttempts int                `json:"repair_attempts"`
	PassScore      float64            `json:"pass_score"`
	RejectScore    float64            `json:"reject_score"`
}

// PostProcess lists the extraction jobs enqueued after a commit. Errors are
// soft failures; the committed content is never rolled back.
type PostProcess struct {
	Enqueued []string `json:"enqueued"`
	Errors   []string `json:"errors,omitempty"`
}

type Result struct {
	ChapterID       string         `json:"chapter_id"`
	VersionID       string         `json:"version_id"`
	Content         string         `json:"content"`
	WordCount       int            `json:"word_count"`
	PendingReview   bool           `json:"pending_review"`
	ContinuityGate  ContinuityGate `json:"continuity_gate"`
	PostProcess     PostProcess    `json:"post_process"`
	ContextWarnings []string       `json:"context_warnings,omitempty"`
}

// Service is the generation orchestrator.
type Service struct {
	store     Store
	assembler *assembler.Assembler
	assessor  *continuity.Assessor
	hooks     HookSource
	entities  EntityGate
	style     StyleSource
	adapter   llm.Adapter
	limiter   *limiter.Limiter
	cfg       Config
	logger    *slog.Logger

	inFlight sync.Map // chapter id -> struct{}
}

func New(d Deps, cfg Config) (*Service, error) {
	if d.Store == nil || d.Assembler == nil || d.Assessor == nil || d.Adapter == nil || d.Limiter == nil {
		return nil, errors.New("generation: store, assembler, assessor, adapter and limiter are required")
	}
	if cfg.MaxRepairAttempts < 0 {
		return nil, fmt.Errorf("generation: max repair attempts must be >= 0, got %d", cfg.MaxRepairAttempts)
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &Service{
		store:     d.Store,
		assembler: d.Assembler,
		assessor:  d.Assessor,
		hooks:     d.Hooks,
		entities:  d.Entities,
		style:     d.Style,
		adapter:   d.Adapter,
		limiter:   d.Limiter,
		cfg:       cfg,
		logger:    slog.Default().With("component", "generation"),
	}, nil
}

func (s *Service) ContinuityConfig() continuity.Config { return s.assessor.Config() }

// Lock takes the in-process advisory lock for a chapter. A second caller
// for the same chapter gets ErrGenerationInProgress instead of waiting.
func (s *Service) Lock(chapterID string) (unlock func(), err error) {
	if _, busy := s.inFlight.LoadOrStore(chapterID, struct{}{}); busy {
		return nil, fmt.Errorf("chapter %s: %w", chapterID, ErrGenerationInProgress)
	}
	return func() { s.inFlight.Delete(chapterID) }, nil
}

// Plan is everything needed to draft and assess one chapter.
type Plan struct {
	Novel           novel.Novel
	Chapter         novel.Chapter
	Messages        []llm.Message
	Model           string
	Temperature     float64
	MaxTokens       int
	WebSearch       bool
	ContextWarnings []string
	// Continuity is the assessment input without the draft.
	Continuity continuity.Input
}

// Prepare checks the preconditions and builds the prompt for a chapter.
// It never mutates state.
func (s *Service) Prepare(ctx context.Context, chapterID string, opts Options) (*Plan, error) {
	ch, err := s.store.GetChapter(chapterID)
	if err != nil {
		return nil, fmt.Errorf("loading chapter %s: %w", chapterID, err)
	}
	n, err := s.store.GetNovel(ch.NovelID)
	if err != nil {
		return nil, fmt.Errorf("loading novel %s: %w", ch.NovelID, err)
	}
	if err := s.checkPreconditions(n, ch); err != nil {
		return nil, err
	}

	agent, err := s.agent(opts.AgentID)
	if err != nil {
		return nil, err
	}

	previous, err := s.store.ChaptersBefore(n.ID, ch.Order, historyChapters)
	if err != nil {
		return nil, fmt.Errorf("loading previous chapters: %w", err)
	}

	plan := &Plan{
		Novel:       n,
		Chapter:     ch,
		Model:       agent.Model,
		Temperature: agent.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
		WebSearch:   opts.EnableWebSearch,
		Continuity:  continuity.Input{PreviousChapters: previous},
	}

	narrative, err := s.assembler.Assemble(n.ID, ch.Order, s.cfg.Budget)
	if err != nil {
		s.logger.Warn("context assembly failed, using chapter endings", "chapter", ch.ID, "error", err)
		narrative = assembler.Result{Context: assembler.Fallback(previous), Truncated: true}
		plan.ContextWarnings = append(plan.ContextWarnings, "context assembly failed: "+err.Error())
	}
	plan.ContextWarnings = append(plan.ContextWarnings, narrative.Warnings...)

	if summaries, err := s.store.SummariesBefore(n.ID, ch.Order, historySummaries); err != nil {
		s.logger.Warn("loading summaries for continuity failed", "chapter", ch.ID, "error", err)
	} else {
		plan.Continuity.Summaries = summaries
	}

	var hookContext string
	if s.hooks != nil {
		if active, err := s.hooks.ActiveBefore(n.ID, ch.Order); err != nil {
			s.logger.Warn("loading active hooks failed", "chapter", ch.ID, "error", err)
		} else {
			for _, h := range active {
				plan.Continuity.ActiveHooks = append(plan.Continuity.ActiveHooks, h.Description)
			}
		}
		if hookContext, err = s.hooks.FormatForContext(n.ID, ch.Order); err != nil {
			s.logger.Warn("formatting hooks failed", "chapter", ch.ID, "error", err)
			hookContext = ""
		}
	}

	var styleText string
	if s.style != nil {
		if styleText, err = s.style.Prompt(n.ID); err != nil {
			s.logger.Warn("loading style guide failed", "novel", n.ID, "error", err)
			styleText = ""
		}
	}

	outline := opts.Outline
	if strings.TrimSpace(outline) == "" {
		outline = ch.Outline
	}
	plan.Messages = promptParts{
		systemPrompt: agent.SystemPrompt,
		style:        styleText,
		context:      narrative.Context,
		hooks:        hookContext,
		card:         opts.ChapterCard,
		outline:      outline,
		chapter:      ch,
	}.messages()
	return plan, nil
}

func (s *Service) checkPreconditions(n novel.Novel, ch novel.Chapter) error {
	fail := func(reason string) error {
		return &PreconditionError{ChapterID: ch.ID, Reason: reason}
	}
	if !n.DraftingAllowed() {
		return fail(fmt.Sprintf("novel is at stage %q; drafting requires a chapter plan", n.Stage))
	}
	if ch.Stage == novel.StageCompleted {
		return fail("chapter is already completed")
	}
	incomplete, err := s.store.IncompleteChaptersBefore(n.ID, ch.Order)
	if err != nil {
		return fmt.Errorf("checking earlier chapters: %w", err)
	}
	if len(incomplete) > 0 {
		orders := make([]string, len(incomplete))
		for i, c := range incomplete {
			orders[i] = fmt.Sprintf("%d (%s)", c.Order, c.Stage)
		}
		return fail("earlier chapters are not completed: " + strings.Join(orders, ", "))
	}
	if s.entities != nil {
		if err := s.entities.Require(n.ID, ch.Order); err != nil {
			var blocked *entities.BlockedError
			if errors.As(err, &blocked) {
				return &PreconditionError{
					ChapterID:       ch.ID,
					Reason:          "unconfirmed entities must be confirmed first",
					PendingEntities: blocked.Names(),
					Err:             err,
				}
			}
			return fmt.Errorf("checking pending entities: %w", err)
		}
	}
	return nil
}

func (s *Service) agent(id string) (Agent, error) {
	a := Agent{Model: s.cfg.Model, Temperature: s.cfg.Temperature}
	if id == "" {
		return a, nil
	}
	custom, ok := s.cfg.Agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("unknown agent %q", id)
	}
	if custom.Model != "" {
		a.Model = custom.Model
	}
	if custom.Temperature > 0 {
		a.Temperature = custom.Temperature
	}
	a.SystemPrompt = custom.SystemPrompt
	return a, nil
}

// Complete runs one model call through the shared limiter and returns the
// cleaned draft.
func (s *Service) Complete(ctx context.Context, plan *Plan, messages []llm.Message, temperature float64) (string, error) {
	req := llm.Request{
		Messages:    messages,
		Model:       plan.Model,
		Temperature: temperature,
		MaxTokens:   plan.MaxTokens,
		WebSearch:   plan.WebSearch,
	}
	resp, err := limiter.Do(ctx, s.limiter, func(ctx context.Context) (llm.Response, error) {
		return s.adapter.Generate(ctx, req)
	})
	if err != nil {
		return "", err
	}
	draft := cleanDraft(resp.Content)
	if draft == "" {
		return "", llm.ErrEmptyResponse
	}
	s.logger.Debug("draft generated", "chapter", plan.Chapter.ID, "temperature", temperature,
		"prompt_tokens", resp.Usage.PromptTokens, "completion_tokens", resp.Usage.CompletionTokens)
	return draft, nil
}

// Assess scores a draft against the plan's history.
func (s *Service) Assess(plan *Plan, draft string) continuity.Assessment {
	in := plan.Continuity
	in.Draft = draft
	return s.assessor.Assess(in)
}

// GenerateChapter drafts a chapter, repairs it until it passes the
// continuity gate or attempts run out, and commits it unless rejected.
func (s *Service) GenerateChapter(ctx context.Context, chapterID string, opts Options) (Result, error) {
	unlock, err := s.Lock(chapterID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	plan, err := s.Prepare(ctx, chapterID, opts)
	if err != nil {
		return Result{}, err
	}

	draft, err := s.Complete(ctx, plan, plan.Messages, plan.Temperature)
	if err != nil {
		return Result{}, fmt.Errorf("drafting chapter %d: %w", plan.Chapter.Order, err)
	}
	assessment := s.Assess(plan, draft)

	attempts := 0
	for assessment.Verdict != continuity.VerdictPass && attempts < s.cfg.MaxRepairAttempts {
		attempts++
		s.logger.Info("repairing draft", "chapter", plan.Chapter.ID, "attempt", attempts,
			"score", assessment.Score, "verdict", assessment.Verdict, "issues", len(assessment.Issues))
		repaired, err := s.Complete(ctx, plan, repairMessages(plan.Messages, draft, assessment.Issues), plan.Temperature)
		if err != nil {
			return Result{}, fmt.Errorf("repairing chapter %d (attempt %d): %w", plan.Chapter.Order, attempts, err)
		}
		draft = repaired
		assessment = s.Assess(plan, draft)
	}

	gate := s.gate(assessment, attempts)
	if assessment.Verdict == continuity.VerdictReject {
		s.logger.Warn("draft rejected by continuity gate", "chapter", plan.Chapter.ID, "score", assessment.Score, "repair_attempts", attempts)
		return Result{}, &ContinuityRejectedError{ChapterID: chapterID, Assessment: assessment, RepairAttempts: attempts}
	}

	res, err := s.commit(plan.Chapter, draft, SourceGenerate, assessment, false)
	if err != nil {
		return Result{}, err
	}
	res.ContinuityGate = gate
	res.ContextWarnings = plan.ContextWarnings
	return res, nil
}

// SelectBranch commits a cached branch candidate as the chapter content and
// clears the chapter's branch cache.
func (s *Service) SelectBranch(ctx context.Context, chapterID, branchID string) (Result, error) {
	unlock, err := s.Lock(chapterID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	b, err := s.store.GetBranch(branchID)
	if err != nil {
		return Result{}, fmt.Errorf("loading branch %s: %w", branchID, err)
	}
	if b.ChapterID != chapterID {
		return Result{}, fmt.Errorf("branch %s of chapter %s: %w", branchID, chapterID, storage.ErrNotFound)
	}
	ch, err := s.store.GetChapter(chapterID)
	if err != nil {
		return Result{}, fmt.Errorf("loading chapter %s: %w", chapterID, err)
	}
	if ch.Stage == novel.StageCompleted {
		return Result{}, &PreconditionError{ChapterID: chapterID, Reason: "chapter is already completed"}
	}

	var issues []continuity.Issue
	if b.ContinuityIssues != "" {
		if err := json.Unmarshal([]byte(b.ContinuityIssues), &issues); err != nil {
			s.logger.Warn("decoding branch issues failed", "branch", branchID, "error", err)
		}
	}
	assessment := continuity.Assessment{
		Score:   b.ContinuityScore,
		Verdict: continuity.Verdict(b.ContinuityVerdict),
		Issues:  issues,
	}
	res, err := s.commit(ch, b.Content, SourceBranch, assessment, true)
	if err != nil {
		return Result{}, err
	}
	res.ContinuityGate = s.gate(assessment, 0)
	return res, nil
}

func (s *Service) gate(a continuity.Assessment, attempts int) ContinuityGate {
	cfg := s.assessor.Config()
	return ContinuityGate{
		Score:          a.Score,
		Verdict:        a.Verdict,
		Issues:         a.Issues,
		Metrics:        a.Metrics,
		RepairAttempts: attempts,
		PassScore:      cfg.PassScore,
		RejectScore:    cfg.RejectScore,
	}
}

func (s *Service) commit(ch novel.Chapter, content, source string, a continuity.Assessment, clearBranches bool) (Result, error) {
	pending := a.Verdict != continuity.VerdictPass
	versionID, err := s.store.CommitChapterDraft(storage.ChapterCommit{
		ChapterID:         ch.ID,
		Content:           content,
		Stage:             novel.StageGenerated,
		PendingReview:     pending,
		Source:            source,
		ContinuityScore:   a.Score,
		ContinuityVerdict: string(a.Verdict),
		ClearBranches:     clearBranches,
	})
	if err != nil {
		return Result{}, fmt.Errorf("committing chapter %d: %w", ch.Order, err)
	}
	s.logger.Info("chapter committed", "chapter", ch.ID, "order", ch.Order, "version", versionID,
		"source", source, "score", a.Score, "verdict", a.Verdict, "pending_review", pending)

	return Result{
		ChapterID:     ch.ID,
		VersionID:     versionID,
		Content:       content,
		WordCount:     novel.CountWords(content),
		PendingReview: pending,
		PostProcess:   s.enqueuePostProcess(ch.ID, versionID),
	}, nil
}

var postProcessJobs = []string{jobs.TypeExtractSummary, jobs.TypeExtractHooks, jobs.TypeExtractEntities}

func (s *Service) enqueuePostProcess(chapterID, versionID string) PostProcess {
	pp := PostProcess{Enqueued: []string{}}
	input, err := json.Marshal(jobs.ChapterInput{ChapterID: chapterID, VersionID: versionID})
	if err != nil {
		pp.Errors = append(pp.Errors, "encoding job input: "+err.Error())
		return pp
	}
	for _, jobType := range postProcessJobs {
		err := s.store.EnqueueJob(storage.Job{ID: uuid.New().String(), Type: jobType, InputJSON: string(input)})
		if err != nil {
			s.logger.Warn("enqueueing post-processing failed", "chapter", chapterID, "type", jobType, "error", err)
			pp.Errors = append(pp.Errors, fmt.Sprintf("%s: %v", jobType, err))
			continue
		}
		pp.Enqueued = append(pp.Enqueued, jobType)
	}
	return pp
}
