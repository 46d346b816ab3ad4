// Package extraction turns a committed chapter into structured story
// memory: its summary, narrative hook changes and newly introduced entities.
// Each task runs as a queued job after a chapter is committed.
package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/inkwell/internal/hooks"
	"github.com/kalambet/inkwell/internal/jobs"
	"github.com/kalambet/inkwell/internal/limiter"
	"github.com/kalambet/inkwell/internal/llm"
	"github.com/kalambet/inkwell/internal/novel"
	"github.com/kalambet/inkwell/internal/storage"
	"github.com/kalambet/inkwell/internal/structured"
)

const (
	extractionTemperature = 0.2
	extractionMaxTokens   = 2000
)

var (
	summaryValidator  = structured.MustValidator("chapter_summary", summarySchema)
	hooksValidator    = structured.MustValidator("chapter_hooks", hooksSchema)
	entitiesValidator = structured.MustValidator("chapter_entities", entitiesSchema)
)

// ErrUnparseable is returned when the model output holds no usable JSON.
// The job is retried with backoff.
var ErrUnparseable = errors.New("extraction output could not be parsed")

// Store is the persistence extraction reads chapters from and writes
// summaries to. Implemented by storage.Store.
type Store interface {
	GetChapter(id string) (novel.Chapter, error)
	ListVersions(chapterID string) ([]novel.ChapterVersion, error)
	UpsertSummary(sum novel.ChapterSummary) error
}

// HookRecorder applies hook lifecycle changes. Implemented by *hooks.Tracker.
type HookRecorder interface {
	ActiveBefore(novelID string, chapterOrder int) ([]novel.NarrativeHook, error)
	RecordPlanted(h novel.NarrativeHook) (novel.NarrativeHook, error)
	RecordReferenced(novelID, description string, chapter int) (novel.NarrativeHook, error)
	RecordResolved(novelID, description string, chapter int, note string) (novel.NarrativeHook, error)
}

// EntityRecorder records introduced entities. Implemented by *entities.Gate.
type EntityRecorder interface {
	Record(e novel.PendingEntity) (novel.PendingEntity, error)
}

// Extractor runs the three extraction tasks against the model adapter.
type Extractor struct {
	store    Store
	hooks    HookRecorder
	entities EntityRecorder
	adapter  llm.Adapter
	limiter  *limiter.Limiter
	model    string
	logger   *slog.Logger
}

func NewExtractor(store Store, hooks HookRecorder, entities EntityRecorder, adapter llm.Adapter, lim *limiter.Limiter, model string) *Extractor {
	return &Extractor{
		store:    store,
		hooks:    hooks,
		entities: entities,
		adapter:  adapter,
		limiter:  lim,
		model:    model,
		logger:   slog.Default().With("component", "extraction"),
	}
}

// Register installs the extraction handlers on w.
func (e *Extractor) Register(w *jobs.Worker) {
	w.Register(jobs.TypeExtractSummary, e.HandleSummary)
	w.Register(jobs.TypeExtractHooks, e.HandleHooks)
	w.Register(jobs.TypeExtractEntities, e.HandleEntities)
}

// Outcome is the JSON output stored on a finished extraction job.
type Outcome struct {
	ChapterID string   `json:"chapter_id"`
	Skipped   string   `json:"skipped,omitempty"`
	Applied   int      `json:"applied"`
	Warnings  []string `json:"warnings,omitempty"`
}

func (o Outcome) encode() (string, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("encoding outcome: %w", err)
	}
	return string(b), nil
}

// load returns the chapter and the text to extract from. A job whose
// version has been superseded by a newer commit is skipped: the newer
// commit enqueued its own extraction.
func (e *Extractor) load(job storage.Job) (novel.Chapter, string, string, error) {
	var in jobs.ChapterInput
	if err := json.Unmarshal([]byte(job.InputJSON), &in); err != nil {
		return novel.Chapter{}, "", "", fmt.Errorf("parsing input: %w", err)
	}
	if in.ChapterID == "" {
		return novel.Chapter{}, "", "", fmt.Errorf("job %s: chapter_id is required", job.ID)
	}
	ch, err := e.store.GetChapter(in.ChapterID)
	if err != nil {
		return novel.Chapter{}, "", "", fmt.Errorf("loading chapter %s: %w", in.ChapterID, err)
	}
	if in.VersionID == "" {
		return ch, ch.Content, "", nil
	}
	versions, err := e.store.ListVersions(ch.ID)
	if err != nil {
		return novel.Chapter{}, "", "", fmt.Errorf("loading versions: %w", err)
	}
	if len(versions) > 0 && versions[0].ID != in.VersionID {
		return ch, "", "version superseded", nil
	}
	return ch, ch.Content, "", nil
}

// complete asks the model for JSON and returns the recovered value after
// schema validation.
func (e *Extractor) complete(ctx context.Context, messages []llm.Message, v *structured.Validator) (any, error) {
	req := llm.Request{
		Messages:       messages,
		Model:          e.model,
		Temperature:    extractionTemperature,
		MaxTokens:      extractionMaxTokens,
		ResponseFormat: llm.FormatJSON,
	}
	resp, err := limiter.Do(ctx, e.limiter, func(ctx context.Context) (llm.Response, error) {
		return e.adapter.Generate(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	res, _ := structured.Parse(resp.Content, structured.Options{})
	if !res.OK() {
		e.logger.Warn("extraction output unparseable", "error", res.ParseError, "response", truncate(res.Raw, 200))
		return nil, fmt.Errorf("%w: %s", ErrUnparseable, res.ParseError)
	}
	e.logger.Debug("extraction output parsed", "step", res.Step)
	if err := v.Validate(res.Value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	return res.Value, nil
}

// into re-encodes a validated value into a typed struct.
func into(value any, target any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, target)
}

// HandleSummary extracts and stores the chapter summary.
func (e *Extractor) HandleSummary(ctx context.Context, job storage.Job) (string, error) {
	ch, text, skipped, err := e.load(job)
	if err != nil {
		return "", err
	}
	out := Outcome{ChapterID: ch.ID, Skipped: skipped}
	if skipped != "" || strings.TrimSpace(text) == "" {
		if out.Skipped == "" {
			out.Skipped = "empty chapter"
		}
		return out.encode()
	}

	value, err := e.complete(ctx, buildMessages(summaryPrompt, ch, text, ""), summaryValidator)
	if err != nil {
		return "", fmt.Errorf("summarizing chapter %d: %w", ch.Order, err)
	}
	var sum novel.ChapterSummary
	if err := into(value, &sum); err != nil {
		return "", fmt.Errorf("decoding summary: %w", err)
	}
	sum.NovelID = ch.NovelID
	sum.ChapterNumber = ch.Order
	if err := e.store.UpsertSummary(sum); err != nil {
		return "", fmt.Errorf("storing summary: %w", err)
	}
	e.logger.Info("summary extracted", "chapter", ch.ID, "order", ch.Order, "events", len(sum.KeyEvents))
	out.Applied = 1
	return out.encode()
}

type hookChanges struct {
	Planted []struct {
		Description       string   `json:"description"`
		Type              string   `json:"type"`
		Importance        string   `json:"importance"`
		RelatedCharacters []string `json:"related_characters"`
	} `json:"planted"`
	Referenced []string `json:"referenced"`
	Resolved   []struct {
		Description string `json:"description"`
		Note        string `json:"note"`
	} `json:"resolved"`
}

// HandleHooks extracts hook changes and applies them to the tracker.
// Changes that match no open hook are reported as warnings, not failures.
func (e *Extractor) HandleHooks(ctx context.Context, job storage.Job) (string, error) {
	ch, text, skipped, err := e.load(job)
	if err != nil {
		return "", err
	}
	out := Outcome{ChapterID: ch.ID, Skipped: skipped}
	if skipped != "" || strings.TrimSpace(text) == "" {
		if out.Skipped == "" {
			out.Skipped = "empty chapter"
		}
		return out.encode()
	}

	open, err := e.hooks.ActiveBefore(ch.NovelID, ch.Order+1)
	if err != nil {
		return "", fmt.Errorf("loading open hooks: %w", err)
	}
	value, err := e.complete(ctx, buildMessages(hooksPrompt, ch, text, openHooksSection(open)), hooksValidator)
	if err != nil {
		return "", fmt.Errorf("extracting hooks of chapter %d: %w", ch.Order, err)
	}
	var changes hookChanges
	if err := into(value, &changes); err != nil {
		return "", fmt.Errorf("decoding hook changes: %w", err)
	}

	soft := func(action, desc string, err error) error {
		if errors.Is(err, hooks.ErrNoMatchingHook) || errors.Is(err, hooks.ErrHookClosed) ||
			errors.Is(err, hooks.ErrInvalidReference) || errors.Is(err, hooks.ErrInvalidResolution) ||
			errors.Is(err, hooks.ErrInvalidDescription) {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s %q: %v", action, desc, err))
			return nil
		}
		return fmt.Errorf("%s %q: %w", action, desc, err)
	}

	for _, p := range changes.Planted {
		_, err := e.hooks.RecordPlanted(novel.NarrativeHook{
			NovelID:           ch.NovelID,
			Type:              novel.HookType(p.Type),
			Description:       p.Description,
			PlantedInChapter:  ch.Order,
			Importance:        novel.Importance(p.Importance),
			RelatedCharacters: p.RelatedCharacters,
		})
		if err != nil {
			if err := soft("plant", p.Description, err); err != nil {
				return "", err
			}
			continue
		}
		out.Applied++
	}
	for _, desc := range changes.Referenced {
		if _, err := e.hooks.RecordReferenced(ch.NovelID, desc, ch.Order); err != nil {
			if err := soft("reference", desc, err); err != nil {
				return "", err
			}
			continue
		}
		out.Applied++
	}
	for _, r := range changes.Resolved {
		if _, err := e.hooks.RecordResolved(ch.NovelID, r.Description, ch.Order, r.Note); err != nil {
			if err := soft("resolve", r.Description, err); err != nil {
				return "", err
			}
			continue
		}
		out.Applied++
	}

	if len(out.Warnings) > 0 {
		e.logger.Warn("some hook changes were not applied", "chapter", ch.ID, "warnings", len(out.Warnings))
	}
	e.logger.Info("hooks extracted", "chapter", ch.ID, "planted", len(changes.Planted),
		"referenced", len(changes.Referenced), "resolved", len(changes.Resolved), "applied", out.Applied)
	return out.encode()
}

type entityList struct {
	Entities []struct {
		Name        string `json:"name"`
		Kind        string `json:"kind"`
		Description string `json:"description"`
	} `json:"entities"`
}

// HandleEntities extracts named characters and organizations and records
// each as a pending entity. Already known entities are left untouched.
func (e *Extractor) HandleEntities(ctx context.Context, job storage.Job) (string, error) {
	ch, text, skipped, err := e.load(job)
	if err != nil {
		return "", err
	}
	out := Outcome{ChapterID: ch.ID, Skipped: skipped}
	if skipped != "" || strings.TrimSpace(text) == "" {
		if out.Skipped == "" {
			out.Skipped = "empty chapter"
		}
		return out.encode()
	}

	value, err := e.complete(ctx, buildMessages(entitiesPrompt, ch, text, ""), entitiesValidator)
	if err != nil {
		return "", fmt.Errorf("extracting entities of chapter %d: %w", ch.Order, err)
	}
	var list entityList
	if err := into(value, &list); err != nil {
		return "", fmt.Errorf("decoding entities: %w", err)
	}
	for _, ent := range list.Entities {
		if strings.TrimSpace(ent.Name) == "" {
			continue
		}
		_, err := e.entities.Record(novel.PendingEntity{
			NovelID:             ch.NovelID,
			Name:                ent.Name,
			Kind:                novel.EntityKind(ent.Kind),
			Description:         ent.Description,
			IntroducedInChapter: ch.Order,
		})
		if err != nil {
			return "", err
		}
		out.Applied++
	}
	e.logger.Info("entities extracted", "chapter", ch.ID, "count", out.Applied)
	return out.encode()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
