// Package manuscript imports chapters written outside inkwell from text,
// markdown or PDF files. Imported chapters are stored as completed so that
// generation can continue after them.
package manuscript

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kalambet/inkwell/internal/jobs"
	"github.com/kalambet/inkwell/internal/novel"
	"github.com/kalambet/inkwell/internal/storage"
)

const SourceImport = "import"

var ErrChapterExists = errors.New("chapter already has content")

// Store is the persistence the importer needs. Implemented by storage.Store.
type Store interface {
	GetNovel(id string) (novel.Novel, error)
	GetChapterByOrder(novelID string, order int) (novel.Chapter, error)
	CreateChapter(c novel.Chapter) error
	CommitChapterDraft(c storage.ChapterCommit) (string, error)
	AdvanceNovelStage(id string, stage novel.Stage) (novel.Stage, error)
	EnqueueJob(job storage.Job) error
}

type Options struct {
	// StartOrder is the order of the first imported chapter. Defaults to 1.
	StartOrder int `json:"start_order,omitempty"`
	// Overwrite replaces the content of existing chapters.
	Overwrite bool `json:"overwrite,omitempty"`
	// Extract enqueues summary, hook and entity extraction for every
	// imported chapter.
	Extract bool `json:"extract,omitempty"`
}

type ImportedChapter struct {
	ChapterID string `json:"chapter_id"`
	VersionID string `json:"version_id"`
	Order     int    `json:"order"`
	Title     string `json:"title"`
	WordCount int    `json:"word_count"`
}

type Result struct {
	NovelID  string            `json:"novel_id"`
	Chapters []ImportedChapter `json:"chapters"`
	// Enqueued counts extraction jobs; failures to enqueue are in Errors.
	Enqueued int      `json:"enqueued"`
	Errors   []string `json:"errors,omitempty"`
}

type Importer struct {
	store  Store
	logger *slog.Logger
}

func NewImporter(store Store) *Importer {
	return &Importer{store: store, logger: slog.Default().With("component", "manuscript")}
}

// ImportFile reads a manuscript named name from r and imports it.
func (im *Importer) ImportFile(novelID, name string, r io.Reader, opts Options) (Result, error) {
	format, err := FormatOf(name)
	if err != nil {
		return Result{}, err
	}
	data, err := readAll(r)
	if err != nil {
		return Result{}, fmt.Errorf("reading %s: %w", name, err)
	}
	text, err := ReadText(data, format)
	if err != nil {
		return Result{}, fmt.Errorf("reading %s: %w", name, err)
	}
	return im.Import(novelID, text, opts)
}

// Import splits text into chapters and stores each as completed, starting
// at opts.StartOrder. Existing chapters with content are refused unless
// opts.Overwrite is set; nothing is written when any chapter is refused.
func (im *Importer) Import(novelID, text string, opts Options) (Result, error) {
	n, err := im.store.GetNovel(novelID)
	if err != nil {
		return Result{}, fmt.Errorf("loading novel %s: %w", novelID, err)
	}
	sections := Split(text)
	if len(sections) == 0 {
		return Result{}, ErrEmptyManuscript
	}
	start := opts.StartOrder
	if start <= 0 {
		start = 1
	}

	existing := make(map[int]novel.Chapter)
	for i := range sections {
		order := start + i
		ch, err := im.store.GetChapterByOrder(n.ID, order)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("loading chapter %d: %w", order, err)
		}
		if ch.Content != "" && !opts.Overwrite {
			return Result{}, fmt.Errorf("chapter %d: %w", order, ErrChapterExists)
		}
		existing[order] = ch
	}

	res := Result{NovelID: n.ID, Chapters: make([]ImportedChapter, 0, len(sections))}
	for i, sec := range sections {
		order := start + i
		ch, ok := existing[order]
		if !ok {
			title := sec.Title
			if title == "" {
				title = fmt.Sprintf("Chapter %d", order)
			}
			ch = novel.Chapter{ID: uuid.New().String(), NovelID: n.ID, Order: order, Title: title, Stage: novel.StageChapters}
			if err := im.store.CreateChapter(ch); err != nil {
				return res, fmt.Errorf("creating chapter %d: %w", order, err)
			}
		}
		versionID, err := im.store.CommitChapterDraft(storage.ChapterCommit{
			ChapterID: ch.ID,
			Content:   sec.Content,
			Stage:     novel.StageCompleted,
			Source:    SourceImport,
		})
		if err != nil {
			return res, fmt.Errorf("storing chapter %d: %w", order, err)
		}
		res.Chapters = append(res.Chapters, ImportedChapter{
			ChapterID: ch.ID,
			VersionID: versionID,
			Order:     order,
			Title:     ch.Title,
			WordCount: novel.CountWords(sec.Content),
		})
		if opts.Extract {
			im.enqueueExtraction(&res, ch.ID, versionID)
		}
	}

	// Imported chapters are already written; the novel can be drafted after them.
	if _, err := im.store.AdvanceNovelStage(n.ID, novel.StageChapters); err != nil {
		return res, fmt.Errorf("advancing novel stage: %w", err)
	}

	im.logger.Info("manuscript imported", "novel", n.ID, "chapters", len(res.Chapters), "start", start, "extraction_jobs", res.Enqueued)
	return res, nil
}

func (im *Importer) enqueueExtraction(res *Result, chapterID, versionID string) {
	input, err := json.Marshal(jobs.ChapterInput{ChapterID: chapterID, VersionID: versionID})
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return
	}
	for _, jobType := range []string{jobs.TypeExtractSummary, jobs.TypeExtractHooks, jobs.TypeExtractEntities} {
		if err := im.store.EnqueueJob(storage.Job{ID: uuid.New().String(), Type: jobType, InputJSON: string(input)}); err != nil {
			im.logger.Warn("enqueueing extraction failed", "chapter", chapterID, "type", jobType, "error", err)
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", jobType, err))
			continue
		}
		res.Enqueued++
	}
}
