package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/inkwell/internal/branches"
	"github.com/kalambet/inkwell/internal/generation"
	"github.com/kalambet/inkwell/internal/hooks"
	"github.com/kalambet/inkwell/internal/limiter"
	"github.com/kalambet/inkwell/internal/manuscript"
	"github.com/kalambet/inkwell/internal/novel"
	"github.com/kalambet/inkwell/internal/storage"
)

// ChapterGenerator drafts chapters inline or through the job queue.
// Implemented by generation.Service.
type ChapterGenerator interface {
	GenerateChapter(ctx context.Context, chapterID string, opts generation.Options) (generation.Result, error)
	SelectBranch(ctx context.Context, chapterID, branchID string) (generation.Result, error)
	Enqueue(chapterID string, opts generation.Options) (string, error)
}

// BranchGenerator drafts ranked alternatives. Implemented by branches.Generator.
type BranchGenerator interface {
	GenerateBranches(ctx context.Context, chapterID string, opts branches.Options) (branches.Result, error)
	Enqueue(chapterID string, opts branches.Options) (string, error)
}

// HookTracker reports and closes narrative hooks. Implemented by hooks.Tracker.
type HookTracker interface {
	OverdueHooks(novelID string, currentChapter int) ([]hooks.Overdue, error)
	RecordResolved(novelID, description string, chapter int, note string) (novel.NarrativeHook, error)
	RecordAbandoned(novelID, description, reason string) (novel.NarrativeHook, error)
	HooksForCharacter(novelID, name string) (hooks.CharacterHooks, error)
}

// EntityConfirmer confirms pending entities. Implemented by entities.Gate.
type EntityConfirmer interface {
	Confirm(entityID string) (novel.PendingEntity, error)
}

// ManuscriptImporter imports prior chapters. Implemented by manuscript.Importer.
type ManuscriptImporter interface {
	ImportFile(novelID, name string, r io.Reader, opts manuscript.Options) (manuscript.Result, error)
	Import(novelID, text string, opts manuscript.Options) (manuscript.Result, error)
}

// StyleGuides reads and writes per-novel style guides. Implemented by style.Manager.
type StyleGuides interface {
	Get(novelID string) (storage.StyleGuide, error)
	Save(g storage.StyleGuide) error
}

type AppDeps struct {
	Store     *storage.Store
	Generator ChapterGenerator
	Branches  BranchGenerator
	Hooks     HookTracker
	Entities  EntityConfirmer
	Importer  ManuscriptImporter
	Style     StyleGuides
	// Limiter, when set, adds model call statistics to /health.
	Limiter *limiter.Limiter
	Token   string
}

// NewAppHandler returns the REST API. Everything except /health requires the
// bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(requireToken(deps.Token))

		r.Post("/novels", handleCreateNovel(deps))
		r.Get("/novels", handleListNovels(deps))
		r.Get("/novels/{id}", handleGetNovel(deps))
		r.Post("/novels/{id}/stage", handleAdvanceNovel(deps))
		r.Post("/novels/{id}/chapters", handleCreateChapter(deps))
		r.Get("/novels/{id}/chapters", handleListChapters(deps))
		r.Post("/novels/{id}/import", handleImport(deps))
		r.Get("/novels/{id}/style", handleGetStyle(deps))
		r.Put("/novels/{id}/style", handlePutStyle(deps))
		r.Get("/novels/{id}/hooks", handleListHooks(deps))
		r.Get("/novels/{id}/hooks/overdue", handleOverdueHooks(deps))
		r.Post("/novels/{id}/hooks/resolve", handleResolveHook(deps))
		r.Post("/novels/{id}/hooks/abandon", handleAbandonHook(deps))
		r.Get("/novels/{id}/characters/{name}/hooks", handleCharacterHooks(deps))
		r.Get("/novels/{id}/entities", handleListEntities(deps, false))
		r.Get("/novels/{id}/entities/pending", handleListEntities(deps, true))

		r.Get("/chapters/{id}", handleGetChapter(deps))
		r.Post("/chapters/{id}/stage", handleAdvanceChapter(deps))
		r.Get("/chapters/{id}/versions", handleListVersions(deps))
		r.Post("/chapters/{id}/generate", handleGenerate(deps))
		r.Post("/chapters/{id}/branches", handleGenerateBranches(deps))
		r.Get("/chapters/{id}/branches", handleListBranches(deps))
		r.Post("/chapters/{id}/branches/{branchID}/select", handleSelectBranch(deps))

		r.Post("/entities/{id}/confirm", handleConfirmEntity(deps))

		r.Post("/jobs", handleEnqueueJob(deps))
		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Ping(); err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "storage unavailable: %v", err)
			return
		}
		body := map[string]any{"status": "ok"}
		if deps.Limiter != nil {
			body["limiter"] = deps.Limiter.Stats()
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// --- Novels ---

type createNovelRequest struct {
	Title string `json:"title"`
	Stage string `json:"stage"`
}

func handleCreateNovel(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createNovelRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		req.Title = strings.TrimSpace(req.Title)
		if req.Title == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "title is required")
			return
		}
		stage := novel.StageSeeded
		if req.Stage != "" {
			st, err := novel.ParseStage(req.Stage)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			stage = st
		}
		n := novel.Novel{ID: uuid.New().String(), Title: req.Title, Stage: stage, CreatedAt: time.Now().UTC()}
		if err := deps.Store.CreateNovel(n); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toNovelView(n))
	}
}

func handleListNovels(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		novels, err := deps.Store.ListNovels()
		if err != nil {
			writeError(w, r, err)
			return
		}
		out := make([]novelView, len(novels))
		for i, n := range novels {
			out[i] = toNovelView(n)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetNovel(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Store.GetNovel(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toNovelView(n))
	}
}

type stageRequest struct {
	Stage string `json:"stage"`
}

func handleAdvanceNovel(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req stageRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		st, err := novel.ParseStage(req.Stage)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		got, err := deps.Store.AdvanceNovelStage(chi.URLParam(r, "id"), st)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"stage": string(got)})
	}
}

// --- Chapters ---

type createChapterRequest struct {
	Order   int    `json:"order"`
	Title   string `json:"title"`
	Outline string `json:"outline"`
	Stage   string `json:"stage"`
}

func handleCreateChapter(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		novelID := chi.URLParam(r, "id")
		var req createChapterRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.Order < 1 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "order must be >= 1")
			return
		}
		if _, err := deps.Store.GetNovel(novelID); err != nil {
			writeError(w, r, err)
			return
		}
		if _, err := deps.Store.GetChapterByOrder(novelID, req.Order); err == nil {
			httpError(w, http.StatusConflict, "conflict_error", "chapter %d already exists", req.Order)
			return
		}
		stage := novel.StageSeeded
		if req.Stage != "" {
			st, err := novel.ParseStage(req.Stage)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			stage = st
		}
		c := novel.Chapter{
			ID: uuid.New().String(), NovelID: novelID, Order: req.Order,
			Title: strings.TrimSpace(req.Title), Outline: req.Outline, Stage: stage, UpdatedAt: time.Now().UTC(),
		}
		if err := deps.Store.CreateChapter(c); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toChapterView(c, false))
	}
}

func handleListChapters(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chapters, err := deps.Store.ListChapters(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		out := make([]chapterView, len(chapters))
		for i, c := range chapters {
			out[i] = toChapterView(c, false)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetChapter(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := deps.Store.GetChapter(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toChapterView(c, true))
	}
}

func handleAdvanceChapter(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req stageRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		st, err := novel.ParseStage(req.Stage)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		got, err := deps.Store.AdvanceChapterStage(chi.URLParam(r, "id"), st)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"stage": string(got)})
	}
}

func handleListVersions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetChapter(id); err != nil {
			writeError(w, r, err)
			return
		}
		versions, err := deps.Store.ListVersions(id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		out := make([]versionView, len(versions))
		for i, v := range versions {
			out[i] = toVersionView(v)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// --- Style ---

func handleGetStyle(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		novelID := chi.URLParam(r, "id")
		if _, err := deps.Store.GetNovel(novelID); err != nil {
			writeError(w, r, err)
			return
		}
		g, err := deps.Style.Get(novelID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toStyleView(g))
	}
}

func handlePutStyle(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		novelID := chi.URLParam(r, "id")
		var req styleView
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if _, err := deps.Store.GetNovel(novelID); err != nil {
			writeError(w, r, err)
			return
		}
		g := storage.StyleGuide{NovelID: novelID, POV: req.POV, Tense: req.Tense, Tone: req.Tone, Rules: req.Rules}
		if err := deps.Style.Save(g); err != nil {
			writeError(w, r, err)
			return
		}
		saved, err := deps.Style.Get(novelID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toStyleView(saved))
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func parseBoolParam(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}
