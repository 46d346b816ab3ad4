package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/inkwell/internal/branches"
	"github.com/kalambet/inkwell/internal/generation"
	"github.com/kalambet/inkwell/internal/jobs"
	"github.com/kalambet/inkwell/internal/storage"
)

var errNoContent = errors.New("no committed content to extract from")

type enqueueJobRequest struct {
	Type      string          `json:"type"`
	ChapterID string          `json:"chapter_id"`
	Options   json.RawMessage `json:"options"`
}

// handleEnqueueJob queues a generation, branch or extraction job for a
// chapter. Extraction jobs run against the chapter's latest version.
func handleEnqueueJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enqueueJobRequest
		if !decodeBody(w, r, maxGenerateBodySize, &req) {
			return
		}
		if req.ChapterID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "chapter_id is required")
			return
		}
		if _, err := deps.Store.GetChapter(req.ChapterID); err != nil {
			writeError(w, r, err)
			return
		}

		var (
			id  string
			err error
		)
		switch req.Type {
		case jobs.TypeGenerateChapter:
			var opts generation.Options
			if !decodeOptions(w, req.Options, &opts) {
				return
			}
			id, err = deps.Generator.Enqueue(req.ChapterID, opts)
		case jobs.TypeGenerateBranches:
			var opts branches.Options
			if !decodeOptions(w, req.Options, &opts) {
				return
			}
			id, err = deps.Branches.Enqueue(req.ChapterID, opts)
		case jobs.TypeExtractSummary, jobs.TypeExtractHooks, jobs.TypeExtractEntities:
			id, err = enqueueExtraction(deps.Store, req.Type, req.ChapterID)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown job type %q", req.Type)
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, queuedResponse{JobID: id, Status: storage.JobQueued})
	}
}

func decodeOptions(w http.ResponseWriter, raw json.RawMessage, v any) bool {
	if len(raw) == 0 {
		return true
	}
	if err := json.Unmarshal(raw, v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid options: %v", err)
		return false
	}
	return true
}

func enqueueExtraction(store *storage.Store, jobType, chapterID string) (string, error) {
	versions, err := store.ListVersions(chapterID)
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "", fmt.Errorf("chapter %s: %w", chapterID, errNoContent)
	}
	input, err := json.Marshal(jobs.ChapterInput{ChapterID: chapterID, VersionID: versions[0].ID})
	if err != nil {
		return "", err
	}
	id := uuid.New().String()
	if err := store.EnqueueJob(storage.Job{ID: id, Type: jobType, InputJSON: string(input)}); err != nil {
		return "", err
	}
	return id, nil
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, err := deps.Store.GetJob(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toJobView(j))
	}
}

func handleListJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		switch status {
		case "", storage.JobQueued, storage.JobRunning, storage.JobSucceeded, storage.JobFailed:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown job status %q", status)
			return
		}
		list, err := deps.Store.ListJobs(status, parseIntParam(r, "limit", 20, 100))
		if err != nil {
			writeError(w, r, err)
			return
		}
		out := make([]jobView, len(list))
		for i, j := range list {
			out[i] = toJobView(j)
		}
		writeJSON(w, http.StatusOK, out)
	}
}
