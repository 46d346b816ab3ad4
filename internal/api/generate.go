package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/inkwell/internal/branches"
	"github.com/kalambet/inkwell/internal/generation"
)

// maxGenerateBodySize leaves room for long outlines and revision feedback.
const maxGenerateBodySize = 4 << 20

type queuedResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func handleGenerate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chapterID := chi.URLParam(r, "id")
		var opts generation.Options
		if !decodeBody(w, r, maxGenerateBodySize, &opts) {
			return
		}

		if parseBoolParam(r, "async") {
			if _, err := deps.Store.GetChapter(chapterID); err != nil {
				writeError(w, r, err)
				return
			}
			id, err := deps.Generator.Enqueue(chapterID, opts)
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusAccepted, queuedResponse{JobID: id, Status: "queued"})
			return
		}

		res, err := deps.Generator.GenerateChapter(r.Context(), chapterID, opts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleGenerateBranches(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chapterID := chi.URLParam(r, "id")
		var opts branches.Options
		if !decodeBody(w, r, maxGenerateBodySize, &opts) {
			return
		}

		if parseBoolParam(r, "async") {
			if _, err := deps.Store.GetChapter(chapterID); err != nil {
				writeError(w, r, err)
				return
			}
			id, err := deps.Branches.Enqueue(chapterID, opts)
			if err != nil {
				writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusAccepted, queuedResponse{JobID: id, Status: "queued"})
			return
		}

		res, err := deps.Branches.GenerateBranches(r.Context(), chapterID, opts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleListBranches(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chapterID := chi.URLParam(r, "id")
		if _, err := deps.Store.GetChapter(chapterID); err != nil {
			writeError(w, r, err)
			return
		}
		cached, err := deps.Store.ListBranches(chapterID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		out := make([]cachedBranchView, len(cached))
		for i, b := range cached {
			out[i] = toCachedBranchView(b)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleSelectBranch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Generator.SelectBranch(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "branchID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
