package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

func handleListHooks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Store.ListHooks(chi.URLParam(r, "id"), parseBoolParam(r, "active"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		out := make([]hookView, len(list))
		for i, h := range list {
			out[i] = toHookView(h)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// handleOverdueHooks reports hooks overdue at ?chapter=N. Without the
// parameter the latest chapter that has content is used.
func handleOverdueHooks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		novelID := chi.URLParam(r, "id")
		if _, err := deps.Store.GetNovel(novelID); err != nil {
			writeError(w, r, err)
			return
		}
		current := parseIntParam(r, "chapter", 0, 0)
		if current == 0 {
			n, err := latestWrittenChapter(deps, novelID)
			if err != nil {
				writeError(w, r, err)
				return
			}
			current = n
		}
		overdue, err := deps.Hooks.OverdueHooks(novelID, current)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"current_chapter": current,
			"overdue":         toOverdueViews(overdue),
		})
	}
}

type closeHookRequest struct {
	Description string `json:"description"`
	Chapter     int    `json:"chapter"`
	Note        string `json:"note"`
	Reason      string `json:"reason"`
}

// handleResolveHook closes the active hook best matching the description as
// resolved in the given chapter.
func handleResolveHook(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req closeHookRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if strings.TrimSpace(req.Description) == "" || req.Chapter < 1 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "description and a positive chapter are required")
			return
		}
		h, err := deps.Hooks.RecordResolved(chi.URLParam(r, "id"), req.Description, req.Chapter, req.Note)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toHookView(h))
	}
}

func handleAbandonHook(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req closeHookRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if strings.TrimSpace(req.Description) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "description is required")
			return
		}
		h, err := deps.Hooks.RecordAbandoned(chi.URLParam(r, "id"), req.Description, req.Reason)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toHookView(h))
	}
}

func handleCharacterHooks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		novelID := chi.URLParam(r, "id")
		if _, err := deps.Store.GetNovel(novelID); err != nil {
			writeError(w, r, err)
			return
		}
		ch, err := deps.Hooks.HooksForCharacter(novelID, chi.URLParam(r, "name"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		out := struct {
			Name   string      `json:"name"`
			Entity *entityView `json:"entity,omitempty"`
			Hooks  []hookView  `json:"hooks"`
		}{Name: ch.Name, Hooks: make([]hookView, len(ch.Hooks))}
		if ch.Entity != nil {
			ev := toEntityView(*ch.Entity)
			out.Entity = &ev
		}
		for i, h := range ch.Hooks {
			out.Hooks[i] = toHookView(h)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func latestWrittenChapter(deps AppDeps, novelID string) (int, error) {
	chapters, err := deps.Store.ListChapters(novelID)
	if err != nil {
		return 0, err
	}
	latest := 0
	for _, c := range chapters {
		if c.Content != "" && c.Order > latest {
			latest = c.Order
		}
	}
	return latest, nil
}

func handleListEntities(deps AppDeps, pendingOnly bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Store.ListEntities(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		out := make([]entityView, 0, len(list))
		for _, e := range list {
			if pendingOnly && e.Confirmed {
				continue
			}
			out = append(out, toEntityView(e))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleConfirmEntity(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := deps.Entities.Confirm(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toEntityView(e))
	}
}
