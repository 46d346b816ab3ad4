package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/kalambet/inkwell/internal/branches"
	"github.com/kalambet/inkwell/internal/entities"
	"github.com/kalambet/inkwell/internal/generation"
	"github.com/kalambet/inkwell/internal/hooks"
	"github.com/kalambet/inkwell/internal/limiter"
	"github.com/kalambet/inkwell/internal/manuscript"
	"github.com/kalambet/inkwell/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeErrorBody(w, code, errType, fmt.Sprintf(format, args...), nil)
}

func writeErrorBody(w http.ResponseWriter, code int, errType, msg string, details map[string]any) {
	body := map[string]any{
		"message": msg,
		"type":    errType,
	}
	for k, v := range details {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"error": body})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP status codes. Typed errors add
// their structured details to the error body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		pre      *generation.PreconditionError
		rejected *generation.ContinuityRejectedError
		blocked  *entities.BlockedError
	)
	switch {
	case errors.As(err, &pre):
		details := map[string]any{"reason": pre.Reason}
		if len(pre.PendingEntities) > 0 {
			details["pending_entities"] = pre.PendingEntities
		}
		writeErrorBody(w, http.StatusConflict, "precondition_failed", err.Error(), details)
	case errors.As(err, &blocked):
		writeErrorBody(w, http.StatusConflict, "precondition_failed", err.Error(),
			map[string]any{"pending_entities": blocked.Names()})
	case errors.Is(err, generation.ErrGenerationInProgress), errors.Is(err, manuscript.ErrChapterExists),
		errors.Is(err, errNoContent), errors.Is(err, hooks.ErrHookClosed):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	case errors.As(err, &rejected):
		writeErrorBody(w, http.StatusUnprocessableEntity, "continuity_rejected", err.Error(), map[string]any{
			"score":           rejected.Assessment.Score,
			"verdict":         rejected.Assessment.Verdict,
			"issues":          rejected.Assessment.Issues,
			"repair_attempts": rejected.RepairAttempts,
		})
	case errors.Is(err, limiter.ErrCallTimeout):
		httpError(w, http.StatusGatewayTimeout, "timeout_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, hooks.ErrNoMatchingHook):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, branches.ErrInvalidBranchCount),
		errors.Is(err, manuscript.ErrUnsupportedFormat),
		errors.Is(err, manuscript.ErrEmptyManuscript),
		errors.Is(err, hooks.ErrInvalidResolution):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	// An empty body leaves v at its defaults.
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}
