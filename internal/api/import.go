package api

import (
	"bytes"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/inkwell/internal/manuscript"
)

// base64 inflates the file by a third.
const maxImportBodySize = manuscript.MaxSize*4/3 + 1<<20

// ImportRequest carries a manuscript either as plain text or as a base64
// encoded file whose extension selects the format.
type ImportRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	Text     string `json:"text"`
	manuscript.Options
}

func handleImport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		novelID := chi.URLParam(r, "id")
		var req ImportRequest
		if !decodeBody(w, r, maxImportBodySize, &req) {
			return
		}

		var (
			res manuscript.Result
			err error
		)
		switch {
		case req.Content != "":
			if req.Filename == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "filename is required with file content")
				return
			}
			data, decErr := base64.StdEncoding.DecodeString(req.Content)
			if decErr != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			res, err = deps.Importer.ImportFile(novelID, req.Filename, bytes.NewReader(data), req.Options)
		case strings.TrimSpace(req.Text) != "":
			res, err = deps.Importer.Import(novelID, req.Text, req.Options)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "one of content or text is required")
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}
