package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/nikhilbhutani/groundedqa/internal/embedding"
	"github.com/nikhilbhutani/groundedqa/internal/rag"
	"github.com/nikhilbhutani/groundedqa/internal/tenant"
	"github.com/nikhilbhutani/groundedqa/internal/vectorstore"
	"github.com/nikhilbhutani/groundedqa/pkg/chunker"
	"github.com/nikhilbhutani/groundedqa/pkg/textextract"
)

// writeError maps domain errors onto status codes. Unknown errors are
// logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, rag.ErrInvalidRequest),
		errors.Is(err, tenant.ErrInvalidTenant),
		errors.Is(err, chunker.ErrInvalidChunkConfig),
		errors.Is(err, textextract.ErrUnsupportedType):
		status = http.StatusBadRequest
	case errors.Is(err, vectorstore.ErrDimensionMismatch):
		status = http.StatusConflict
	case errors.Is(err, embedding.ErrEmbeddingUnavailable):
		status = http.StatusServiceUnavailable
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}
