package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/nikhilbhutani/groundedqa/internal/rag"
	"github.com/nikhilbhutani/groundedqa/internal/tenant"
	"github.com/nikhilbhutani/groundedqa/pkg/textextract"
)

type Indexer interface {
	Ingest(ctx context.Context, tenantID, source, rawText string) (int, error)
	Rebuild(ctx context.Context, tenantID string, docs []rag.Document) (int, error)
}

// Enqueuer hands writes to the background worker.
type Enqueuer interface {
	EnqueueIngest(ctx context.Context, tenantID string, doc rag.Document) (string, error)
	EnqueueRebuild(ctx context.Context, tenantID string, docs []rag.Document) (string, error)
}

// DocumentHandler indexes documents inline, or through the queue when an
// Enqueuer is set.
type DocumentHandler struct {
	indexer  Indexer
	enqueuer Enqueuer
	maxBytes int64
}

func NewDocumentHandler(indexer Indexer, enqueuer Enqueuer, maxBytes int64) *DocumentHandler {
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	return &DocumentHandler{indexer: indexer, enqueuer: enqueuer, maxBytes: maxBytes}
}

type ingestResult struct {
	Source    string `json:"source"`
	Chunks    int    `json:"chunks,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type rebuildRequest struct {
	Documents []rag.Document `json:"documents"`
}

// Upload accepts one or more multipart "file" parts.
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		badRequest(w, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		badRequest(w, "file required")
		return
	}

	docs := make([]rag.Document, 0, len(files))
	for _, fh := range files {
		doc, err := readUpload(fh)
		if err != nil {
			writeError(w, r, err)
			return
		}
		docs = append(docs, doc)
	}

	results := make([]ingestResult, 0, len(docs))
	for _, doc := range docs {
		res, err := h.ingest(r.Context(), doc)
		if err != nil {
			writeError(w, r, err)
			return
		}
		results = append(results, res)
	}

	writeJSON(w, h.status(), map[string]any{"documents": results})
}

func (h *DocumentHandler) IngestText(w http.ResponseWriter, r *http.Request) {
	var doc rag.Document
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBytes)).Decode(&doc); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if doc.Source == "" {
		badRequest(w, "source required")
		return
	}

	res, err := h.ingest(r.Context(), doc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, h.status(), res)
}

func (h *DocumentHandler) Rebuild(w http.ResponseWriter, r *http.Request) {
	var req rebuildRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBytes)).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	tenantID := tenant.IDFromContext(r.Context())

	if h.enqueuer != nil {
		id, err := h.enqueuer.EnqueueRebuild(r.Context(), tenantID, req.Documents)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"request_id": id, "documents": len(req.Documents)})
		return
	}

	n, err := h.indexer.Rebuild(r.Context(), tenantID, req.Documents)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": len(req.Documents), "chunks": n})
}

func (h *DocumentHandler) ingest(ctx context.Context, doc rag.Document) (ingestResult, error) {
	tenantID := tenant.IDFromContext(ctx)
	if h.enqueuer != nil {
		id, err := h.enqueuer.EnqueueIngest(ctx, tenantID, doc)
		if err != nil {
			return ingestResult{}, err
		}
		return ingestResult{Source: doc.Source, RequestID: id}, nil
	}

	n, err := h.indexer.Ingest(ctx, tenantID, doc.Source, doc.Text)
	if err != nil {
		return ingestResult{}, err
	}
	return ingestResult{Source: doc.Source, Chunks: n}, nil
}

func (h *DocumentHandler) status() int {
	if h.enqueuer != nil {
		return http.StatusAccepted
	}
	return http.StatusCreated
}

func readUpload(fh *multipart.FileHeader) (rag.Document, error) {
	f, err := fh.Open()
	if err != nil {
		return rag.Document{}, fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return rag.Document{}, fmt.Errorf("read upload %s: %w", fh.Filename, err)
	}

	source := filepath.Base(fh.Filename)
	extracted, err := textextract.Extract(data, source)
	if err != nil {
		return rag.Document{}, fmt.Errorf("extract %s: %w", source, err)
	}
	return rag.Document{Source: source, Text: extracted.Text}, nil
}
