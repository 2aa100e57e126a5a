package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/nikhilbhutani/groundedqa/internal/rag"
	"github.com/nikhilbhutani/groundedqa/internal/tenant"
	"github.com/nikhilbhutani/groundedqa/internal/vectorstore"
)

// maxQueryBytes bounds ask and search request bodies.
const maxQueryBytes = 64 << 10

type Answerer interface {
	Ask(ctx context.Context, tenantID, question string) (*rag.Answer, error)
	Search(ctx context.Context, tenantID, query string, topK int) ([]vectorstore.Chunk, error)
}

type StatsReader interface {
	Stats(ctx context.Context, tenantID string) (vectorstore.Stats, error)
}

type RAGHandler struct {
	answerer Answerer
	stats    StatsReader
}

func NewRAGHandler(a Answerer, stats StatsReader) *RAGHandler {
	return &RAGHandler{answerer: a, stats: stats}
}

type askRequest struct {
	Question string `json:"question"`
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

func (h *RAGHandler) Ask(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBytes)).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	answer, err := h.answerer.Ask(r.Context(), tenant.IDFromContext(r.Context()), req.Question)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, answer)
}

func (h *RAGHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBytes)).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	results, err := h.answerer.Search(r.Context(), tenant.IDFromContext(r.Context()), req.Query, req.TopK)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
}

func (h *RAGHandler) Index(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Stats(r.Context(), tenant.IDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
