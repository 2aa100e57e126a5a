package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/groundedqa/internal/embedding"
	"github.com/nikhilbhutani/groundedqa/internal/rag"
	"github.com/nikhilbhutani/groundedqa/internal/tenant"
	"github.com/nikhilbhutani/groundedqa/internal/vectorstore"
)

type fakeBackend struct {
	askErr    error
	ingestErr error
	asked     []string
	ingested  []rag.Document
	rebuilt   []rag.Document
	searchK   int
}

func (f *fakeBackend) Ask(_ context.Context, tenantID, question string) (*rag.Answer, error) {
	if f.askErr != nil {
		return nil, f.askErr
	}
	f.asked = append(f.asked, tenantID+":"+question)
	return &rag.Answer{Answer: "42", Confidence: 0.5, Sources: []rag.Source{}}, nil
}

func (f *fakeBackend) Search(_ context.Context, _, query string, topK int) ([]vectorstore.Chunk, error) {
	f.searchK = topK
	return []vectorstore.Chunk{{ID: "c1", Source: "a.txt", Text: query}}, nil
}

func (f *fakeBackend) Stats(_ context.Context, tenantID string) (vectorstore.Stats, error) {
	return vectorstore.Stats{TenantID: tenantID, Chunks: 3, Dimension: 64, Generation: 2}, nil
}

func (f *fakeBackend) Ingest(_ context.Context, _, source, rawText string) (int, error) {
	if f.ingestErr != nil {
		return 0, f.ingestErr
	}
	f.ingested = append(f.ingested, rag.Document{Source: source, Text: rawText})
	return 2, nil
}

func (f *fakeBackend) Rebuild(_ context.Context, _ string, docs []rag.Document) (int, error) {
	f.rebuilt = docs
	return len(docs) * 2, nil
}

type fakeEnqueuer struct {
	docs []rag.Document
}

func (f *fakeEnqueuer) EnqueueIngest(_ context.Context, _ string, doc rag.Document) (string, error) {
	f.docs = append(f.docs, doc)
	return fmt.Sprintf("req-%d", len(f.docs)), nil
}

func (f *fakeEnqueuer) EnqueueRebuild(_ context.Context, _ string, docs []rag.Document) (string, error) {
	f.docs = append(f.docs, docs...)
	return "req-rebuild", nil
}

func request(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	return req.WithContext(tenant.WithID(req.Context(), "acme"))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRAGHandler_Ask(t *testing.T) {
	backend := &fakeBackend{}
	h := NewRAGHandler(backend, backend)

	rec := httptest.NewRecorder()
	h.Ask(rec, request(http.MethodPost, "/api/v1/ask", `{"question":"what?"}`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", decode(t, rec)["answer"])
	assert.Equal(t, []string{"acme:what?"}, backend.asked)
}

func TestRAGHandler_AskErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"invalid request", `{"question":""}`, fmt.Errorf("%w: empty question", rag.ErrInvalidRequest), http.StatusBadRequest},
		{"embedding down", `{"question":"q"}`, fmt.Errorf("embed: %w", embedding.ErrEmbeddingUnavailable), http.StatusServiceUnavailable},
		{"unknown", `{"question":"q"}`, errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewRAGHandler(&fakeBackend{askErr: tt.err}, &fakeBackend{})
			rec := httptest.NewRecorder()
			h.Ask(rec, request(http.MethodPost, "/api/v1/ask", tt.body))
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusInternalServerError {
				assert.NotContains(t, rec.Body.String(), "disk on fire")
			}
		})
	}
}

func TestRAGHandler_OversizedBodies(t *testing.T) {
	backend := &fakeBackend{}
	h := NewRAGHandler(backend, backend)
	huge := `{"question":"` + strings.Repeat("a", maxQueryBytes+1) + `"}`

	rec := httptest.NewRecorder()
	h.Ask(rec, request(http.MethodPost, "/api/v1/ask", huge))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, backend.asked)

	rec = httptest.NewRecorder()
	h.Search(rec, request(http.MethodPost, "/api/v1/search", `{"query":"`+strings.Repeat("a", maxQueryBytes+1)+`"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, backend.searchK)
}

func TestRAGHandler_Search(t *testing.T) {
	backend := &fakeBackend{}
	h := NewRAGHandler(backend, backend)

	rec := httptest.NewRecorder()
	h.Search(rec, request(http.MethodPost, "/api/v1/search", `{"query":"refunds","top_k":3}`))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["count"])
	assert.Equal(t, 3, backend.searchK)
}

func TestRAGHandler_Index(t *testing.T) {
	backend := &fakeBackend{}
	h := NewRAGHandler(backend, backend)

	rec := httptest.NewRecorder()
	h.Index(rec, request(http.MethodGet, "/api/v1/index", ""))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"acme"`)
}

func TestDocumentHandler_IngestText(t *testing.T) {
	t.Run("inline", func(t *testing.T) {
		backend := &fakeBackend{}
		h := NewDocumentHandler(backend, nil, 0)

		rec := httptest.NewRecorder()
		h.IngestText(rec, request(http.MethodPost, "/api/v1/documents/text", `{"source":"faq.txt","text":"hello"}`))

		require.Equal(t, http.StatusCreated, rec.Code)
		assert.EqualValues(t, 2, decode(t, rec)["chunks"])
		assert.Equal(t, []rag.Document{{Source: "faq.txt", Text: "hello"}}, backend.ingested)
	})

	t.Run("queued", func(t *testing.T) {
		backend := &fakeBackend{}
		q := &fakeEnqueuer{}
		h := NewDocumentHandler(backend, q, 0)

		rec := httptest.NewRecorder()
		h.IngestText(rec, request(http.MethodPost, "/api/v1/documents/text", `{"source":"faq.txt","text":"hello"}`))

		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "req-1", decode(t, rec)["request_id"])
		assert.Empty(t, backend.ingested)
		assert.Len(t, q.docs, 1)
	})

	t.Run("missing source", func(t *testing.T) {
		h := NewDocumentHandler(&fakeBackend{}, nil, 0)
		rec := httptest.NewRecorder()
		h.IngestText(rec, request(http.MethodPost, "/api/v1/documents/text", `{"text":"hello"}`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("dimension conflict", func(t *testing.T) {
		h := NewDocumentHandler(&fakeBackend{ingestErr: fmt.Errorf("store: %w", vectorstore.ErrDimensionMismatch)}, nil, 0)
		rec := httptest.NewRecorder()
		h.IngestText(rec, request(http.MethodPost, "/api/v1/documents/text", `{"source":"a","text":"hello"}`))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func multipartRequest(t *testing.T, files map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req.WithContext(tenant.WithID(req.Context(), "acme"))
}

func TestDocumentHandler_Upload(t *testing.T) {
	t.Run("text file", func(t *testing.T) {
		backend := &fakeBackend{}
		h := NewDocumentHandler(backend, nil, 0)

		rec := httptest.NewRecorder()
		h.Upload(rec, multipartRequest(t, map[string]string{"notes.md": "# Notes\nrefunds take 5 days"}))

		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		require.Len(t, backend.ingested, 1)
		assert.Equal(t, "notes.md", backend.ingested[0].Source)
		assert.Contains(t, backend.ingested[0].Text, "refunds take 5 days")
	})

	t.Run("unsupported type", func(t *testing.T) {
		backend := &fakeBackend{}
		h := NewDocumentHandler(backend, nil, 0)

		rec := httptest.NewRecorder()
		h.Upload(rec, multipartRequest(t, map[string]string{"image.png": "\x89PNG"}))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, backend.ingested)
	})

	t.Run("no file part", func(t *testing.T) {
		h := NewDocumentHandler(&fakeBackend{}, nil, 0)
		rec := httptest.NewRecorder()
		h.Upload(rec, multipartRequest(t, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDocumentHandler_Rebuild(t *testing.T) {
	backend := &fakeBackend{}
	h := NewDocumentHandler(backend, nil, 0)

	rec := httptest.NewRecorder()
	h.Rebuild(rec, request(http.MethodPost, "/api/v1/rebuild", `{"documents":[{"source":"a","text":"x"},{"source":"b","text":"y"}]}`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 4, decode(t, rec)["chunks"])
	assert.Len(t, backend.rebuilt, 2)
}

func TestHealthHandler_Readyz(t *testing.T) {
	h := NewHealthHandler(map[string]Checker{
		"index": func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["index"])
	assert.Contains(t, checks["redis"], "connection refused")
}
