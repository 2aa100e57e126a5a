package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/groundedqa/internal/queue"
	"github.com/nikhilbhutani/groundedqa/internal/rag"
	"github.com/nikhilbhutani/groundedqa/internal/storage"
	"github.com/nikhilbhutani/groundedqa/internal/tenant"
)

type Indexer interface {
	Ingest(ctx context.Context, tenantID, source, rawText string) (int, error)
	Rebuild(ctx context.Context, tenantID string, docs []rag.Document) (int, error)
}

// IngestWorker applies staged documents to the index. Run one worker
// process per index: it is the only writer while async ingest is on.
type IngestWorker struct {
	indexer Indexer
	stager  *queue.Stager
}

func NewIngestWorker(indexer Indexer, stager *queue.Stager) *IngestWorker {
	return &IngestWorker{indexer: indexer, stager: stager}
}

func (w *IngestWorker) Register(r *queue.HandlersRegistry) {
	r.Register(queue.TypeDocumentIngest, w.ProcessIngest)
	r.Register(queue.TypePartitionRebuild, w.ProcessRebuild)
}

func (w *IngestWorker) ProcessIngest(ctx context.Context, t *asynq.Task) error {
	var payload queue.DocumentIngestPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := tenant.Validate(payload.TenantID); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	text, err := w.fetch(ctx, payload.Document.Object)
	if err != nil {
		return err
	}

	n, err := w.indexer.Ingest(ctx, payload.TenantID, payload.Document.Source, text)
	if err != nil {
		return fmt.Errorf("ingest %s: %w", payload.Document.Source, err)
	}

	w.cleanup(ctx, payload.Document)
	slog.Info("staged document ingested",
		"request_id", payload.RequestID,
		"tenant_id", payload.TenantID,
		"source", payload.Document.Source,
		"chunks", n,
	)
	return nil
}

func (w *IngestWorker) ProcessRebuild(ctx context.Context, t *asynq.Task) error {
	var payload queue.PartitionRebuildPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := tenant.Validate(payload.TenantID); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	docs := make([]rag.Document, 0, len(payload.Documents))
	for _, d := range payload.Documents {
		text, err := w.fetch(ctx, d.Object)
		if err != nil {
			return err
		}
		docs = append(docs, rag.Document{Source: d.Source, Text: text})
	}

	n, err := w.indexer.Rebuild(ctx, payload.TenantID, docs)
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}

	for _, d := range payload.Documents {
		w.cleanup(ctx, d)
	}
	slog.Info("partition rebuilt from staged documents",
		"request_id", payload.RequestID,
		"tenant_id", payload.TenantID,
		"documents", len(docs),
		"chunks", n,
	)
	return nil
}

// fetch fails permanently when the staged object is gone; retrying
// cannot bring it back.
func (w *IngestWorker) fetch(ctx context.Context, object string) (string, error) {
	text, err := w.stager.Get(ctx, object)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return "", fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return text, err
}

func (w *IngestWorker) cleanup(ctx context.Context, d queue.StagedDocument) {
	if err := w.stager.Remove(ctx, d.Object); err != nil {
		slog.Warn("failed to remove staged document", "object", d.Object, "error", err)
	}
}
