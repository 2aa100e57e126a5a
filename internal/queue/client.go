package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/groundedqa/internal/config"
	"github.com/nikhilbhutani/groundedqa/internal/rag"
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type Client struct {
	client enqueuer
	stager *Stager
}

func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

func NewClient(cfg config.RedisConfig, stager *Stager) *Client {
	return &Client{client: asynq.NewClient(RedisOpt(cfg)), stager: stager}
}

func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueueIngest stages doc and schedules its ingestion. It returns the
// request id, which is also the asynq task id.
func (c *Client) EnqueueIngest(ctx context.Context, tenantID string, doc rag.Document) (string, error) {
	requestID := uuid.NewString()
	object, err := c.stager.Put(ctx, tenantID, requestID, 0, doc.Text)
	if err != nil {
		return "", err
	}

	payload := DocumentIngestPayload{
		RequestID: requestID,
		TenantID:  tenantID,
		Document:  StagedDocument{Source: doc.Source, Object: object},
	}
	err = c.enqueue(ctx, TypeDocumentIngest, payload,
		asynq.TaskID(requestID), asynq.MaxRetry(3), asynq.Timeout(10*time.Minute))
	if err != nil {
		return "", err
	}
	return requestID, nil
}

func (c *Client) EnqueueRebuild(ctx context.Context, tenantID string, docs []rag.Document) (string, error) {
	requestID := uuid.NewString()
	payload := PartitionRebuildPayload{RequestID: requestID, TenantID: tenantID, Documents: make([]StagedDocument, 0, len(docs))}
	for i, doc := range docs {
		object, err := c.stager.Put(ctx, tenantID, requestID, i, doc.Text)
		if err != nil {
			return "", err
		}
		payload.Documents = append(payload.Documents, StagedDocument{Source: doc.Source, Object: object})
	}

	err := c.enqueue(ctx, TypePartitionRebuild, payload,
		asynq.TaskID(requestID), asynq.MaxRetry(2), asynq.Timeout(30*time.Minute), asynq.Queue("critical"))
	if err != nil {
		return "", err
	}
	return requestID, nil
}

func (c *Client) enqueue(ctx context.Context, taskType string, payload any, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(taskType, data)
	_, err = c.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}
