package queue

const (
	TypeDocumentIngest   = "document:ingest"
	TypePartitionRebuild = "partition:rebuild"
)

// StagedDocument names a document whose text was written to the upload
// bucket before the task was enqueued.
type StagedDocument struct {
	Source string `json:"source"`
	Object string `json:"object"`
}

type DocumentIngestPayload struct {
	RequestID string         `json:"request_id"`
	TenantID  string         `json:"tenant_id"`
	Document  StagedDocument `json:"document"`
}

type PartitionRebuildPayload struct {
	RequestID string           `json:"request_id"`
	TenantID  string           `json:"tenant_id"`
	Documents []StagedDocument `json:"documents"`
}
