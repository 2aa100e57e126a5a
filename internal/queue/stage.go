package queue

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/nikhilbhutani/groundedqa/internal/storage"
)

// Stager moves document text through object storage so task payloads stay
// small.
type Stager struct {
	objects storage.Storage
	bucket  string
}

func NewStager(objects storage.Storage, bucket string) *Stager {
	return &Stager{objects: objects, bucket: bucket}
}

func (s *Stager) Put(ctx context.Context, tenantID, requestID string, n int, text string) (string, error) {
	object := path.Join(tenantID, requestID, fmt.Sprintf("%04d.txt", n))
	if err := s.objects.Upload(ctx, s.bucket, object, strings.NewReader(text), "text/plain; charset=utf-8"); err != nil {
		return "", fmt.Errorf("stage document: %w", err)
	}
	return object, nil
}

func (s *Stager) Get(ctx context.Context, object string) (string, error) {
	r, err := s.objects.Download(ctx, s.bucket, object)
	if err != nil {
		return "", fmt.Errorf("fetch staged document: %w", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read staged document: %w", err)
	}
	return string(data), nil
}

func (s *Stager) Remove(ctx context.Context, object string) error {
	return s.objects.Delete(ctx, s.bucket, object)
}
