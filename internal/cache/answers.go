package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nikhilbhutani/groundedqa/internal/rag"
)

const answerPrefix = "qa:answer:"

// AnswerCache keeps composed answers for a TTL. Redis errors are logged
// and treated as misses so a cache outage never fails a request.
type AnswerCache struct {
	cache *Cache
	ttl   time.Duration
}

func NewAnswerCache(c *Cache, ttl time.Duration) *AnswerCache {
	return &AnswerCache{cache: c, ttl: ttl}
}

func (a *AnswerCache) Get(ctx context.Context, key string) (*rag.Answer, bool) {
	var answer rag.Answer
	err := a.cache.Get(ctx, answerPrefix+key, &answer)
	if errors.Is(err, ErrMiss) {
		return nil, false
	}
	if err != nil {
		slog.Warn("answer cache read failed", "error", err)
		return nil, false
	}
	return &answer, true
}

func (a *AnswerCache) Set(ctx context.Context, key string, answer *rag.Answer) {
	if err := a.cache.Set(ctx, answerPrefix+key, answer, a.ttl); err != nil {
		slog.Warn("answer cache write failed", "error", err)
	}
}
