package rag

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/groundedqa/internal/llm"
	"github.com/nikhilbhutani/groundedqa/internal/vectorstore"
)

func passages(n int) []vectorstore.Chunk {
	out := make([]vectorstore.Chunk, n)
	for i := range out {
		out[i] = vectorstore.Chunk{ID: string(rune('a' + i)), Source: "manual.pdf", Position: i, Text: "passage text " + string(rune('a'+i))}
	}
	return out
}

func TestComposer_NoPassages(t *testing.T) {
	gw := &stubGateway{}
	a := NewComposer(gw, ComposerConfig{}).Compose(context.Background(), "anything?", nil)

	assert.Equal(t, NotFoundAnswer, a.Answer)
	assert.Zero(t, a.Confidence)
	assert.Empty(t, a.Sources)
	assert.NotNil(t, a.Sources)
	assert.False(t, a.Degraded)
	assert.Zero(t, gw.calls(), "no generation without passages")
}

func TestComposer_Answer(t *testing.T) {
	gw := &stubGateway{}
	c := NewComposer(gw, ComposerConfig{Model: "m-1", Temperature: 0.1, MaxPassages: 8})

	a := c.Compose(context.Background(), "What is it?", passages(3))

	assert.Equal(t, "grounded answer", a.Answer)
	assert.InDelta(t, 3.0/8.0, a.Confidence, 1e-9)
	require.Len(t, a.Sources, 2)
	assert.Equal(t, "a", a.Sources[0].ChunkID)
	assert.Equal(t, "manual.pdf", a.Sources[1].Source)
	assert.Equal(t, "stub-1", a.Model)
	assert.Equal(t, 3, a.OutputTokens)
	assert.Empty(t, a.Error)

	require.Equal(t, 1, gw.calls())
	req := gw.requests[0]
	assert.Equal(t, "m-1", req.Model)
	assert.InDelta(t, 0.1, req.Temperature, 1e-9)
	require.Len(t, req.Messages, 2)
	assert.Contains(t, req.Messages[0].Content, NotFoundAnswer)
	assert.Contains(t, req.Messages[1].Content, "[manual.pdf] passage text a\n\n[manual.pdf] passage text b")
	assert.True(t, strings.HasSuffix(req.Messages[1].Content, "QUESTION: What is it?"))
}

func TestComposer_ConfidenceCapped(t *testing.T) {
	a := NewComposer(&stubGateway{}, ComposerConfig{MaxPassages: 2}).Compose(context.Background(), "q", passages(5))
	assert.Equal(t, 1.0, a.Confidence)
}

func TestComposer_SingleSource(t *testing.T) {
	a := NewComposer(&stubGateway{}, ComposerConfig{}).Compose(context.Background(), "q", passages(1))
	assert.Len(t, a.Sources, 1)
	assert.InDelta(t, 1.0/DefaultTopK, a.Confidence, 1e-9)
}

func TestComposer_Failures(t *testing.T) {
	tests := []struct {
		name    string
		chat    func(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
		timeout time.Duration
		errText string
	}{
		{
			name: "provider error",
			chat: func(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
				return nil, errors.New("rate limited")
			},
			errText: "rate limited",
		},
		{
			name: "empty completion",
			chat: func(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
				return &llm.ChatResponse{Content: "   "}, nil
			},
			errText: "empty completion",
		},
		{
			name: "timeout",
			chat: func(ctx context.Context, _ llm.ChatRequest) (*llm.ChatResponse, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			timeout: 20 * time.Millisecond,
			errText: "timed out",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewComposer(&stubGateway{chat: tt.chat}, ComposerConfig{Timeout: tt.timeout})
			a := c.Compose(context.Background(), "q", passages(2))

			assert.True(t, a.Degraded)
			assert.Empty(t, a.Answer)
			assert.Zero(t, a.Confidence)
			assert.Empty(t, a.Sources)
			assert.Contains(t, a.Error, tt.errText)
			assert.Contains(t, a.Error, ErrGenerationFailure.Error())
		})
	}
}

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "short", excerpt("short", 10))
	assert.Equal(t, "ééé...", excerpt("éééé", 3))
}
