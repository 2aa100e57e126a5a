package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nikhilbhutani/groundedqa/internal/llm"
	"github.com/nikhilbhutani/groundedqa/internal/vectorstore"
)

// NotFoundAnswer is returned verbatim when there is nothing to ground an
// answer on. The model is instructed to use the same sentence.
const NotFoundAnswer = "Answer not found in the document."

const systemPrompt = "You are a professional assistant. Answer questions ONLY using the provided document context. " +
	"If the answer is not in the context, say '" + NotFoundAnswer + "' Be concise."

const (
	defaultMaxSources = 2
	excerptRunes      = 200
)

// Source points at a passage an answer was grounded on.
type Source struct {
	ChunkID  string `json:"chunk_id"`
	Source   string `json:"source"`
	Position int    `json:"position"`
	Excerpt  string `json:"excerpt"`
}

// Answer is the result of a question. Degraded answers carry a
// human-readable Error and an empty Answer.
type Answer struct {
	Answer     string   `json:"answer"`
	Confidence float64  `json:"confidence"`
	Sources    []Source `json:"sources"`
	Error      string   `json:"error,omitempty"`
	Degraded   bool     `json:"degraded,omitempty"`

	Provider     string  `json:"provider,omitempty"`
	Model        string  `json:"model,omitempty"`
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	Cached       bool    `json:"cached,omitempty"`
}

func notFound() Answer {
	return Answer{Answer: NotFoundAnswer, Confidence: 0, Sources: []Source{}}
}

func degraded(err error) Answer {
	return Answer{Sources: []Source{}, Error: err.Error(), Degraded: true}
}

type ComposerConfig struct {
	Provider    string
	Model       string
	Temperature float64
	Timeout     time.Duration
	MaxPassages int // passage count that yields full confidence
	MaxSources  int
}

type Composer struct {
	gateway llm.Gateway
	cfg     ComposerConfig
}

func NewComposer(gw llm.Gateway, cfg ComposerConfig) *Composer {
	if cfg.MaxPassages <= 0 {
		cfg.MaxPassages = DefaultTopK
	}
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = defaultMaxSources
	}
	return &Composer{gateway: gw, cfg: cfg}
}

// Compose asks the model to answer question from passages alone. It never
// returns an error: failures come back as degraded answers.
func (c *Composer) Compose(ctx context.Context, question string, passages []vectorstore.Chunk) Answer {
	if len(passages) == 0 {
		return notFound()
	}

	resp, err := c.generate(ctx, question, passages)
	if err != nil {
		slog.Warn("answer generation failed", "error", err)
		return degraded(err)
	}

	sources := make([]Source, 0, min(c.cfg.MaxSources, len(passages)))
	for _, p := range passages[:min(c.cfg.MaxSources, len(passages))] {
		sources = append(sources, Source{
			ChunkID:  p.ID,
			Source:   p.Source,
			Position: p.Position,
			Excerpt:  excerpt(p.Text, excerptRunes),
		})
	}

	return Answer{
		Answer:       strings.TrimSpace(resp.Content),
		Confidence:   min(1, float64(len(passages))/float64(c.cfg.MaxPassages)),
		Sources:      sources,
		Provider:     resp.Provider,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      resp.CostUSD,
	}
}

func (c *Composer) generate(ctx context.Context, question string, passages []vectorstore.Chunk) (*llm.ChatResponse, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	resp, err := c.gateway.Chat(ctx, llm.ChatRequest{
		Provider: c.cfg.Provider,
		Model:    c.cfg.Model,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf("DOCUMENT CONTEXT:\n%s\n\nQUESTION: %s", buildContext(passages), question)},
		},
		Temperature: c.cfg.Temperature,
	})
	switch {
	case errors.Is(err, context.DeadlineExceeded) || (err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)):
		return nil, fmt.Errorf("%w: timed out after %s", ErrGenerationFailure, c.cfg.Timeout)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailure, err)
	case strings.TrimSpace(resp.Content) == "":
		return nil, fmt.Errorf("%w: empty completion", ErrGenerationFailure)
	}
	return resp, nil
}

func buildContext(passages []vectorstore.Chunk) string {
	var sb strings.Builder
	for i, p := range passages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%s] %s", p.Source, p.Text)
	}
	return sb.String()
}

func excerpt(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	return string([]rune(s)[:maxRunes]) + "..."
}
