// Package chunker splits normalized text into overlapping fixed-size windows.
package chunker

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nikhilbhutani/groundedqa/pkg/tokenizer"
)

// ErrInvalidChunkConfig is returned when the window would never advance.
var ErrInvalidChunkConfig = errors.New("invalid chunk config")

const (
	DefaultSize      = 500
	DefaultOverlap   = 100
	DefaultMinLength = 1
)

type Options struct {
	Size      int // window size in characters
	Overlap   int // characters shared by consecutive windows
	MinLength int // trimmed windows shorter than this are dropped
}

type TextChunk struct {
	Content string
	Source  string
	Index   int
	Start   int // rune offset of the untrimmed window
	End     int

	TokenCount int
}

func DefaultOptions() Options {
	return Options{
		Size:      DefaultSize,
		Overlap:   DefaultOverlap,
		MinLength: DefaultMinLength,
	}
}

// Validate reports whether the options describe a window that terminates.
func (o Options) Validate() error {
	switch {
	case o.Size <= 0:
		return fmt.Errorf("%w: size must be positive, got %d", ErrInvalidChunkConfig, o.Size)
	case o.Overlap < 0:
		return fmt.Errorf("%w: overlap must not be negative, got %d", ErrInvalidChunkConfig, o.Overlap)
	case o.Overlap >= o.Size:
		return fmt.Errorf("%w: overlap %d must be smaller than size %d", ErrInvalidChunkConfig, o.Overlap, o.Size)
	}
	return nil
}

// Chunk slides a window of opts.Size runes over text, advancing by
// Size-Overlap each step. The last window ends exactly at the end of text.
func Chunk(text, source string, opts Options) ([]TextChunk, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.MinLength <= 0 {
		opts.MinLength = DefaultMinLength
	}
	if text == "" {
		return nil, nil
	}

	runes := []rune(text)
	step := opts.Size - opts.Overlap
	chunks := make([]TextChunk, 0, len(runes)/step+1)

	for start := 0; start < len(runes); start += step {
		end := min(start+opts.Size, len(runes))

		content := strings.TrimSpace(string(runes[start:end]))
		if utf8.RuneCountInString(content) >= opts.MinLength {
			chunks = append(chunks, TextChunk{
				Content: content,
				Source:  source,
				Index:   len(chunks),
				Start:   start,
				End:     end,

				TokenCount: tokenizer.CountTokens(content),
			})
		}

		if end == len(runes) {
			break
		}
	}

	return chunks, nil
}
