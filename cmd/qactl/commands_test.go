package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/groundedqa/internal/app"
	"github.com/nikhilbhutani/groundedqa/internal/config"
)

func testLoader(t *testing.T) loader {
	t.Helper()
	indexDir := t.TempDir()
	return func(ctx context.Context, dir string) (*app.App, error) {
		if dir == "" {
			dir = indexDir
		}
		return app.New(ctx, &config.Config{
			LLM:       config.LLMConfig{DefaultProvider: "openai", DefaultModel: "gpt-4o-mini"},
			Embedding: config.EmbeddingConfig{Backend: "hash", Precision: "float32", Dimensions: 32},
			Chunking:  config.ChunkingConfig{Size: 200, Overlap: 20, MinLength: 1},
			Retrieval: config.RetrievalConfig{TopK: 4, GenerationTimeout: time.Second},
			Index:     config.IndexConfig{Backend: "file", Dir: dir},
			Storage:   config.StorageConfig{Bucket: "indexes", UploadBucket: "uploads"},
		})
	}
}

func run(t *testing.T, load loader, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(load)
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestIngestAndStats(t *testing.T) {
	load := testLoader(t)
	docs := t.TempDir()
	path := writeFile(t, docs, "policy.txt", "Refunds are processed within five business days.")

	out, err := run(t, load, "ingest", "--tenant", "acme", path)
	require.NoError(t, err)
	assert.Contains(t, out, "policy.txt: 1 chunks")

	out, err = run(t, load, "stats", "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "chunks:     1")
	assert.Contains(t, out, "generation: 1")
}

func TestAsk_EmptyIndex(t *testing.T) {
	out, err := run(t, testLoader(t), "ask", "how", "long?")
	require.NoError(t, err)
	assert.Contains(t, out, "Answer not found in the document.")
}

func TestRebuild(t *testing.T) {
	load := testLoader(t)
	docs := t.TempDir()
	writeFile(t, docs, "a.txt", "alpha beta gamma")
	writeFile(t, docs, "b.md", "delta epsilon")
	writeFile(t, docs, "skip.png", "not a document")

	out, err := run(t, load, "rebuild", docs)
	require.NoError(t, err)
	assert.Contains(t, out, "2 documents, 2 chunks")

	out, err = run(t, load, "stats", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"chunks": 2`)
}

func TestRebuild_NoDocuments(t *testing.T) {
	_, err := run(t, testLoader(t), "rebuild", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no supported documents")
}

func TestIngest_RequiresFile(t *testing.T) {
	_, err := run(t, testLoader(t), "ingest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg")
}
