package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nikhilbhutani/groundedqa/internal/app"
	"github.com/nikhilbhutani/groundedqa/internal/rag"
	"github.com/nikhilbhutani/groundedqa/pkg/textextract"
)

// loader builds the app for one command invocation.
type loader func(ctx context.Context, dir string) (*app.App, error)

type globals struct {
	tenant string
	dir    string
	json   bool
	load   loader
}

func newRootCmd(load loader) *cobra.Command {
	g := &globals{load: load}

	root := &cobra.Command{
		Use:           "qactl",
		Short:         "Index documents and ask grounded questions",
		Long:          "qactl works directly on a filesystem index, using the same configuration as the API server.",
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&g.tenant, "tenant", "t", "default", "tenant partition to operate on")
	root.PersistentFlags().StringVar(&g.dir, "dir", "", "index directory (defaults to INDEX_DIR)")
	root.PersistentFlags().BoolVar(&g.json, "json", false, "output as JSON")

	root.AddCommand(
		newIngestCmd(g),
		newAskCmd(g),
		newRebuildCmd(g),
		newStatsCmd(g),
	)
	return root
}

func newIngestCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Add documents to the index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.load(cmd.Context(), g.dir)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, path := range args {
				doc, err := readDocument(path)
				if err != nil {
					return err
				}
				n, err := a.Pipeline.Ingest(cmd.Context(), g.tenant, doc.Source, doc.Text)
				if err != nil {
					return fmt.Errorf("ingest %s: %w", path, err)
				}
				cmd.Printf("%s: %d chunks\n", doc.Source, n)
			}
			return nil
		},
	}
}

func newAskCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Answer a question from the indexed documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.load(cmd.Context(), g.dir)
			if err != nil {
				return err
			}
			defer a.Close()

			answer, err := a.Pipeline.Ask(cmd.Context(), g.tenant, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(cmd, answer)
			}

			if answer.Degraded {
				cmd.Printf("error: %s\n", answer.Error)
				return nil
			}
			cmd.Println(answer.Answer)
			cmd.Printf("\nconfidence: %.2f\n", answer.Confidence)
			for _, s := range answer.Sources {
				cmd.Printf("  [%s #%d] %s\n", s.Source, s.Position, s.Excerpt)
			}
			return nil
		},
	}
}

func newRebuildCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild DIR",
		Short: "Replace the index with every supported file in DIR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := readDir(args[0])
			if err != nil {
				return err
			}

			a, err := g.load(cmd.Context(), g.dir)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Pipeline.Rebuild(cmd.Context(), g.tenant, docs)
			if err != nil {
				return fmt.Errorf("rebuild: %w", err)
			}
			cmd.Printf("rebuilt %s: %d documents, %d chunks\n", g.tenant, len(docs), n)
			return nil
		},
	}
}

func newStatsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show partition statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.load(cmd.Context(), g.dir)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.Index.Stats(cmd.Context(), g.tenant)
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(cmd, stats)
			}
			cmd.Printf("tenant:     %s\nchunks:     %d\ndimension:  %d\ngeneration: %d\n",
				stats.TenantID, stats.Chunks, stats.Dimension, stats.Generation)
			return nil
		},
	}
}

func readDocument(path string) (rag.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return rag.Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	extracted, err := textextract.Extract(data, path)
	if err != nil {
		return rag.Document{}, fmt.Errorf("extract %s: %w", path, err)
	}
	return rag.Document{Source: filepath.Base(path), Text: extracted.Text}, nil
}

// readDir loads the supported files directly inside dir, sorted by name.
func readDir(dir string) ([]rag.Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	supported := textextract.SupportedTypes()
	var docs []rag.Document
	for _, e := range entries {
		if e.IsDir() || !slices.Contains(supported, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}
		doc, err := readDocument(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return nil, errors.New("no supported documents in " + dir)
	}
	return docs, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}
