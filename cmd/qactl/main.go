// Command qactl indexes documents and asks questions against a local
// index directory without running the API.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/nikhilbhutani/groundedqa/internal/app"
	"github.com/nikhilbhutani/groundedqa/internal/config"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	root := newRootCmd(func(ctx context.Context, dir string) (*app.App, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		cfg.Index.Backend = "file"
		if dir != "" {
			cfg.Index.Dir = dir
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return app.New(ctx, cfg)
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
