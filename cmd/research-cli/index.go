package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/deep-research/internal/config"
	"github.com/nidhogg/deep-research/internal/embedding"
	"github.com/nidhogg/deep-research/internal/rag"
	"github.com/nidhogg/deep-research/internal/vectorstore"
)

var configPath string

// indexCmd loads documents into the knowledge base the analyst searches. It
// talks to the embedding endpoint and Qdrant directly, not to the server.
var indexCmd = &cobra.Command{
	Use:   "index <file>...",
	Short: "Index documents into the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if !cfg.Embedding.Enabled() || !cfg.Database.Qdrant.Enabled() {
			return fmt.Errorf("%s: embedding endpoint and qdrant host are required for indexing", configPath)
		}

		embedder, err := embedding.New(cfg.Embedding)
		if err != nil {
			return err
		}
		qdrant, err := vectorstore.NewClient(cfg.Database.Qdrant)
		if err != nil {
			return err
		}
		defer qdrant.Close()

		ret := rag.NewRetriever(embedder, qdrant, cfg.Database.Qdrant.Collection, zap.NewNop())
		ctx := cmd.Context()
		if err := ret.Init(ctx); err != nil {
			return err
		}

		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			n, err := ret.Index(ctx, filepath.Base(path), string(data))
			if err != nil {
				return fmt.Errorf("index %s: %w", path, err)
			}
			okColor.Printf("✓ %s ", path)
			dimColor.Printf("(%d chunks)\n", n)
		}
		return nil
	},
}

func init() {
	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "configs/research.json"
	}
	indexCmd.Flags().StringVar(&configPath, "config", defaultConfig, "service config with embedding and qdrant settings")
}
