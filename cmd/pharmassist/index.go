package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pharmassist/internal/agent"
	"pharmassist/internal/config"
	xerrors "pharmassist/internal/errors"
	"pharmassist/internal/llm/openai"
	"pharmassist/internal/rag"
	"pharmassist/pkg/logger"
)

var indexCmd = &cobra.Command{
	Use:   "index [pdf]",
	Short: "Build the PDF document index and save its snapshot",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := initLogger(cfg); err != nil {
			return err
		}
		defer logger.Sync()

		if cfg.LLM.APIKey == "" {
			return xerrors.New(xerrors.CodeConfigIncomplete, "构建索引需要 OpenAI API Key，请设置 OPENAI_API_KEY")
		}
		client, err := openai.NewClient(openai.Config{
			APIKey:         cfg.LLM.APIKey,
			BaseURL:        cfg.LLM.BaseURL,
			Model:          cfg.LLM.Model,
			EmbeddingModel: cfg.LLM.EmbeddingModel,
			Timeout:        config.Seconds(cfg.LLM.TimeoutSeconds),
			MaxRetries:     cfg.LLM.MaxRetries,
			BatchSize:      cfg.Tools.Documents.BatchSize,
		})
		if err != nil {
			return err
		}
		index, err := agent.NewDocumentIndex(cfg, client, rag.LoadPDF)
		if err != nil {
			return err
		}
		path := cfg.Tools.Documents.PDFPath
		if len(args) == 1 {
			path = args[0]
		}
		stats, err := index.Build(cmd.Context(), path)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "indexed %s: %d chunks (snapshot reused: %t) -> %s\n",
			stats.Source, stats.Chunks, stats.FromCache, cfg.Tools.Documents.IndexPath)
		return nil
	},
}
