// Command pharmassist 是医药智能助手的服务端与命令行入口。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pharmassist/internal/config"
	"pharmassist/pkg/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "pharmassist",
	Short: "Pharmaceutical AI assistant",
	Long: `PharmAssist answers questions about FDA adverse events, a pharmaceutical
knowledge graph and company reports.

Commands:
  serve   - start the web UI, REST API and query workers
  ask     - ask a single question from the terminal
  index   - build the PDF document index ahead of time`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("PHARMASSIST_CONFIG"), "配置文件路径 (JSON 或 YAML)")
	rootCmd.AddCommand(serveCmd, askCmd, indexCmd)
}

// main 是 PharmAssist 的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pharmassist 运行失败: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.LoadOrDefault(configPath)
}

func initLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	})
}
