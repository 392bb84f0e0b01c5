package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pharmassist/internal/agent"
	"pharmassist/internal/cache"
	"pharmassist/internal/config"
	xerrors "pharmassist/internal/errors"
	"pharmassist/internal/knowledge"
	"pharmassist/pkg/logger"
	"pharmassist/sdk/go/pharmassist"
)

type askOptions struct {
	server    string
	session   string
	plain     bool
	stream    bool
	timeout   time.Duration
	interval  time.Duration
	openAIKey string
	neo4jURI  string
	neo4jUser string
	neo4jPass string
}

var askOpts askOptions

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a single question and stream the reasoning steps",
	Long: `Ask a single question from the terminal.

Without --server the agent runs in-process using the local configuration.
With --server the question is submitted to a running PharmAssist API and
the answer is fetched by polling. --stream prints every reasoning step as it
is recorded.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Logging.OutputPaths = []string{"stderr"}
		if cfg.Logging.Level == "info" {
			cfg.Logging.Level = "warn"
		}
		if err := initLogger(cfg); err != nil {
			return err
		}
		defer logger.Sync()

		question := strings.Join(args, " ")
		printer := newStepPrinter(cmd.OutOrStdout(), askOpts.plain)
		printer.quiet = !askOpts.stream
		ctx, cancel := context.WithTimeout(cmd.Context(), askOpts.timeout)
		defer cancel()

		creds := agent.Credentials{
			OpenAIKey:     askOpts.openAIKey,
			Neo4jURI:      askOpts.neo4jURI,
			Neo4jUsername: askOpts.neo4jUser,
			Neo4jPassword: askOpts.neo4jPass,
		}.Merge(agent.DefaultCredentials(cfg))

		if askOpts.server != "" {
			return askRemote(ctx, printer, question, creds)
		}
		return askLocal(ctx, cfg, printer, question, creds)
	},
}

func init() {
	flags := askCmd.Flags()
	flags.StringVar(&askOpts.server, "server", "", "PharmAssist API 地址，例如 http://localhost:8080")
	flags.StringVar(&askOpts.session, "session", "", "会话 ID，用于延续对话")
	flags.BoolVar(&askOpts.plain, "plain", false, "输出纯文本，不渲染 Markdown")
	flags.BoolVar(&askOpts.stream, "stream", false, "逐步输出推理步骤")
	flags.DurationVar(&askOpts.timeout, "timeout", 5*time.Minute, "整体超时时间")
	flags.DurationVar(&askOpts.interval, "interval", time.Second, "远端模式下的轮询间隔")
	flags.StringVar(&askOpts.openAIKey, "openai-key", "", "OpenAI API Key，默认读取配置或 OPENAI_API_KEY")
	flags.StringVar(&askOpts.neo4jURI, "neo4j-uri", "", "Neo4j URI")
	flags.StringVar(&askOpts.neo4jUser, "neo4j-username", "", "Neo4j 用户名")
	flags.StringVar(&askOpts.neo4jPass, "neo4j-password", "", "Neo4j 密码")
}

func askLocal(ctx context.Context, cfg *config.Config, printer *stepPrinter, question string, creds agent.Credentials) error {
	opts := []agent.RuntimeOption{agent.WithResponseCache(cache.NewMemory())}
	if cfg.Knowledge.Path != "" {
		provider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Path, cfg.Knowledge.MaxResults)
		if err != nil {
			return err
		}
		opts = append(opts, agent.WithKnowledge(provider))
	}
	runner := agent.NewRuntime(cfg, opts...)
	defer runner.Reset()

	result, err := runner.Execute(ctx, agent.TaskRequest{
		ID:          uuid.NewString(),
		SessionID:   askOpts.session,
		Question:    question,
		Credentials: creds,
		OnStep:      printer.Step,
	})
	if err != nil {
		printer.Failure(xerrors.MessageOf(err))
		return err
	}
	printer.Answer(result.Answer)
	return nil
}

func askRemote(ctx context.Context, printer *stepPrinter, question string, creds agent.Credentials) error {
	client, err := pharmassist.NewClient(askOpts.server, nil)
	if err != nil {
		return err
	}
	submitted, err := client.SubmitQuery(ctx, pharmassist.Submission{
		SessionID: askOpts.session,
		Question:  question,
		Credentials: pharmassist.Credentials{
			OpenAIKey:     creds.OpenAIKey,
			Neo4jURI:      creds.Neo4jURI,
			Neo4jUsername: creds.Neo4jUsername,
			Neo4jPassword: creds.Neo4jPassword,
		},
	})
	if err != nil {
		return err
	}

	final, err := client.WaitForQuery(ctx, submitted.ID, askOpts.interval, func(q pharmassist.Query) {
		printer.CatchUp(convertSteps(q.Steps))
	})
	if err != nil {
		return err
	}
	if final.Status == pharmassist.StatusFailed {
		printer.Failure(final.LastError)
		return fmt.Errorf("查询 %s 失败: %s", final.ID, final.ErrorCode)
	}
	if final.Result != nil {
		printer.Answer(final.Result.Answer)
	}
	return nil
}

func convertSteps(in []pharmassist.Step) []agent.Step {
	out := make([]agent.Step, len(in))
	for i, s := range in {
		out[i] = agent.Step{
			Index:     s.Index,
			TaskName:  s.TaskName,
			Type:      agent.StepType(s.Type),
			Content:   s.Content,
			ToolName:  s.ToolName,
			IsFinal:   s.IsFinal,
			CreatedAt: s.CreatedAt,
		}
	}
	return out
}
