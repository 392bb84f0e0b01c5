package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "pharmassist/internal/errors"
	"pharmassist/internal/knowledge"
	"pharmassist/internal/llm"
	"pharmassist/internal/observability/metrics"
	"pharmassist/internal/storage/mysql"
	"pharmassist/internal/tools"
	"pharmassist/pkg/logger"
)

const systemPrompt = `You are a helpful AI assistant with access to three specialized tools:

1. FDA Adverse Events Tool: Get adverse events data for drugs from the FDA database
2. Neo4j Knowledge Graph Tool: Query a pharmaceutical knowledge graph with natural language
3. PDF Search Tool: Search and answer questions about a pharmaceutical company report

When a user asks a question, think about which tool(s) would be most helpful to answer it.
You can use multiple tools if needed to provide a comprehensive answer.

Always provide clear, helpful responses and explain what information you found.`

const (
	defaultMemoryDepth   = 5
	defaultMaxIterations = 8
)

// Request 描述一次问答请求。History 为此前的对话，按时间顺序排列。
type Request struct {
	Question string
	History  []llm.Message
}

// Result 汇总一次推理的输出。
type Result struct {
	Answer     string `json:"answer"`
	Steps      []Step `json:"steps"`
	Iterations int    `json:"iterations"`
}

// Agent 驱动大模型与工具之间的调用循环，是系统的业务核心。
type Agent struct {
	model         llm.ChatModel
	tools         *tools.Registry
	knowledge     knowledge.Provider
	history       mysql.ConversationRepository
	memoryDepth   int
	maxIterations int
	llmTimeout    time.Duration
	modelName     string
	log           *slog.Logger
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithMemoryDepth 设置参考的历史对话轮数。
func WithMemoryDepth(depth int) Option {
	return func(a *Agent) {
		a.memoryDepth = depth
	}
}

// WithMaxIterations 设置模型调用的最大轮数。
func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		a.maxIterations = n
	}
}

// WithKnowledgeProvider 配置知识库，用于在推理前补充参考说明。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(a *Agent) {
		a.knowledge = provider
	}
}

// WithHistory 配置对话历史仓库，Execute 会按会话加载最近的对话。
func WithHistory(repo mysql.ConversationRepository) Option {
	return func(a *Agent) {
		a.history = repo
	}
}

// WithLLMTimeout 设置单次调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// WithModelName 设置指标中使用的模型名称。
func WithModelName(name string) Option {
	return func(a *Agent) {
		a.modelName = name
	}
}

// New 创建一个 Agent。
func New(model llm.ChatModel, registry *tools.Registry, opts ...Option) *Agent {
	ag := &Agent{
		model:         model,
		tools:         registry,
		memoryDepth:   defaultMemoryDepth,
		maxIterations: defaultMaxIterations,
		modelName:     "default",
		log:           logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.memoryDepth < 0 {
		ag.memoryDepth = 0
	}
	if ag.maxIterations <= 0 {
		ag.maxIterations = defaultMaxIterations
	}
	if ag.tools == nil {
		ag.tools = tools.NewRegistry()
	}
	return ag
}

// Tools 返回智能体使用的工具注册表。
func (a *Agent) Tools() *tools.Registry { return a.tools }

// Run 执行推理循环：模型决定调用哪些工具，工具并发执行，结果回填后再次调用模型，
// 直到模型不再请求工具为止。每一步都会通过 onStep 回调通知调用方。
func (a *Agent) Run(ctx context.Context, req Request, onStep StepFunc) (*Result, error) {
	rec := &recorder{onStep: onStep}
	result, iterations, err := a.run(ctx, req, rec)
	metrics.ObserveAgentRun(err, iterations)
	if err != nil {
		rec.emit(Step{TaskName: TaskError, Type: StepError, Content: errorContent(err), IsFinal: true})
		return nil, err
	}
	result.Steps = rec.snapshot()
	result.Iterations = iterations
	return result, nil
}

func (a *Agent) run(ctx context.Context, req Request, rec *recorder) (*Result, int, error) {
	if a.model == nil {
		return nil, 0, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, 0, xerrors.New(xerrors.CodeInvalidArgument, "问题不能为空")
	}

	messages := make([]llm.Message, 0, len(req.History)+2)
	messages = append(messages, llm.SystemMessage(a.systemPrompt(question)))
	messages = append(messages, a.trimHistory(req.History)...)
	messages = append(messages, llm.UserMessage(question))
	definitions := a.tools.Definitions()

	for iteration := 1; iteration <= a.maxIterations; iteration++ {
		resp, err := a.callModel(ctx, messages, definitions)
		if err != nil {
			return nil, iteration, err
		}
		reply := resp.Message
		if len(reply.ToolCalls) == 0 {
			rec.emit(Step{TaskName: TaskCallModel, Type: StepFinalAnswer, Content: reply.Content, IsFinal: true})
			return &Result{Answer: reply.Content}, iteration, nil
		}

		rec.emit(Step{TaskName: TaskCallModel, Type: StepToolDecision, Content: decisionContent(reply.ToolCalls)})

		outputs, err := a.callTools(ctx, reply.ToolCalls)
		if err != nil {
			return nil, iteration, err
		}

		reply.Role = llm.RoleAssistant
		messages = append(messages, reply)
		for i, call := range reply.ToolCalls {
			rec.emit(Step{TaskName: TaskCallTool, Type: StepToolExecution, Content: executionContent(outputs[i]), ToolName: call.Name})
			messages = append(messages, llm.ToolMessage(call.ID, call.Name, outputs[i]))
		}
	}
	return nil, a.maxIterations, xerrors.New(xerrors.CodeExecutorFailure,
		fmt.Sprintf("超过最大推理轮数 %d 仍未得到最终答案", a.maxIterations))
}

func (a *Agent) callModel(ctx context.Context, messages []llm.Message, definitions []llm.ToolDefinition) (*llm.ChatResponse, error) {
	llmCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := a.model.Chat(llmCtx, llm.ChatRequest{Messages: messages, Tools: definitions})
	var usage llm.Usage
	if resp != nil {
		usage = resp.Usage
	}
	metrics.ObserveLLMRequest(a.modelName, err, time.Since(start), usage.PromptTokens, usage.CompletionTokens)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "大模型推理失败")
	}
	if resp == nil {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, "大模型返回空响应")
	}
	return resp, nil
}

// callTools 并发执行同一轮的全部工具调用，结果顺序与调用顺序一致。
// 工具自身失败以文本形式返回给模型，只有上下文取消会中断循环。
func (a *Agent) callTools(ctx context.Context, calls []llm.ToolCall) ([]string, error) {
	outputs := make([]string, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			out, err := a.tools.Invoke(gctx, call.Name, call.Arguments)
			if err != nil {
				a.log.Warn("工具不可用", slog.String("tool", call.Name), slog.Any("error", err))
				out = tools.FormatError(call.Name, err)
			}
			outputs[i] = out
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "工具执行超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "工具执行被取消")
	}
	return outputs, nil
}

func (a *Agent) systemPrompt(question string) string {
	if a.knowledge == nil {
		return systemPrompt
	}
	notes := knowledge.Notes(a.knowledge.Query(question))
	if notes == "" {
		return systemPrompt
	}
	return systemPrompt + "\n\n" + notes
}

// trimHistory 保留最近 memoryDepth 轮（每轮一问一答）的对话。
func (a *Agent) trimHistory(history []llm.Message) []llm.Message {
	if a.memoryDepth == 0 || len(history) == 0 {
		return nil
	}
	limit := a.memoryDepth * 2
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}

// recorder 为步骤编号并保存副本，回调按产生顺序串行调用。
type recorder struct {
	mu     sync.Mutex
	onStep StepFunc
	steps  []Step
}

func (r *recorder) emit(step Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	step.Index = len(r.steps) + 1
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	r.steps = append(r.steps, step)
	if r.onStep != nil {
		r.onStep(step)
	}
}

func (r *recorder) snapshot() []Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Step(nil), r.steps...)
}
