package openai

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	xerrors "pharmassist/internal/errors"
	"pharmassist/internal/llm"
)

const (
	defaultModelName      = "gpt-4"
	defaultEmbeddingModel = "text-embedding-3-large"
	defaultTimeout        = 60 * time.Second
	defaultBatchSize      = 64
)

// Config 描述了调用 OpenAI 接口所需的信息。
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Temperature    float64
	Timeout        time.Duration
	MaxRetries     int
	BatchSize      int
	HTTPClient     *http.Client
}

// Client 基于官方 SDK 提供对话补全与向量化能力。
type Client struct {
	sdk            openai.Client
	model          string
	embeddingModel string
	temperature    float64
	batchSize      int
}

var (
	_ llm.ChatModel = (*Client)(nil)
	_ llm.Embedder  = (*Client)(nil)
)

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeConfigIncomplete, "未提供 OpenAI API Key")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	embeddingModel := strings.TrimSpace(cfg.EmbeddingModel)
	if embeddingModel == "" {
		embeddingModel = defaultEmbeddingModel
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}

	return &Client{
		sdk:            openai.NewClient(opts...),
		model:          model,
		embeddingModel: embeddingModel,
		temperature:    cfg.Temperature,
		batchSize:      batch,
	}, nil
}

// Model 返回对话模型名称。
func (c *Client) Model() string { return c.model }

// WithModel 返回共享底层连接、但使用不同对话模型的副本。
func (c *Client) WithModel(model string) *Client {
	clone := *c
	if strings.TrimSpace(model) != "" {
		clone.model = model
	}
	return &clone
}

// Chat 调用 Chat Completions 接口，支持工具调用。
func (c *Client) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if len(req.Messages) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "对话消息不能为空")
	}
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	temperature := c.temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	params := openai.ChatCompletionNewParams{
		Messages:    messages,
		Model:       openai.ChatModel(c.model),
		Temperature: openai.Float(temperature),
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapAPIError(err, "请求 OpenAI 失败")
	}
	if len(resp.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeUpstreamUnavailable, "OpenAI 响应中没有有效的 choices")
	}

	choice := resp.Choices[0]
	out := &llm.ChatResponse{
		Message: llm.Message{
			Role:    llm.RoleAssistant,
			Content: choice.Message.Content,
		},
		FinishReason: choice.FinishReason,
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		args := strings.TrimSpace(tc.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		out.Message.ToolCalls = append(out.Message.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}
	return out, nil
}

// Embed 批量计算文本向量，结果顺序与输入一致。
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors := make([][]float64, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		resp, err := c.sdk.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts[start:end]},
			Model: openai.EmbeddingModel(c.embeddingModel),
		})
		if err != nil {
			return nil, wrapAPIError(err, "请求 OpenAI Embeddings 失败")
		}
		if len(resp.Data) != end-start {
			return nil, xerrors.New(xerrors.CodeUpstreamUnavailable,
				fmt.Sprintf("Embeddings 返回数量不匹配: 期望 %d, 实际 %d", end-start, len(resp.Data)))
		}
		for i, item := range resp.Data {
			idx := int(item.Index)
			if idx < 0 || idx >= end-start {
				idx = i
			}
			vectors[start+idx] = item.Embedding
		}
	}
	return vectors, nil
}

func convertMessages(in []llm.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(in))
	for _, msg := range in {
		switch msg.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case llm.RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case llm.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			assistant := &openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: calls,
			}
			if msg.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(msg.Content),
				}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		case llm.RoleTool:
			if msg.ToolCallID == "" {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "工具消息缺少 tool_call_id")
			}
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的消息角色: %s", msg.Role))
		}
	}
	return out, nil
}

func convertTools(defs []llm.ToolDefinition) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		params := def.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  params,
			},
		})
	}
	return tools
}

func wrapAPIError(err error, message string) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, message)
	}
	if stdErrors.Is(err, context.Canceled) {
		return xerrors.Wrap(xerrors.CodeExecutorFailure, err, message, xerrors.WithRetryable(false))
	}
	var apiErr *openai.Error
	if stdErrors.As(err, &apiErr) {
		status := apiErr.StatusCode
		opts := []xerrors.Option{xerrors.WithMetadata("status", fmt.Sprintf("%d", status))}
		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return xerrors.Wrap(xerrors.CodeConfigIncomplete, err, "OpenAI 凭据无效", opts...)
		case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
			return xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, message, opts...)
		default:
			return xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, message, append(opts, xerrors.WithRetryable(false))...)
		}
	}
	return xerrors.Wrap(xerrors.CodeUpstreamUnavailable, err, message)
}
