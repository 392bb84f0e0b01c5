package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Role 标识消息发送方。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message 是与大模型交互的一条消息。assistant 消息可携带工具调用，
// tool 消息通过 ToolCallID 与对应的调用关联。
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

// ToolCall 表示模型请求调用的一个工具。
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolDefinition 向模型描述一个可调用的工具，Parameters 为 JSON Schema。
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ChatRequest 描述一次对话补全请求。
type ChatRequest struct {
	Messages    []Message
	Tools       []ToolDefinition
	Temperature *float64
}

// Usage 记录 token 消耗。
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// ChatResponse 是模型返回的单条 assistant 消息。
type ChatResponse struct {
	Message      Message
	FinishReason string
	Usage        Usage
}

// ChatModel 定义了调用对话模型的统一接口。
type ChatModel interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Embedder 将文本转换为向量，返回顺序与输入一致。
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// SystemMessage 构造 system 消息。
func SystemMessage(content string) Message { return Message{Role: RoleSystem, Content: content} }

// UserMessage 构造 user 消息。
func UserMessage(content string) Message { return Message{Role: RoleUser, Content: content} }

// AssistantMessage 构造不含工具调用的 assistant 消息。
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolMessage 构造工具执行结果消息。
func ToolMessage(callID, name, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, Name: name}
}

// Complete 执行一次单轮补全，返回去除首尾空白的文本。
func Complete(ctx context.Context, model ChatModel, system, user string) (string, error) {
	if model == nil {
		return "", errors.New("未配置大模型客户端")
	}
	messages := make([]Message, 0, 2)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, SystemMessage(system))
	}
	messages = append(messages, UserMessage(user))
	zero := 0.0
	resp, err := model.Chat(ctx, ChatRequest{Messages: messages, Temperature: &zero})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}
