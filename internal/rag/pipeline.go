package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "pharmassist/internal/errors"
	"pharmassist/internal/llm"
	"pharmassist/internal/tools"
)

// ToolName 是文档检索工具名称。
const ToolName = "pdf_search_tool"

const answerTemplate = `Use the following pieces of context to answer the question at the end.
If you don't know the answer, just say that you don't know, don't try to make up an answer.
Keep the answer as concise as possible.

Context: %s

Chat history: %s

Question: %s

Helpful Answer:`

// RetrievedDocument 是返回给调用方的检索片段。
type RetrievedDocument struct {
	PageContent string         `json:"page_content"`
	Metadata    map[string]any `json:"metadata"`
}

// Result 包含检索片段与生成的答案。
type Result struct {
	RetrievedDocuments []RetrievedDocument `json:"retrieved_documents"`
	Answer             string              `json:"answer"`
	TotalDocuments     int                 `json:"total_documents"`
}

// Pipeline 组合检索与答案生成。
type Pipeline struct {
	index *Index
	model llm.ChatModel
	topK  int
}

// NewPipeline 创建问答管线，topK <= 0 时使用 4。
func NewPipeline(index *Index, model llm.ChatModel, topK int) *Pipeline {
	if topK <= 0 {
		topK = 4
	}
	return &Pipeline{index: index, model: model, topK: topK}
}

// Answer 检索相关片段并生成简洁答案。
func (p *Pipeline) Answer(ctx context.Context, question string, history []string) (*Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "问题不能为空")
	}
	hits, err := p.index.Search(ctx, question, p.topK)
	if err != nil {
		return nil, err
	}

	docs := make([]RetrievedDocument, 0, len(hits))
	contents := make([]string, 0, len(hits))
	for _, hit := range hits {
		docs = append(docs, RetrievedDocument{PageContent: hit.Document.Content, Metadata: hit.Document.Metadata})
		contents = append(contents, hit.Document.Content)
	}

	prompt := fmt.Sprintf(answerTemplate, strings.Join(contents, "\n\n"), formatHistory(history), question)
	zero := 0.0
	resp, err := p.model.Chat(ctx, llm.ChatRequest{Messages: []llm.Message{llm.UserMessage(prompt)}, Temperature: &zero})
	if err != nil {
		return nil, fmt.Errorf("生成答案失败: %w", err)
	}
	return &Result{RetrievedDocuments: docs, Answer: resp.Message.Content, TotalDocuments: len(docs)}, nil
}

func formatHistory(history []string) string {
	if len(history) == 0 {
		return "[]"
	}
	return strings.Join(history, "\n")
}

// Tool 将管线暴露为智能体工具。pipeline 为 nil 表示文档索引未能初始化。
type Tool struct {
	pipeline *Pipeline
}

// NewTool 创建文档检索工具。
func NewTool(pipeline *Pipeline) *Tool {
	return &Tool{pipeline: pipeline}
}

// Definition 描述工具参数。
func (t *Tool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        ToolName,
		Description: "Search the pharmaceutical company annual report (PDF) and answer questions about its content, such as revenue, strategy, pipeline and operations.",
		Parameters: tools.ObjectSchema(map[string]any{
			"question": map[string]any{
				"type":        "string",
				"description": "Question about the PDF content",
			},
		}, "question"),
	}
}

// Call 返回包含检索片段与答案的 JSON。
func (t *Tool) Call(ctx context.Context, args json.RawMessage) (string, error) {
	if t.pipeline == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "PDF tool not initialized. Please check the initialization logs.")
	}
	var in struct {
		Question string `json:"question"`
	}
	if err := tools.DecodeArgs(args, &in); err != nil {
		return "", err
	}
	result, err := t.pipeline.Answer(ctx, in.Question, nil)
	if err != nil {
		return "", err
	}
	return tools.JSONOutput(result)
}
