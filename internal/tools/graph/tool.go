package graph

import (
	"context"
	"encoding/json"

	xerrors "pharmassist/internal/errors"
	"pharmassist/internal/llm"
	"pharmassist/internal/tools"
)

const (
	// QueryToolName 是知识图谱问答工具名称。
	QueryToolName = "neo4j_query_tool"
	// CategoriesToolName 是治疗类别查询工具名称。
	CategoriesToolName = "drug_categories_tool"
)

// QueryTool 将问答链暴露为工具。chain 为 nil 表示图谱未能初始化，
// 调用时返回未初始化错误，保持工具列表对模型稳定。
type QueryTool struct {
	chain  *QAChain
	closer interface{ Close() error }
}

// NewQueryTool 创建图谱问答工具。closer 通常为 *Client，在工具集关闭时释放连接。
func NewQueryTool(chain *QAChain, closer interface{ Close() error }) *QueryTool {
	return &QueryTool{chain: chain, closer: closer}
}

// Definition 描述工具参数。
func (t *QueryTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        QueryToolName,
		Description: "Query the Neo4j pharmaceutical knowledge graph with a natural language question about drugs, substances, categories and their relationships.",
		Parameters: tools.ObjectSchema(map[string]any{
			"question": map[string]any{
				"type":        "string",
				"description": "Natural language question about the knowledge graph",
			},
		}, "question"),
	}
}

// Call 执行问答。
func (t *QueryTool) Call(ctx context.Context, args json.RawMessage) (string, error) {
	if t.chain == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "Neo4j tool not initialized")
	}
	var in struct {
		Question string `json:"question"`
	}
	if err := tools.DecodeArgs(args, &in); err != nil {
		return "", err
	}
	answer, err := t.chain.Ask(ctx, in.Question)
	if err != nil {
		return "", err
	}
	return tools.JSONOutput(map[string]string{
		"query":  answer.Question,
		"cypher": answer.Cypher,
		"result": answer.Answer,
	})
}

// Close 释放底层连接。
func (t *QueryTool) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

// CategoriesTool 查询药品的治疗类别。
type CategoriesTool struct {
	runner Runner
}

// NewCategoriesTool 创建治疗类别工具，runner 为 nil 表示未初始化。
func NewCategoriesTool(runner Runner) *CategoriesTool {
	return &CategoriesTool{runner: runner}
}

// Definition 描述工具参数。
func (t *CategoriesTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        CategoriesToolName,
		Description: "Find therapeutic categories in the knowledge graph for drugs whose name contains the given substance.",
		Parameters: tools.ObjectSchema(map[string]any{
			"drug_name": map[string]any{
				"type":        "string",
				"description": "Substance or drug name to look for, e.g. ibuprofen",
			},
		}, "drug_name"),
	}
}

// Call 执行查询。
func (t *CategoriesTool) Call(ctx context.Context, args json.RawMessage) (string, error) {
	if t.runner == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "Neo4j tool not initialized")
	}
	var in struct {
		DrugName string `json:"drug_name"`
	}
	if err := tools.DecodeArgs(args, &in); err != nil {
		return "", err
	}
	return DrugCategories(ctx, t.runner, in.DrugName)
}
