package fda

import (
	"context"
	"encoding/json"

	"pharmassist/internal/llm"
	"pharmassist/internal/tools"
)

// ToolName 是暴露给模型的工具名称。
const ToolName = "fda_adverse_events_tool"

// Tool 将 Client 包装为智能体工具。
type Tool struct {
	client *Client
}

// NewTool 创建不良事件工具。
func NewTool(client *Client) *Tool {
	return &Tool{client: client}
}

// Definition 描述工具参数。
func (t *Tool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name: ToolName,
		Description: "Retrieve recent adverse event reports for a drug from the FDA adverse event reporting system (openFDA). " +
			"Use this for side effects, adverse reactions and their outcomes as reported to the FDA.",
		Parameters: tools.ObjectSchema(map[string]any{
			"drug_name": map[string]any{
				"type":        "string",
				"description": "Name of the drug (brand or generic), e.g. TRAMADOL",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of reports to return (1-100, default 10)",
			},
		}, "drug_name"),
	}
}

// Call 执行查询并以 JSON 数组返回。
func (t *Tool) Call(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		DrugName string `json:"drug_name"`
		Limit    int    `json:"limit"`
	}
	if err := tools.DecodeArgs(args, &in); err != nil {
		return "", err
	}
	events, err := t.client.AdverseEvents(ctx, in.DrugName, in.Limit)
	if err != nil {
		return "", err
	}
	return tools.JSONOutput(events)
}
