package agent

import (
	"fmt"
	"strings"
	"time"

	xerrors "pharmassist/internal/errors"
	"pharmassist/internal/llm"
)

// StepType 标识推理过程中的步骤类别。
type StepType string

const (
	StepToolDecision  StepType = "tool_decision"
	StepToolExecution StepType = "tool_execution"
	StepFinalAnswer   StepType = "final_answer"
	StepError         StepType = "error"
)

const (
	TaskCallModel = "call_model"
	TaskCallTool  = "call_tool"
	TaskError     = "error"
)

// Step 是推理循环中可展示给用户的一步。
type Step struct {
	Index     int       `json:"index"`
	TaskName  string    `json:"task_name"`
	Type      StepType  `json:"type"`
	Content   string    `json:"content"`
	ToolName  string    `json:"tool_name,omitempty"`
	IsFinal   bool      `json:"is_final"`
	CreatedAt time.Time `json:"created_at"`
}

// StepFunc 在每一步产生时被调用，可为 nil。
type StepFunc func(Step)

// Icon 返回步骤类型对应的图标。
func (s Step) Icon() string {
	switch s.Type {
	case StepToolDecision:
		return "🤔"
	case StepToolExecution:
		return "🔧"
	default:
		return "📝"
	}
}

// Title 将任务名转换为标题形式，例如 call_model 显示为 Call Model。
func (s Step) Title() string {
	return titleCase(s.TaskName)
}

// Label 返回步骤类型的展示名称，例如 tool_decision 显示为 Tool Decision。
func (t StepType) Label() string {
	return titleCase(string(t))
}

func titleCase(name string) string {
	words := strings.Fields(strings.ReplaceAll(name, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

func decisionContent(calls []llm.ToolCall) string {
	parts := make([]string, 0, len(calls))
	for _, call := range calls {
		args := strings.TrimSpace(string(call.Arguments))
		if args == "" {
			args = "{}"
		}
		parts = append(parts, fmt.Sprintf("Tool: %s\nArguments: %s", call.Name, args))
	}
	return "🤔 Thinking and deciding which tools to use...\n\n" + strings.Join(parts, "\n\n")
}

func executionContent(result string) string {
	return "🔧 Executing tool...\n\nResult:\n" + result
}

func errorContent(err error) string {
	return "Error running agent: " + xerrors.MessageOf(err)
}
