package agent

import (
	"context"
	"log/slog"

	"pharmassist/internal/llm"
	"pharmassist/internal/storage/mysql"
)

// TaskRequest 是任务处理器交给智能体的一次执行请求。
type TaskRequest struct {
	ID          string
	SessionID   string
	Question    string
	Credentials Credentials
	OnStep      StepFunc
}

// Execute 加载会话历史后执行推理。
func (a *Agent) Execute(ctx context.Context, req TaskRequest) (*Result, error) {
	history := a.loadHistory(ctx, req.SessionID, req.ID)
	return a.Run(ctx, Request{Question: req.Question, History: history}, req.OnStep)
}

// loadHistory 读取最近的对话，跳过当前任务以及尚未得到回答的任务的提问。
func (a *Agent) loadHistory(ctx context.Context, sessionID, taskID string) []llm.Message {
	if a.history == nil || a.memoryDepth == 0 || sessionID == "" {
		return nil
	}
	records, err := a.history.List(ctx, sessionID, a.memoryDepth*2+2)
	if err != nil {
		a.log.Warn("加载对话历史失败", slog.String("session_id", sessionID), slog.Any("error", err))
		return nil
	}
	answered := make(map[string]bool)
	for _, record := range records {
		if record.Role == mysql.RoleAssistant && record.TaskID != "" {
			answered[record.TaskID] = true
		}
	}
	history := make([]llm.Message, 0, len(records))
	for _, record := range records {
		if taskID != "" && record.TaskID == taskID {
			continue
		}
		if record.Role == mysql.RoleUser && record.TaskID != "" && !answered[record.TaskID] {
			continue
		}
		switch record.Role {
		case mysql.RoleUser:
			history = append(history, llm.UserMessage(record.Content))
		case mysql.RoleAssistant:
			history = append(history, llm.AssistantMessage(record.Content))
		}
	}
	return history
}
