package task

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"pharmassist/internal/agent"
	xerrors "pharmassist/internal/errors"
	"pharmassist/internal/observability/alerting"
	"pharmassist/internal/observability/metrics"
	"pharmassist/internal/storage/mysql"
	"pharmassist/pkg/logger"
)

// Executor 定义了处理器所需的智能体能力，agent.Runtime 实现了该接口。
type Executor interface {
	Execute(ctx context.Context, req agent.TaskRequest) (*agent.Result, error)
}

// Processor 负责从队列消费任务并交给智能体执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
	vault       *CredentialVault
	history     mysql.ConversationRepository
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithVault 指定读取会话凭据的保管箱。
func WithVault(vault *CredentialVault) ProcessorOption {
	return func(p *Processor) {
		p.vault = vault
	}
}

// WithCompletionHistory 在任务进入终态时把回答写入会话历史。
func WithCompletionHistory(repo mysql.ConversationRepository) ProcessorOption {
	return func(p *Processor) {
		p.history = repo
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	if p.logger == nil {
		p.logger = logger.Named("task")
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	var steps []agent.Step
	creds, _ := p.vault.Get(task.ID)
	result, execErr := p.executor.Execute(ctx, agent.TaskRequest{
		ID:          task.ID,
		SessionID:   task.SessionID,
		Question:    task.Question,
		Credentials: creds,
		OnStep: func(step agent.Step) {
			steps = append(steps, step)
			if err := p.store.AppendStep(ctx, task.ID, step); err != nil {
				p.logger.Warn("记录推理步骤失败", slog.Any("error", err), slog.String("task_id", task.ID))
			}
		},
	})
	if execErr != nil {
		return p.handleExecutionFailure(ctx, task, steps, execErr)
	}

	var record ExecutionResult
	if result != nil {
		record.Answer = result.Answer
	}
	// 回答先写入历史再标记终态，任务对外可见为完成时历史中已有回答。
	p.recordAnswer(ctx, task, record.Answer, steps)
	if err := p.store.MarkSucceeded(ctx, task.ID, record); err != nil {
		p.logger.Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		if storeErr := p.store.MarkFailed(ctx, task.ID, CodeTaskProcessing, err.Error(), false); storeErr != nil {
			p.logger.Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 在标记成功失败后重投失败", task.ID))
		}
		logger.Audit().Warn("任务标记成功失败后重试",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	p.vault.Delete(task.ID)
	metrics.ObserveTaskStatus(string(StatusSucceeded))
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("session_id", task.SessionID),
		slog.Int("steps", len(steps)),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, steps []agent.Step, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if terminal && p.recovery != nil {
		if fallback, recErr := p.recovery.Recover(ctx, task, execErr); recErr != nil {
			wrapped := xerrors.Wrap(CodeTaskCompensate, recErr, "任务补偿失败")
			p.logger.Error("执行补偿逻辑失败", slog.Any("error", wrapped), slog.String("task_id", task.ID))
			p.emitAlert(ctx, task, CodeTaskCompensate, wrapped, "compensate")
		} else if fallback != nil {
			p.recordAnswer(ctx, task, fallback.Answer, steps)
			if err := p.store.MarkSucceeded(ctx, task.ID, *fallback); err != nil {
				p.logger.Error("记录降级结果失败", slog.Any("error", err), slog.String("task_id", task.ID))
				return err
			}
			p.vault.Delete(task.ID)
			metrics.ObserveTaskStatus(string(StatusSucceeded))
			logger.Audit().Warn("任务降级完成",
				slog.String("task_id", task.ID),
				slog.String("error", execErr.Error()),
			)
			p.emitAlert(ctx, task, code, execErr, "degraded")
			return nil
		}
	}

	message := xerrors.MessageOf(execErr)
	if terminal {
		p.recordAnswer(ctx, task, failureAnswer(message, steps), steps)
		p.vault.Delete(task.ID)
	}
	if storeErr := p.store.MarkFailed(ctx, task.ID, code, message, terminal); storeErr != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
		metrics.ObserveTaskStatus(string(StatusFailed))
	} else {
		metrics.ObserveTaskStatus("retried")
	}
	if xerrors.AttributesOf(code).Alert {
		p.emitAlert(ctx, task, code, execErr, stage)
	}

	if !terminal {
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
		}
		p.logger.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	}
	return nil
}

// failureAnswer 优先使用智能体输出的错误步骤作为回答，没有时给出通用致歉。
func failureAnswer(message string, steps []agent.Step) string {
	if n := len(steps); n > 0 && steps[n-1].Type == agent.StepError && steps[n-1].IsFinal {
		return steps[n-1].Content
	}
	return "❌ Sorry, I encountered an error: " + message
}

// recordAnswer 把终态回答追加到会话历史，每个任务只会调用一次。
func (p *Processor) recordAnswer(ctx context.Context, task *Task, content string, steps []agent.Step) {
	if p.history == nil {
		return
	}
	var payload json.RawMessage
	if len(steps) > 0 {
		encoded, err := json.Marshal(steps)
		if err == nil {
			payload = encoded
		}
	}
	err := p.history.Append(ctx, &mysql.Message{
		SessionID: task.SessionID,
		Role:      mysql.RoleAssistant,
		Content:   content,
		TaskID:    task.ID,
		Steps:     payload,
	})
	if err != nil {
		p.logger.Warn("写入回答失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = xerrors.MessageOf(cause)
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if task.SessionID != "" {
		metadata["session_id"] = task.SessionID
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     task.ID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
