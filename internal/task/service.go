package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"pharmassist/internal/agent"
	xerrors "pharmassist/internal/errors"
	"pharmassist/internal/storage/mysql"
	"pharmassist/pkg/logger"
)

// SubmitRequest 描述一次问题提交。
type SubmitRequest struct {
	ID          string
	SessionID   string
	Question    string
	Credentials agent.Credentials
}

// Service 负责任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
	vault      *CredentialVault
	defaults   agent.Credentials
	history    mysql.ConversationRepository
}

// ServiceOption 定义 Service 的可选配置。
type ServiceOption func(*Service)

// WithCredentialVault 指定保存会话凭据的保管箱。
func WithCredentialVault(vault *CredentialVault) ServiceOption {
	return func(s *Service) {
		s.vault = vault
	}
}

// WithDefaultCredentials 设置服务端配置的默认凭据，用于补齐提交中缺失的字段。
func WithDefaultCredentials(creds agent.Credentials) ServiceOption {
	return func(s *Service) {
		s.defaults = creds
	}
}

// WithSubmissionHistory 在提交时把用户问题写入会话历史。
func WithSubmissionHistory(repo mysql.ConversationRepository) ServiceOption {
	return func(s *Service) {
		s.history = repo
	}
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Service{store: store, producer: producer, maxRetries: maxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 创建一个新的任务并推送到队列。携带已存在 ID 的重复提交直接返回已有任务。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, xerrors.New(CodeTaskValidation, "问题不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		task, err := s.store.Get(ctx, taskID)
		if err == nil {
			return task, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	if !req.Credentials.Merge(s.defaults).Complete() {
		return nil, xerrors.New(xerrors.CodeConfigIncomplete, agent.NotInitializedMessage)
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = taskID
	}

	task := &Task{
		ID:         taskID,
		SessionID:  sessionID,
		Question:   question,
		Status:     StatusPending,
		Attempts:   0,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.Get(ctx, taskID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrTaskNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	s.vault.Put(taskID, req.Credentials)
	s.recordQuestion(ctx, task)

	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, taskID, CodeTaskPublish, xerrors.MessageOf(wrapped), true)
		s.vault.Delete(taskID)
		return nil, wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", taskID),
		slog.String("session_id", sessionID),
		slog.Int("question_length", len(question)),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

func (s *Service) recordQuestion(ctx context.Context, task *Task) {
	if s.history == nil {
		return
	}
	err := s.history.Append(ctx, &mysql.Message{
		SessionID: task.SessionID,
		Role:      mysql.RoleUser,
		Content:   task.Question,
		TaskID:    task.ID,
	})
	if err != nil {
		logger.L().Warn("写入用户消息失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询任务状态直到进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Done() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
