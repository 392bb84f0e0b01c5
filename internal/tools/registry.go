// Package tools 定义智能体可调用的工具接口以及按名称分发调用的注册表。
package tools

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "pharmassist/internal/errors"
	"pharmassist/internal/llm"
	"pharmassist/internal/observability/metrics"
	"pharmassist/pkg/logger"
)

// Tool 是一个可由大模型调用的外部能力。
type Tool interface {
	Definition() llm.ToolDefinition
	Call(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry 维护工具集合。
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	order   []string
	timeout time.Duration
	log     *slog.Logger
}

// RegistryOption 配置注册表。
type RegistryOption func(*Registry)

// WithCallTimeout 设置单次工具调用的超时时间。
func WithCallTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// NewRegistry 创建空注册表。
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:   make(map[string]Tool),
		timeout: 60 * time.Second,
		log:     logger.Named("tools"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register 注册工具，同名工具会返回冲突错误。
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具不能为空")
	}
	name := tool.Definition().Name
	if strings.TrimSpace(name) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具名称不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("工具 %s 已注册", name))
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

// Get 按名称查找工具。
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names 按注册顺序返回工具名称。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Definitions 返回传给大模型的工具描述，按注册顺序排列。
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Invoke 调用指定工具。工具自身的失败会被转换为可读文本返回给模型，
// 只有工具不存在时才返回错误。
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	tool, ok := r.Get(name)
	if !ok {
		return "", xerrors.New(xerrors.CodeToolNotFound, fmt.Sprintf("未知工具: %s", name),
			xerrors.WithMetadata("tool", name))
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	output, err := tool.Call(callCtx, args)
	elapsed := time.Since(start)
	metrics.ObserveToolCall(name, err, elapsed)
	if err != nil {
		if stdErrors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = xerrors.Wrap(xerrors.CodeTimeout, err, "工具调用超时")
		}
		r.log.Warn("工具调用失败", slog.String("tool", name), slog.Duration("elapsed", elapsed), slog.Any("error", err))
		return FormatError(name, err), nil
	}
	r.log.Debug("工具调用完成", slog.String("tool", name), slog.Duration("elapsed", elapsed))
	return output, nil
}

// Close 关闭实现了 io.Closer 的工具。
func (r *Registry) Close() error {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	r.mu.RUnlock()
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		tool, _ := r.Get(name)
		if closer, ok := tool.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("关闭工具 %s 失败: %w", name, err))
			}
		}
	}
	return stdErrors.Join(errs...)
}

// FormatError 生成返回给模型的错误描述。
func FormatError(tool string, err error) string {
	return fmt.Sprintf("Error running %s: %s", tool, xerrors.MessageOf(err))
}

// DecodeArgs 解析工具参数，失败时返回 INVALID_ARGUMENT。
func DecodeArgs(args json.RawMessage, dest any) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, dest); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "工具参数不是合法的 JSON")
	}
	return nil
}

// ObjectSchema 构造 JSON Schema 对象类型。
func ObjectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// JSONOutput 将结果编码为缩进 JSON 字符串。
func JSONOutput(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("编码工具输出失败: %w", err)
	}
	return string(data), nil
}
