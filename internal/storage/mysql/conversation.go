package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message 是一条对话记录。assistant 消息通过 TaskID 关联产生它的查询任务，
// Steps 保存该任务的推理步骤（JSON 数组）。
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	TaskID    string          `json:"task_id,omitempty"`
	Steps     json.RawMessage `json:"steps,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

// ConversationRepository 抽象对话历史的持久化接口。
type ConversationRepository interface {
	Append(ctx context.Context, msg *Message) error
	List(ctx context.Context, sessionID string, limit int) ([]Message, error)
	Clear(ctx context.Context, sessionID string) error
	Close() error
}

func prepareMessage(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("消息不能为空")
	}
	if strings.TrimSpace(msg.SessionID) == "" {
		return fmt.Errorf("会话 ID 不能为空")
	}
	if msg.Role != RoleUser && msg.Role != RoleAssistant {
		return fmt.Errorf("不支持的消息角色: %s", msg.Role)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().Unix()
	}
	return nil
}

// 保留最近 limit 条消息，limit <= 0 表示全部。
func tail(messages []Message, limit int) []Message {
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}

// FileConversationRepository 将对话以 JSON Lines 追加写入本地文件，并在内存中按会话索引。
type FileConversationRepository struct {
	mu       sync.RWMutex
	dataFile string
	sessions map[string][]Message
}

type clearMarker struct {
	SessionID string `json:"session_id"`
	Cleared   bool   `json:"cleared"`
}

// NewFileConversationRepository 创建文件对话仓库，path 为空时只保存在内存中。
func NewFileConversationRepository(path string) (*FileConversationRepository, error) {
	repo := &FileConversationRepository{dataFile: path, sessions: make(map[string][]Message)}
	if path == "" {
		return repo, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Append 追加一条消息。
func (r *FileConversationRepository) Append(_ context.Context, msg *Message) error {
	if err := prepareMessage(msg); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writeLine(msg); err != nil {
		return err
	}
	r.sessions[msg.SessionID] = append(r.sessions[msg.SessionID], *msg)
	return nil
}

// List 按时间顺序返回会话最近的 limit 条消息。
func (r *FileConversationRepository) List(_ context.Context, sessionID string, limit int) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return tail(r.sessions[sessionID], limit), nil
}

// Clear 清空会话历史，清空动作同样记录在日志中，重启后依旧生效。
func (r *FileConversationRepository) Clear(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return nil
	}
	if err := r.writeLine(clearMarker{SessionID: sessionID, Cleared: true}); err != nil {
		return err
	}
	delete(r.sessions, sessionID)
	return nil
}

// Close 实现 ConversationRepository 接口。
func (r *FileConversationRepository) Close() error { return nil }

func (r *FileConversationRepository) writeLine(v any) error {
	if r.dataFile == "" {
		return nil
	}
	file, err := os.OpenFile(r.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开对话日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化对话记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入对话日志失败: %w", err)
	}
	return nil
}

func (r *FileConversationRepository) loadFromDisk() error {
	file, err := os.OpenFile(r.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取对话日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var marker clearMarker
		if err := json.Unmarshal(scanner.Bytes(), &marker); err != nil {
			continue
		}
		if marker.Cleared {
			delete(r.sessions, marker.SessionID)
			continue
		}
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil || msg.SessionID == "" {
			continue
		}
		r.sessions[msg.SessionID] = append(r.sessions[msg.SessionID], msg)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析对话日志失败: %w", err)
	}
	return nil
}

// SQLConversationRepository 使用 MySQL 存储对话历史。
type SQLConversationRepository struct {
	db *sql.DB
}

// NewSQLConversationRepository 基于已迁移的连接池创建仓库。
func NewSQLConversationRepository(db *sql.DB) *SQLConversationRepository {
	return &SQLConversationRepository{db: db}
}

// Append 写入一条消息。
func (s *SQLConversationRepository) Append(ctx context.Context, msg *Message) error {
	if err := prepareMessage(msg); err != nil {
		return err
	}
	var steps sql.NullString
	if len(msg.Steps) > 0 {
		steps = sql.NullString{String: string(msg.Steps), Valid: true}
	}
	const stmt = `INSERT INTO conversation_messages (id, session_id, role, content, task_id, steps, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, msg.ID, msg.SessionID, msg.Role, msg.Content, msg.TaskID, steps, msg.CreatedAt); err != nil {
		return fmt.Errorf("写入对话记录失败: %w", err)
	}
	return nil
}

// List 按时间顺序返回会话最近的 limit 条消息。
func (s *SQLConversationRepository) List(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	query := `SELECT id, session_id, role, content, task_id, steps, created_at
        FROM conversation_messages WHERE session_id = ? ORDER BY seq DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询对话记录失败: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var steps sql.NullString
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.TaskID, &steps, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析对话记录失败: %w", err)
		}
		if steps.Valid && steps.String != "" {
			msg.Steps = json.RawMessage(steps.String)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历对话记录失败: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Clear 删除会话的全部消息。
func (s *SQLConversationRepository) Clear(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("清空对话记录失败: %w", err)
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *SQLConversationRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ ConversationRepository = (*FileConversationRepository)(nil)
	_ ConversationRepository = (*SQLConversationRepository)(nil)
)
