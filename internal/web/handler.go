package web

import (
	"context"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pharmassist/internal/agent"
	xerrors "pharmassist/internal/errors"
	"pharmassist/internal/storage/mysql"
	"pharmassist/internal/task"
	"pharmassist/pkg/logger"
)

//go:embed templates/*.html
var templateFS embed.FS

// ResetFlash 是重置智能体后展示的提示。
const ResetFlash = "Agent configuration reset successfully!"

// TaskService 是页面依赖的任务服务能力。
type TaskService interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
}

// Resetter 丢弃已初始化的智能体。
type Resetter interface {
	Reset() error
}

// Handler 提供表单式的聊天页面。
type Handler struct {
	service  TaskService
	history  mysql.ConversationRepository
	resetter Resetter
	defaults agent.Credentials
	sessions *SessionStore
	refresh  int
	logger   *slog.Logger
	pages    map[string]*template.Template
}

// Option 配置 Handler。
type Option func(*Handler)

// WithResetter 设置重置按钮调用的对象。
func WithResetter(r Resetter) Option {
	return func(h *Handler) { h.resetter = r }
}

// WithDefaultCredentials 设置服务端提供的默认凭据，表单留空的字段使用它补全。
func WithDefaultCredentials(creds agent.Credentials) Option {
	return func(h *Handler) { h.defaults = creds }
}

// WithSessionStore 替换默认的会话存储。
func WithSessionStore(store *SessionStore) Option {
	return func(h *Handler) {
		if store != nil {
			h.sessions = store
		}
	}
}

// WithRefreshInterval 设置任务页面的自动刷新秒数。
func WithRefreshInterval(seconds int) Option {
	return func(h *Handler) {
		if seconds > 0 {
			h.refresh = seconds
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// New 创建页面处理器。
func New(service TaskService, history mysql.ConversationRepository, opts ...Option) (*Handler, error) {
	if service == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务服务不能为空")
	}
	if history == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "对话历史不能为空")
	}
	h := &Handler{
		service:  service,
		history:  history,
		sessions: NewSessionStore(0),
		refresh:  2,
		logger:   logger.Named("web"),
	}
	for _, opt := range opts {
		opt(h)
	}

	funcs := template.FuncMap{"markdown": renderMarkdown}
	h.pages = make(map[string]*template.Template, 2)
	for _, page := range []string{"index.html", "task.html"} {
		tmpl, err := template.New(page).Funcs(funcs).ParseFS(templateFS, "templates/layout.html", "templates/"+page)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析页面模板失败")
		}
		h.pages[page] = tmpl
	}
	return h, nil
}

// Register 将页面路由挂载到 mux。
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.handleIndex)
	mux.HandleFunc("POST /config", h.handleConfig)
	mux.HandleFunc("POST /ask", h.handleAsk)
	mux.HandleFunc("GET /tasks/{id}", h.handleTask)
	mux.HandleFunc("POST /clear", h.handleClear)
	mux.HandleFunc("POST /reset", h.handleReset)
}

type example struct {
	Category string
	Question string
}

var examples = []example{
	{"FDA Adverse Events", "What adverse events are reported for TRAMADOL?"},
	{"FDA Adverse Events", "Show me safety data for OXYCODONE including serious adverse events"},
	{"FDA Adverse Events", "Compare adverse events between ASPIRIN and IBUPROFEN"},
	{"Knowledge Graph", "Which manufacturers are connected to drugs containing REVLIMID?"},
	{"Knowledge Graph", "Find all drugs manufactured by PFIZER in the knowledge graph"},
	{"Document Search", "What information can you find about Grünenthal's revenue in 2023?"},
	{"Document Search", "Summarize Grünenthal's research and development activities from the annual report"},
	{"Document Search", "What are the key strategic initiatives mentioned in the company report?"},
	{"Combined", "Compare the safety profile of TRAMADOL with its market performance and manufacturer information"},
}

type messageView struct {
	Role    string
	Content string
	Steps   []stepView
}

type indexData struct {
	Credentials    agent.Credentials
	ConfigComplete bool
	Messages       []messageView
	Pending        []*task.Task
	Examples       []example
	Flash          string
	Error          string
}

type taskData struct {
	Task    *task.Task
	Steps   []stepView
	Refresh int
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	session := h.sessions.Load(w, r)
	flash, errMsg := h.sessions.TakeFlash(session.ID)

	messages, err := h.history.List(r.Context(), session.ID, 0)
	if err != nil {
		h.logger.Error("读取对话历史失败", slog.String("session_id", session.ID), slog.Any("error", err))
		errMsg = xerrors.MessageOf(err)
	}
	views := make([]messageView, 0, len(messages))
	for _, msg := range messages {
		view := messageView{Role: msg.Role, Content: msg.Content}
		if msg.Role == mysql.RoleAssistant {
			view.Steps = buildStepViews(decodeSteps(msg.Steps))
		}
		views = append(views, view)
	}

	pending, err := h.service.List(r.Context(),
		task.WithSession(session.ID),
		task.WithStatuses(task.StatusPending, task.StatusRunning),
		task.WithSortOrder(task.SortByUpdatedAsc),
	)
	if err != nil {
		h.logger.Warn("查询进行中的任务失败", slog.String("session_id", session.ID), slog.Any("error", err))
	}

	h.render(w, "index.html", indexData{
		Credentials:    session.Credentials,
		ConfigComplete: session.Credentials.Merge(h.defaults).Complete(),
		Messages:       views,
		Pending:        pending,
		Examples:       examples,
		Flash:          flash,
		Error:          errMsg,
	})
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	session := h.sessions.Load(w, r)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "表单格式错误", http.StatusBadRequest)
		return
	}
	creds := agent.Credentials{
		OpenAIKey:     strings.TrimSpace(r.PostFormValue("openai_api_key")),
		Neo4jURI:      strings.TrimSpace(r.PostFormValue("neo4j_uri")),
		Neo4jUsername: strings.TrimSpace(r.PostFormValue("neo4j_username")),
		Neo4jPassword: strings.TrimSpace(r.PostFormValue("neo4j_password")),
	}
	h.sessions.Update(session.ID, func(s *Session) { s.Credentials = creds })
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *Handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	session := h.sessions.Load(w, r)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "表单格式错误", http.StatusBadRequest)
		return
	}
	question := strings.TrimSpace(r.PostFormValue("question"))
	if question == "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	submitted, err := h.service.Submit(r.Context(), task.SubmitRequest{
		SessionID:   session.ID,
		Question:    question,
		Credentials: session.Credentials,
	})
	if err != nil {
		h.logger.Warn("提交问题失败", slog.String("session_id", session.ID), slog.Any("error", err))
		h.sessions.Update(session.ID, func(s *Session) { s.Error = xerrors.MessageOf(err) })
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, "/tasks/"+submitted.ID, http.StatusSeeOther)
}

func (h *Handler) handleTask(w http.ResponseWriter, r *http.Request) {
	session := h.sessions.Load(w, r)
	current, err := h.service.Get(r.Context(), r.PathValue("id"))
	if err != nil || current.SessionID != session.ID {
		http.NotFound(w, r)
		return
	}
	if current.Done() {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	h.render(w, "task.html", taskData{
		Task:    current,
		Steps:   liveStepViews(current.Steps),
		Refresh: h.refresh,
	})
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	session := h.sessions.Load(w, r)
	if err := h.history.Clear(r.Context(), session.ID); err != nil {
		h.logger.Error("清空对话历史失败", slog.String("session_id", session.ID), slog.Any("error", err))
		h.sessions.Update(session.ID, func(s *Session) { s.Error = xerrors.MessageOf(err) })
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	session := h.sessions.Load(w, r)
	var err error
	if h.resetter != nil {
		err = h.resetter.Reset()
	}
	h.sessions.Update(session.ID, func(s *Session) {
		if err != nil {
			s.Error = xerrors.MessageOf(err)
			return
		}
		s.Flash = ResetFlash
	})
	if err != nil {
		h.logger.Error("重置智能体失败", slog.Any("error", err))
	} else {
		logger.Audit().Info("智能体已重置", slog.String("session_id", session.ID), slog.Time("at", time.Now()))
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *Handler) render(w http.ResponseWriter, page string, data any) {
	tmpl, ok := h.pages[page]
	if !ok {
		http.Error(w, "页面不存在", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "layout", data); err != nil {
		h.logger.Error("渲染页面失败", slog.String("page", page), slog.Any("error", err))
	}
}
