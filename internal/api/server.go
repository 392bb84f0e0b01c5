package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pharmassist/internal/agent"
	xerrors "pharmassist/internal/errors"
	"pharmassist/internal/observability/metrics"
	"pharmassist/internal/task"
	"pharmassist/pkg/logger"
)

// TaskService 是 REST 接口依赖的任务服务能力。
type TaskService interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error)
}

// Mounter 可以将额外路由挂载到服务器上，例如聊天页面。
type Mounter interface {
	Register(mux *http.ServeMux)
}

// Server 负责暴露 REST 接口，供外部提交问题并查询结果。
type Server struct {
	addr            string
	service         TaskService
	mounts          []Mounter
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	exposeMetrics   bool
	logger          *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithMount 挂载额外的路由。
func WithMount(m Mounter) Option {
	return func(s *Server) {
		if m != nil {
			s.mounts = append(s.mounts, m)
		}
	}
}

// WithTimeouts 设置读写与优雅关闭的超时时间，小于等于 0 的值保持默认。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// WithMetricsEndpoint 控制是否在主服务上挂载 /metrics，默认挂载。
func WithMetricsEndpoint(enabled bool) Option {
	return func(s *Server) { s.exposeMetrics = enabled }
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc TaskService, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		service:         svc,
		readTimeout:     15 * time.Second,
		writeTimeout:    30 * time.Second,
		shutdownTimeout: 5 * time.Second,
		exposeMetrics:   true,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回装配好路由与中间件的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/queries", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/queries", s.handleList)
	mux.HandleFunc("GET /api/v1/queries/stats", s.handleStats)
	mux.HandleFunc("GET /api/v1/queries/{id}", s.handleDetail)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.exposeMetrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	for _, m := range s.mounts {
		m.Register(mux)
	}
	return s.instrument(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP 服务已启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP 服务关闭超时", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type submitRequest struct {
	ID          string            `json:"id,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	Question    string            `json:"question"`
	Credentials agent.Credentials `json:"credentials"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(task.CodeTaskValidation, err, "请求体解析失败"))
		return
	}
	submitted, err := s.service.Submit(r.Context(), task.SubmitRequest{
		ID:          req.ID,
		SessionID:   req.SessionID,
		Question:    req.Question,
		Credentials: req.Credentials,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitted)
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(task.CodeTaskValidation, "缺少查询 ID"))
		return
	}
	result, err := s.service.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.service.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.service.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseListOptions 解析 limit、offset、status、session、q、order、has_result、since、until 参数。
func parseListOptions(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	var opts []task.ListOption

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, xerrors.New(task.CodeTaskValidation, "limit 必须为正整数")
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, xerrors.New(task.CodeTaskValidation, "offset 必须为非负整数")
		}
		opts = append(opts, task.WithOffset(offset))
	}
	var statuses []task.Status
	for _, raw := range query["status"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			status := task.Status(strings.ToLower(part))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(task.CodeTaskValidation, "未知的任务状态: "+part)
			}
			statuses = append(statuses, status)
		}
	}
	if len(statuses) > 0 {
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if session := strings.TrimSpace(query.Get("session")); session != "" {
		opts = append(opts, task.WithSession(session))
	}
	if q := strings.TrimSpace(query.Get("q")); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	switch strings.ToLower(query.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	default:
		return nil, xerrors.New(task.CodeTaskValidation, "order 仅支持 asc 或 desc")
	}
	if raw := query.Get("has_result"); raw != "" {
		hasResult, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(task.CodeTaskValidation, "has_result 必须为布尔值")
		}
		opts = append(opts, task.WithResultPresence(hasResult))
	}
	for _, bound := range []struct {
		name  string
		apply func(time.Time) task.ListOption
	}{
		{"since", task.WithUpdatedSince},
		{"until", task.WithUpdatedUntil},
	} {
		raw := query.Get(bound.name)
		if raw == "" {
			continue
		}
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ts < 0 {
			return nil, xerrors.New(task.CodeTaskValidation, bound.name+" 必须为 Unix 秒级时间戳")
		}
		opts = append(opts, bound.apply(time.Unix(ts, 0)))
	}
	return opts, nil
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	var body errorBody
	body.Error.Code = string(xerrors.CodeOf(err))
	body.Error.Message = xerrors.MessageOf(err)
	writeJSON(w, xerrors.HTTPStatus(err), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 记录请求耗时指标与审计日志。
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, elapsed)
		if strings.HasPrefix(r.URL.Path, "/api/") {
			logger.Audit().Info("API 请求",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", elapsed),
			)
		}
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
