package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"pharmassist/internal/cache"
	"pharmassist/internal/config"
	xerrors "pharmassist/internal/errors"
	"pharmassist/internal/knowledge"
	"pharmassist/internal/llm"
	"pharmassist/internal/llm/openai"
	"pharmassist/internal/rag"
	"pharmassist/internal/storage/mysql"
	"pharmassist/internal/tools"
	"pharmassist/internal/tools/fda"
	"pharmassist/internal/tools/graph"
	"pharmassist/pkg/logger"
)

// NotInitializedMessage 是凭据不完整时返回给用户的提示。
const NotInitializedMessage = "Error: Agent not initialized. Please provide all configuration parameters."

// Credentials 是用户在界面中填写的连接信息。
type Credentials struct {
	OpenAIKey     string `json:"openai_api_key,omitempty"`
	Neo4jURI      string `json:"neo4j_uri,omitempty"`
	Neo4jUsername string `json:"neo4j_username,omitempty"`
	Neo4jPassword string `json:"neo4j_password,omitempty"`
}

// Complete 判断四项信息是否均已填写。
func (c Credentials) Complete() bool {
	return strings.TrimSpace(c.OpenAIKey) != "" &&
		strings.TrimSpace(c.Neo4jURI) != "" &&
		strings.TrimSpace(c.Neo4jUsername) != "" &&
		strings.TrimSpace(c.Neo4jPassword) != ""
}

// Merge 用 defaults 补齐空白字段。
func (c Credentials) Merge(defaults Credentials) Credentials {
	pick := func(v, fallback string) string {
		if strings.TrimSpace(v) == "" {
			return fallback
		}
		return strings.TrimSpace(v)
	}
	return Credentials{
		OpenAIKey:     pick(c.OpenAIKey, defaults.OpenAIKey),
		Neo4jURI:      pick(c.Neo4jURI, defaults.Neo4jURI),
		Neo4jUsername: pick(c.Neo4jUsername, defaults.Neo4jUsername),
		Neo4jPassword: pick(c.Neo4jPassword, defaults.Neo4jPassword),
	}
}

func (c Credentials) fingerprint() string {
	h := sha256.New()
	for _, part := range []string{c.OpenAIKey, c.Neo4jURI, c.Neo4jUsername, c.Neo4jPassword} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DefaultCredentials 返回配置文件与环境变量中提供的连接信息。
func DefaultCredentials(cfg *config.Config) Credentials {
	if cfg == nil {
		return Credentials{}
	}
	return Credentials{
		OpenAIKey:     cfg.LLM.APIKey,
		Neo4jURI:      cfg.Tools.Graph.URI,
		Neo4jUsername: cfg.Tools.Graph.Username,
		Neo4jPassword: cfg.Tools.Graph.Password,
	}
}

// GraphBackend 是已连接的图数据库。
type GraphBackend interface {
	graph.Runner
	Close() error
}

// GraphConnector 建立图数据库连接。
type GraphConnector func(ctx context.Context, cfg graph.Config) (GraphBackend, error)

func connectNeo4j(ctx context.Context, cfg graph.Config) (GraphBackend, error) {
	client, err := graph.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Runtime 按凭据延迟构建智能体及其工具集。每组凭据各自缓存一个实例，
// 相同凭据只构建一次；实例被淘汰或 Reset 后，待其上的运行全部结束才释放连接。
type Runtime struct {
	cfg          *config.Config
	cache        cache.Cache
	knowledge    knowledge.Provider
	history      mysql.ConversationRepository
	connectGraph GraphConnector
	loader       rag.Loader
	httpClient   *http.Client
	maxAgents    int
	idleTimeout  time.Duration
	now          func() time.Time
	log          *slog.Logger

	builds    singleflight.Group
	mu        sync.Mutex
	instances map[string]*instance
}

type instance struct {
	fingerprint string
	agent       *Agent
	refs        int
	lastUsed    time.Time
	retired     bool
}

// RuntimeOption 配置 Runtime。
type RuntimeOption func(*Runtime)

// WithResponseCache 为外部数据源配置结果缓存。
func WithResponseCache(c cache.Cache) RuntimeOption {
	return func(r *Runtime) { r.cache = c }
}

// WithKnowledge 配置参考资料。
func WithKnowledge(p knowledge.Provider) RuntimeOption {
	return func(r *Runtime) { r.knowledge = p }
}

// WithConversationHistory 配置对话历史仓库。
func WithConversationHistory(repo mysql.ConversationRepository) RuntimeOption {
	return func(r *Runtime) { r.history = repo }
}

// WithGraphConnector 替换图数据库连接方式。
func WithGraphConnector(fn GraphConnector) RuntimeOption {
	return func(r *Runtime) {
		if fn != nil {
			r.connectGraph = fn
		}
	}
}

// WithDocumentLoader 替换 PDF 加载方式。
func WithDocumentLoader(loader rag.Loader) RuntimeOption {
	return func(r *Runtime) { r.loader = loader }
}

// WithHTTPClient 指定访问 OpenAI 与 openFDA 使用的 HTTP 客户端。
func WithHTTPClient(client *http.Client) RuntimeOption {
	return func(r *Runtime) { r.httpClient = client }
}

// WithAgentCache 设置缓存的凭据组上限与空闲回收时间。
func WithAgentCache(maxAgents int, idleTimeout time.Duration) RuntimeOption {
	return func(r *Runtime) {
		if maxAgents > 0 {
			r.maxAgents = maxAgents
		}
		if idleTimeout > 0 {
			r.idleTimeout = idleTimeout
		}
	}
}

// NewRuntime 创建 Runtime，cfg 为 nil 时使用默认配置。
func NewRuntime(cfg *config.Config, opts ...RuntimeOption) *Runtime {
	if cfg == nil {
		cfg = config.Default()
	}
	r := &Runtime{
		cfg:          cfg,
		connectGraph: connectNeo4j,
		maxAgents:    cfg.Agent.MaxCachedAgents,
		idleTimeout:  config.Seconds(cfg.Agent.IdleTimeoutSeconds),
		now:          time.Now,
		log:          logger.Named("runtime"),
		instances:    make(map[string]*instance),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Defaults 返回服务端配置的默认凭据。
func (r *Runtime) Defaults() Credentials {
	return DefaultCredentials(r.cfg)
}

// Initialized 判断当前是否缓存了可用的智能体。
func (r *Runtime) Initialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances) > 0
}

// Acquire 返回与凭据对应的智能体，必要时构建。调用方使用完毕后必须调用返回的释放函数，
// 被淘汰的实例在最后一次 release 之后才关闭。
func (r *Runtime) Acquire(ctx context.Context, creds Credentials) (*Agent, func(), error) {
	creds = creds.Merge(r.Defaults())
	if !creds.Complete() {
		return nil, nil, xerrors.New(xerrors.CodeConfigIncomplete, NotInitializedMessage)
	}
	fp := creds.fingerprint()

	for {
		if inst := r.lease(fp, nil); inst != nil {
			return inst.agent, r.releaser(inst), nil
		}
		v, err, _ := r.builds.Do(fp, func() (any, error) {
			return r.install(ctx, fp, creds)
		})
		if err != nil {
			return nil, nil, err
		}
		// 构建完成到取得引用之间实例可能已被 Reset，此时重新构建。
		if inst := r.lease(fp, v.(*instance)); inst != nil {
			return inst.agent, r.releaser(inst), nil
		}
	}
}

// lease 为缓存中的实例增加引用；want 非空时只接受该实例。
func (r *Runtime) lease(fp string, want *instance) *instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[fp]
	if !ok || inst.retired || (want != nil && inst != want) {
		return nil
	}
	inst.refs++
	inst.lastUsed = r.now()
	return inst
}

func (r *Runtime) install(ctx context.Context, fp string, creds Credentials) (*instance, error) {
	r.mu.Lock()
	if inst, ok := r.instances[fp]; ok {
		r.mu.Unlock()
		return inst, nil
	}
	r.mu.Unlock()

	ag, err := r.build(ctx, creds)
	if err != nil {
		return nil, err
	}
	inst := &instance{fingerprint: fp, agent: ag, lastUsed: r.now()}

	r.mu.Lock()
	r.instances[fp] = inst
	idle := r.evictLocked(inst)
	size := len(r.instances)
	r.mu.Unlock()

	r.closeAll(idle)
	r.log.Info("智能体已按用户配置初始化", slog.Any("tools", ag.Tools().Names()), slog.Int("cached", size))
	return inst, nil
}

func (r *Runtime) releaser(inst *instance) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			inst.refs--
			inst.lastUsed = r.now()
			done := inst.retired && inst.refs == 0
			r.mu.Unlock()
			if done {
				r.closeAll([]*instance{inst})
			}
		})
	}
}

// evictLocked 淘汰空闲超时的实例，并在超出上限时按最久未用淘汰；keep 不参与淘汰。
// 返回可以立即关闭的实例，仍在运行的实例标记为 retired。
func (r *Runtime) evictLocked(keep *instance) []*instance {
	var victims []*instance
	now := r.now()
	for fp, inst := range r.instances {
		if inst == keep || inst.refs > 0 || r.idleTimeout <= 0 || now.Sub(inst.lastUsed) < r.idleTimeout {
			continue
		}
		victims = append(victims, r.retireLocked(fp, inst)...)
	}
	for r.maxAgents > 0 && len(r.instances) > r.maxAgents {
		var oldest *instance
		for _, inst := range r.instances {
			if inst == keep {
				continue
			}
			if oldest == nil || inst.lastUsed.Before(oldest.lastUsed) {
				oldest = inst
			}
		}
		if oldest == nil {
			break
		}
		victims = append(victims, r.retireLocked(oldest.fingerprint, oldest)...)
	}
	return victims
}

func (r *Runtime) retireLocked(fp string, inst *instance) []*instance {
	delete(r.instances, fp)
	inst.retired = true
	if inst.refs > 0 {
		return nil
	}
	return []*instance{inst}
}

// Reset 清空缓存的智能体，下次 Acquire 时重新构建。仍在运行的实例在运行结束后释放连接。
func (r *Runtime) Reset() error {
	r.mu.Lock()
	var idle []*instance
	for fp, inst := range r.instances {
		idle = append(idle, r.retireLocked(fp, inst)...)
	}
	r.mu.Unlock()

	err := r.closeAll(idle)
	if err == nil {
		r.log.Info("智能体已重置")
	}
	return err
}

func (r *Runtime) closeAll(insts []*instance) error {
	var errs []error
	for _, inst := range insts {
		if err := inst.agent.Tools().Close(); err != nil {
			r.log.Warn("释放工具资源失败", slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Execute 使用请求携带的凭据执行任务，实现任务处理器所需的执行接口。
func (r *Runtime) Execute(ctx context.Context, req TaskRequest) (*Result, error) {
	ag, release, err := r.Acquire(ctx, req.Credentials)
	if err != nil {
		if req.OnStep != nil {
			req.OnStep(Step{Index: 1, TaskName: TaskError, Type: StepError, Content: errorContent(err), IsFinal: true})
		}
		return nil, err
	}
	defer release()
	return ag.Execute(ctx, req)
}

func (r *Runtime) build(ctx context.Context, creds Credentials) (*Agent, error) {
	cfg := r.cfg
	client, err := openai.NewClient(openai.Config{
		APIKey:         creds.OpenAIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Temperature:    cfg.LLM.Temperature,
		Timeout:        config.Seconds(cfg.LLM.TimeoutSeconds),
		MaxRetries:     cfg.LLM.MaxRetries,
		BatchSize:      cfg.Tools.Documents.BatchSize,
		HTTPClient:     r.httpClient,
	})
	if err != nil {
		return nil, err
	}
	cacheTTL := config.Seconds(cfg.Storage.Cache.TTLSeconds)

	registry := tools.NewRegistry(tools.WithCallTimeout(config.Seconds(cfg.Agent.ToolTimeoutSeconds)))
	fdaClient := fda.NewClient(fda.Config{
		BaseURL:      cfg.Tools.FDA.BaseURL,
		APIKey:       cfg.Tools.FDA.APIKey,
		DefaultLimit: cfg.Tools.FDA.DefaultLimit,
		RateLimit:    cfg.Tools.FDA.RateLimit,
		Timeout:      config.Seconds(cfg.Tools.FDA.TimeoutSeconds),
		Cache:        r.cache,
		CacheTTL:     cacheTTL,
		HTTPClient:   r.httpClient,
	})
	if err := registry.Register(fda.NewTool(fdaClient)); err != nil {
		return nil, err
	}

	backend, err := r.connectGraph(ctx, graph.Config{
		URI:      creds.Neo4jURI,
		Username: creds.Neo4jUsername,
		Password: creds.Neo4jPassword,
		Database: cfg.Tools.Graph.Database,
	})
	if err != nil {
		r.log.Warn("Neo4j 工具初始化失败，继续使用其余工具", slog.Any("error", err))
		if err := registry.Register(graph.NewQueryTool(nil, nil)); err != nil {
			return nil, err
		}
		if err := registry.Register(graph.NewCategoriesTool(nil)); err != nil {
			return nil, err
		}
	} else {
		chain := graph.NewQAChain(backend, client.WithModel(cfg.LLM.GraphModel),
			graph.WithTopK(cfg.Tools.Graph.TopK),
			graph.WithCache(r.cache, cacheTTL),
		)
		if err := registry.Register(graph.NewQueryTool(chain, backend)); err != nil {
			backend.Close()
			return nil, err
		}
		if err := registry.Register(graph.NewCategoriesTool(backend)); err != nil {
			registry.Close()
			return nil, err
		}
	}

	var pipeline *rag.Pipeline
	index, err := NewDocumentIndex(cfg, client, r.loader)
	if err == nil {
		_, err = index.Build(ctx, cfg.Tools.Documents.PDFPath)
	}
	if err != nil {
		r.log.Warn("PDF 工具初始化失败，继续使用其余工具", slog.String("pdf", cfg.Tools.Documents.PDFPath), slog.Any("error", err))
	} else {
		pipeline = rag.NewPipeline(index, client, cfg.Tools.Documents.TopK)
	}
	if err := registry.Register(rag.NewTool(pipeline)); err != nil {
		registry.Close()
		return nil, err
	}

	return New(client, registry,
		WithMemoryDepth(cfg.Agent.HistoryDepth),
		WithMaxIterations(cfg.Agent.MaxIterations),
		WithKnowledgeProvider(r.knowledge),
		WithHistory(r.history),
		WithLLMTimeout(config.Seconds(cfg.LLM.TimeoutSeconds)),
		WithModelName(client.Model()),
	), nil
}

// NewDocumentIndex 按配置创建文档索引，index 命令与 Runtime 共用。
func NewDocumentIndex(cfg *config.Config, embedder llm.Embedder, loader rag.Loader) (*rag.Index, error) {
	docs := cfg.Tools.Documents
	splitter := rag.NewSplitter(docs.ChunkSize, docs.ChunkOverlap)
	if strings.EqualFold(docs.LengthUnit, "tokens") {
		length, err := rag.TokenLength(cfg.LLM.EmbeddingModel)
		if err != nil {
			return nil, err
		}
		splitter.Length = length
	}
	return rag.NewIndex(embedder, rag.IndexConfig{
		SnapshotPath:   docs.IndexPath,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Splitter:       splitter,
		Loader:         loader,
	}), nil
}
