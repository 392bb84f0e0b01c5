package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了 PharmAssist 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	LLM       LLMConfig       `json:"llm" yaml:"llm"`
	Agent     AgentConfig     `json:"agent" yaml:"agent"`
	Tools     ToolsConfig     `json:"tools" yaml:"tools"`
	Knowledge KnowledgeConfig `json:"knowledge" yaml:"knowledge"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Alerting  AlertingConfig  `json:"alerting" yaml:"alerting"`
	Runtime   RuntimeConfig   `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 Web 与 API 服务的监听地址等参数。
type ServerConfig struct {
	Address               string `json:"address" yaml:"address"`
	ReadTimeoutSeconds    int    `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds   int    `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
	ShutdownTimeoutSecond int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
	RefreshSeconds        int    `json:"refresh_seconds" yaml:"refresh_seconds"`
}

// StorageConfig 统一描述 MySQL、Redis、RabbitMQ 等后端的连接信息。
type StorageConfig struct {
	TaskStore TaskStoreConfig `json:"task_store" yaml:"task_store"`
	TaskQueue TaskQueueConfig `json:"task_queue" yaml:"task_queue"`
	History   HistoryConfig   `json:"history" yaml:"history"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
}

// TaskStoreConfig 支持 memory 与 mysql 两种实现。
type TaskStoreConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
}

// TaskQueueConfig 描述查询任务的排队方式。
type TaskQueueConfig struct {
	Driver     string         `json:"driver" yaml:"driver"`
	Workers    int            `json:"workers" yaml:"workers"`
	Buffer     int            `json:"buffer" yaml:"buffer"`
	MaxRetries int            `json:"max_retries" yaml:"max_retries"`
	Redis      RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 为队列与缓存共用的 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Key      string `json:"key" yaml:"key"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
	Durable  bool   `json:"durable" yaml:"durable"`
}

// HistoryConfig 控制对话历史的持久化。memory 驱动会写入 Path 指定的 JSONL 文件。
type HistoryConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
	Path   string `json:"path" yaml:"path"`
}

// CacheConfig 控制外部数据源结果的缓存。
type CacheConfig struct {
	Driver     string      `json:"driver" yaml:"driver"`
	TTLSeconds int         `json:"ttl_seconds" yaml:"ttl_seconds"`
	Redis      RedisConfig `json:"redis" yaml:"redis"`
}

// LLMConfig 用于配置 OpenAI 接口的调用方式。
type LLMConfig struct {
	Provider       string  `json:"provider" yaml:"provider"`
	APIKey         string  `json:"api_key" yaml:"api_key"`
	BaseURL        string  `json:"base_url" yaml:"base_url"`
	Model          string  `json:"model" yaml:"model"`
	GraphModel     string  `json:"graph_model" yaml:"graph_model"`
	EmbeddingModel string  `json:"embedding_model" yaml:"embedding_model"`
	Temperature    float64 `json:"temperature" yaml:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries     int     `json:"max_retries" yaml:"max_retries"`
}

// AgentConfig 控制推理循环。
type AgentConfig struct {
	MaxIterations      int `json:"max_iterations" yaml:"max_iterations"`
	HistoryDepth       int `json:"history_depth" yaml:"history_depth"`
	ToolTimeoutSeconds int `json:"tool_timeout_seconds" yaml:"tool_timeout_seconds"`
	// MaxCachedAgents 限制同时缓存的凭据组数，超出时淘汰最久未用的。
	MaxCachedAgents    int `json:"max_cached_agents" yaml:"max_cached_agents"`
	IdleTimeoutSeconds int `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`
}

// ToolsConfig 汇总三个外部数据源的配置。
type ToolsConfig struct {
	FDA       FDAConfig       `json:"fda" yaml:"fda"`
	Graph     GraphConfig     `json:"graph" yaml:"graph"`
	Documents DocumentsConfig `json:"documents" yaml:"documents"`
}

// FDAConfig 描述 openFDA 不良事件接口。
type FDAConfig struct {
	BaseURL        string  `json:"base_url" yaml:"base_url"`
	APIKey         string  `json:"api_key" yaml:"api_key"`
	DefaultLimit   int     `json:"default_limit" yaml:"default_limit"`
	RateLimit      float64 `json:"rate_limit" yaml:"rate_limit"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// GraphConfig 描述 Neo4j 连接以及问答链参数。
type GraphConfig struct {
	URI      string `json:"uri" yaml:"uri"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
	TopK     int    `json:"top_k" yaml:"top_k"`
}

// DocumentsConfig 描述 PDF 检索链。
type DocumentsConfig struct {
	PDFPath      string `json:"pdf_path" yaml:"pdf_path"`
	IndexPath    string `json:"index_path" yaml:"index_path"`
	ChunkSize    int    `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap int    `json:"chunk_overlap" yaml:"chunk_overlap"`
	LengthUnit   string `json:"length_unit" yaml:"length_unit"`
	TopK         int    `json:"top_k" yaml:"top_k"`
	BatchSize    int    `json:"batch_size" yaml:"batch_size"`
}

// KnowledgeConfig 指向静态参考资料文件。
type KnowledgeConfig struct {
	Path       string `json:"path" yaml:"path"`
	MaxResults int    `json:"max_results" yaml:"max_results"`
}

// LoggingConfig 对应 pkg/logger 的配置项。
type LoggingConfig struct {
	Level       string   `json:"level" yaml:"level"`
	Format      string   `json:"format" yaml:"format"`
	OutputPaths []string `json:"output_paths" yaml:"output_paths"`
	AuditPath   string   `json:"audit_path" yaml:"audit_path"`
}

// MetricsConfig 控制 Prometheus 指标暴露方式。Address 为空时挂载在主服务上。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

// AlertingConfig 描述告警通知渠道。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url" yaml:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Load 负责解析指定路径的 JSON 或 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.ApplyEnv()

	return &cfg, nil
}

// LoadOrDefault 在配置文件不存在时返回默认配置，便于命令行直接使用。
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}
	return Default(), nil
}

// Default 返回以当前目录为基准的默认配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv 使用环境变量覆盖凭据等敏感字段。
func (c *Config) ApplyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("NEO4J_URI"); v != "" {
		c.Tools.Graph.URI = v
	}
	if v := os.Getenv("NEO4J_USERNAME"); v != "" {
		c.Tools.Graph.Username = v
	}
	if v := os.Getenv("NEO4J_PASSWORD"); v != "" {
		c.Tools.Graph.Password = v
	}
	if v := os.Getenv("OPENFDA_API_KEY"); v != "" {
		c.Tools.FDA.APIKey = v
	}
	if v := os.Getenv("PHARMASSIST_ADDR"); v != "" {
		c.Server.Address = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 30
	}
	if c.Server.ShutdownTimeoutSecond <= 0 {
		c.Server.ShutdownTimeoutSecond = 5
	}
	if c.Server.RefreshSeconds <= 0 {
		c.Server.RefreshSeconds = 2
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskQueue.Driver == "" {
		c.Storage.TaskQueue.Driver = "memory"
	}
	if c.Storage.TaskQueue.Workers <= 0 {
		c.Storage.TaskQueue.Workers = 4
	}
	if c.Storage.TaskQueue.Buffer <= 0 {
		c.Storage.TaskQueue.Buffer = 64
	}
	if c.Storage.TaskQueue.MaxRetries < 0 {
		c.Storage.TaskQueue.MaxRetries = 0
	}
	if c.Storage.History.Driver == "" {
		c.Storage.History.Driver = "memory"
	}
	if c.Storage.History.Path == "" {
		c.Storage.History.Path = filepath.Join(c.Runtime.DataDir, "history.jsonl")
	} else {
		c.Storage.History.Path = resolve(baseDir, c.Storage.History.Path)
	}
	if c.Storage.Cache.Driver == "" {
		c.Storage.Cache.Driver = "memory"
	}
	if c.Storage.Cache.TTLSeconds <= 0 {
		c.Storage.Cache.TTLSeconds = 600
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4"
	}
	if c.LLM.GraphModel == "" {
		c.LLM.GraphModel = "gpt-3.5-turbo"
	}
	if c.LLM.EmbeddingModel == "" {
		c.LLM.EmbeddingModel = "text-embedding-3-large"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 60
	}
	if c.LLM.MaxRetries <= 0 {
		c.LLM.MaxRetries = 2
	}

	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 8
	}
	if c.Agent.HistoryDepth <= 0 {
		c.Agent.HistoryDepth = 10
	}
	if c.Agent.ToolTimeoutSeconds <= 0 {
		c.Agent.ToolTimeoutSeconds = 60
	}
	if c.Agent.MaxCachedAgents <= 0 {
		c.Agent.MaxCachedAgents = 8
	}
	if c.Agent.IdleTimeoutSeconds <= 0 {
		c.Agent.IdleTimeoutSeconds = 1800
	}

	if c.Tools.FDA.BaseURL == "" {
		c.Tools.FDA.BaseURL = "https://api.fda.gov"
	}
	if c.Tools.FDA.DefaultLimit <= 0 {
		c.Tools.FDA.DefaultLimit = 10
	}
	if c.Tools.FDA.RateLimit <= 0 {
		c.Tools.FDA.RateLimit = 4
	}
	if c.Tools.FDA.TimeoutSeconds <= 0 {
		c.Tools.FDA.TimeoutSeconds = 30
	}

	if c.Tools.Graph.URI == "" {
		c.Tools.Graph.URI = "bolt://localhost:7687"
	}
	if c.Tools.Graph.Username == "" {
		c.Tools.Graph.Username = "neo4j"
	}
	if c.Tools.Graph.TopK <= 0 {
		c.Tools.Graph.TopK = 5
	}

	docs := &c.Tools.Documents
	if docs.PDFPath == "" {
		docs.PDFPath = filepath.Join(c.Runtime.DataDir, "pdf", "report_2023_2024.pdf")
	} else {
		docs.PDFPath = resolve(baseDir, docs.PDFPath)
	}
	if docs.IndexPath == "" {
		docs.IndexPath = filepath.Join(c.Runtime.DataDir, "index", "documents.json")
	} else {
		docs.IndexPath = resolve(baseDir, docs.IndexPath)
	}
	if docs.ChunkSize <= 0 {
		docs.ChunkSize = 1000
	}
	if docs.ChunkOverlap <= 0 || docs.ChunkOverlap >= docs.ChunkSize {
		docs.ChunkOverlap = 200
		if docs.ChunkOverlap >= docs.ChunkSize {
			docs.ChunkOverlap = docs.ChunkSize / 5
		}
	}
	if docs.LengthUnit == "" {
		docs.LengthUnit = "chars"
	}
	if docs.TopK <= 0 {
		docs.TopK = 4
	}
	if docs.BatchSize <= 0 {
		docs.BatchSize = 64
	}

	if c.Knowledge.Path != "" {
		c.Knowledge.Path = resolve(baseDir, c.Knowledge.Path)
	}
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.AuditPath != "" {
		c.Logging.AuditPath = resolve(baseDir, c.Logging.AuditPath)
	}

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Seconds 将秒数配置转换为 time.Duration。
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
