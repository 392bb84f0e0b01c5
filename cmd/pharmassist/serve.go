package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pharmassist/internal/agent"
	"pharmassist/internal/api"
	"pharmassist/internal/cache"
	"pharmassist/internal/config"
	"pharmassist/internal/knowledge"
	"pharmassist/internal/observability/alerting"
	"pharmassist/internal/observability/metrics"
	"pharmassist/internal/storage/mysql"
	"pharmassist/internal/storage/redis"
	"pharmassist/internal/task"
	"pharmassist/internal/web"
	"pharmassist/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web UI, REST API and query workers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := initLogger(cfg); err != nil {
			return err
		}
		defer logger.Sync()
		return runServe(cmd.Context(), cfg)
	},
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log := logger.Named("serve")
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}

	responseCache, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer responseCache.Close()

	history, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer history.Close()

	runtimeOpts := []agent.RuntimeOption{
		agent.WithResponseCache(responseCache),
		agent.WithConversationHistory(history),
	}
	if cfg.Knowledge.Path != "" {
		provider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Path, cfg.Knowledge.MaxResults)
		if err != nil {
			return err
		}
		runtimeOpts = append(runtimeOpts, agent.WithKnowledge(provider))
	}
	runner := agent.NewRuntime(cfg, runtimeOpts...)
	defer func() {
		if err := runner.Reset(); err != nil {
			log.Warn("释放智能体资源失败", slog.Any("error", err))
		}
	}()

	store, err := openTaskStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	queue, err := openTaskQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Warn("关闭任务队列失败", slog.Any("error", err))
		}
	}()

	defaults := agent.DefaultCredentials(cfg)
	vault := task.NewCredentialVault()
	service := task.NewService(store, queue, cfg.Storage.TaskQueue.MaxRetries,
		task.WithCredentialVault(vault),
		task.WithDefaultCredentials(defaults),
		task.WithSubmissionHistory(history),
	)
	processor := task.NewProcessor(runner, store, queue, queue,
		task.WithWorkerCount(cfg.Storage.TaskQueue.Workers),
		task.WithVault(vault),
		task.WithCompletionHistory(history),
		task.WithAlertDispatcher(newAlertDispatcher(cfg)),
	)

	page, err := web.New(service, history,
		web.WithResetter(runner),
		web.WithDefaultCredentials(defaults),
		web.WithRefreshInterval(cfg.Server.RefreshSeconds),
	)
	if err != nil {
		return err
	}
	separateMetrics := cfg.Metrics.Enabled && cfg.Metrics.Address != ""
	server := api.NewServer(cfg.Server.Address, service,
		api.WithMount(page),
		api.WithTimeouts(
			config.Seconds(cfg.Server.ReadTimeoutSeconds),
			config.Seconds(cfg.Server.WriteTimeoutSeconds),
			config.Seconds(cfg.Server.ShutdownTimeoutSecond),
		),
		api.WithMetricsEndpoint(cfg.Metrics.Enabled && !separateMetrics),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return ignoreCanceled(processor.Start(groupCtx))
	})
	group.Go(func() error {
		return ignoreCanceled(server.Start(groupCtx))
	})
	if separateMetrics {
		group.Go(func() error {
			return ignoreCanceled(metrics.StartServer(groupCtx, cfg.Metrics.Address))
		})
	}
	log.Info("PharmAssist 已启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("task_store", cfg.Storage.TaskStore.Driver),
		slog.String("task_queue", cfg.Storage.TaskQueue.Driver),
		slog.String("history", cfg.Storage.History.Driver),
		slog.Bool("credentials_preset", defaults.Complete()),
	)
	return group.Wait()
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openCache(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	switch cfg.Storage.Cache.Driver {
	case "", "memory":
		return cache.NewMemory(), nil
	case "redis":
		r := cfg.Storage.Cache.Redis
		c, err := redis.NewCache(ctx, redis.Config{
			Address:  r.Address,
			Password: r.Password,
			DB:       r.DB,
			Prefix:   r.Key,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("未知的缓存驱动: %s", cfg.Storage.Cache.Driver)
	}
}

func mysqlConfig(dsn string, store config.TaskStoreConfig) mysql.Config {
	return mysql.Config{
		DSN:             dsn,
		MaxOpenConns:    store.MaxOpenConns,
		MaxIdleConns:    store.MaxIdleConns,
		ConnMaxLifetime: config.Seconds(store.ConnMaxLifetimeSeconds),
	}
}

func openHistory(ctx context.Context, cfg *config.Config) (mysql.ConversationRepository, error) {
	h := cfg.Storage.History
	switch h.Driver {
	case "", "memory", "file":
		repo, err := mysql.NewFileConversationRepository(h.Path)
		if err != nil {
			return nil, err
		}
		return repo, nil
	case "mysql":
		dsn := h.DSN
		if dsn == "" {
			dsn = cfg.Storage.TaskStore.DSN
		}
		db, err := mysql.Open(ctx, mysqlConfig(dsn, cfg.Storage.TaskStore))
		if err != nil {
			return nil, err
		}
		return mysql.NewSQLConversationRepository(db), nil
	default:
		return nil, fmt.Errorf("未知的对话历史驱动: %s", h.Driver)
	}
}

func openTaskStore(ctx context.Context, cfg *config.Config) (task.Store, error) {
	s := cfg.Storage.TaskStore
	switch s.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		store, err := task.OpenMySQLStore(ctx, mysqlConfig(s.DSN, s))
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", s.Driver)
	}
}

func openTaskQueue(ctx context.Context, cfg *config.Config) (task.Queue, error) {
	q := cfg.Storage.TaskQueue
	switch q.Driver {
	case "", "memory":
		return task.NewMemoryQueue(q.Buffer), nil
	case "redis":
		queue, err := task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   q.Redis.Address,
			Password:  q.Redis.Password,
			DB:        q.Redis.DB,
			Queue:     q.Redis.Key,
			BlockWait: 5 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      q.RabbitMQ.URL,
			Queue:    q.RabbitMQ.Queue,
			Prefetch: q.RabbitMQ.Prefetch,
			Durable:  q.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", q.Driver)
	}
}

func newAlertDispatcher(cfg *config.Config) *alerting.FanoutDispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, config.Seconds(cfg.Alerting.TimeoutSeconds)))
	}
	return alerting.NewFanout(notifiers...)
}
