package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"listen-engine/internal/api"
	"listen-engine/internal/bridge"
	"listen-engine/internal/chain"
	"listen-engine/internal/chain/evm"
	"listen-engine/internal/chain/solana"
	"listen-engine/internal/config"
	"listen-engine/internal/custody"
	"listen-engine/internal/engine"
	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/execute"
	"listen-engine/internal/feed"
	"listen-engine/internal/observability/alerting"
	"listen-engine/internal/observability/metrics"
	"listen-engine/internal/store"
	"listen-engine/pkg/logger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the engine, the price feed and the command API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx)
	},
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	log := logger.Named("listend")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var rdb *redis.Client
	if cfg.Store.Driver == "redis" || !cfg.Notify.DisableRedis {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Address,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 Redis")
		}
	}

	st, err := openStore(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	defer st.Close()

	sub, err := openFeed(ctx, cfg)
	if err != nil {
		return err
	}
	defer sub.Close()

	defs, err := loadChains(cfg)
	if err != nil {
		return err
	}
	registry, err := evm.Dial(ctx, defs)
	if err != nil {
		return err
	}
	defer registry.Close()

	solanaURL := cfg.Solana.RPCURL
	if def, ok := defs.Chains[chain.Solana]; ok {
		solanaURL = def.RPCURL
	}
	blockhash := solana.NewBlockhashCache(solanaURL, solana.WithMaxAge(time.Duration(cfg.Solana.MaxAgeSeconds)*time.Second))
	go blockhash.Run(ctx, time.Duration(cfg.Solana.RefreshIntervalSeconds)*time.Second)

	quotes, err := bridge.NewClient(bridge.Config{
		BaseURL:    cfg.Bridge.BaseURL,
		APIKey:     cfg.Bridge.APIKey,
		Integrator: cfg.Bridge.Integrator,
		Slippage:   cfg.Bridge.Slippage,
	}, nil)
	if err != nil {
		return err
	}
	wallets, err := custody.NewClient(custody.Config{
		BaseURL:   cfg.Custody.BaseURL,
		AppID:     cfg.Custody.AppID,
		AppSecret: cfg.Custody.AppSecret,
	}, nil)
	if err != nil {
		return err
	}

	execOpts := []execute.Option{execute.WithMetrics(m)}
	if cfg.Approvals.WaitForConfirmation {
		execOpts = append(execOpts, execute.WithApprovalWaiter(registry,
			time.Duration(cfg.Approvals.PollIntervalMS)*time.Millisecond,
			time.Duration(cfg.Approvals.TimeoutSeconds)*time.Second))
	}
	executor := execute.New(quotes, wallets, blockhash, registry, execOpts...)

	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if rdb != nil && !cfg.Notify.DisableRedis {
		notifiers = append(notifiers, alerting.NewRedisNotifier(rdb, cfg.Notify.RedisChannel))
	}
	dispatcher := alerting.NewFanout(notifiers...)

	advancer := engine.NewStepAdvancer(st, executor,
		engine.WithNotifier(dispatcher),
		engine.WithAlertDispatcher(dispatcher),
	)
	eng := engine.New(st, advancer,
		engine.WithBatchSize(cfg.Engine.BatchSize),
		engine.WithDrainInterval(cfg.Engine.DrainInterval()),
		engine.WithMetrics(m),
	)
	if err := eng.Rebuild(ctx); err != nil {
		return err
	}

	ticks := make(chan feed.Tick, cfg.Engine.TickBuffer)
	commands := make(chan engine.Command, cfg.Engine.CommandBuffer)

	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()
	feedErr := make(chan error, 1)
	go func() {
		defer close(ticks)
		err := sub.Run(feedCtx, ticks)
		if err != nil {
			log.Error("价格订阅异常退出", slog.Any("error", err))
			cancel()
		}
		feedErr <- err
	}()

	server := api.NewServer(cfg.Server.Address, engine.NewClient(commands), api.WithMetrics(m))
	apiDone := make(chan error, 1)
	go func() {
		err := server.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("API 服务异常退出", slog.Any("error", err))
			cancel()
		} else {
			err = nil
		}
		apiDone <- err
	}()

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address, reg); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	runDone := make(chan error, 1)
	go func() { runDone <- eng.Run(context.Background(), ticks, commands) }()
	log.Info("listend 已启动",
		slog.String("store", cfg.Store.Driver),
		slog.String("feed", cfg.Feed.Driver),
		slog.String("api", cfg.Server.Address),
	)

	<-ctx.Done()
	log.Info("收到停止信号，开始停机")

	stopFeed()
	apiErr := <-apiDone
	close(commands)
	eng.Shutdown()
	if err := <-runDone; err != nil {
		log.Error("调度循环异常退出", slog.Any("error", err))
	}
	log.Info("listend 已停止")
	if err := <-feedErr; err != nil {
		return err
	}
	return apiErr
}

func openStore(ctx context.Context, cfg *config.Config, rdb *redis.Client) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "mysql":
		return store.NewMySQLStore(ctx, store.MySQLConfig{
			DSN:             cfg.Store.MySQL.DSN,
			MaxOpenConns:    cfg.Store.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Store.MySQL.ConnMaxLifetimeSeconds) * time.Second,
		})
	case "redis":
		return store.NewRedisStoreFromClient(rdb, store.WithPrefix(cfg.Store.Redis.Prefix)), nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Store.Driver)
	}
}

func openFeed(ctx context.Context, cfg *config.Config) (feed.Subscriber, error) {
	switch cfg.Feed.Driver {
	case "redis":
		return feed.NewRedisSubscriber(ctx, feed.RedisConfig{
			Address:  cfg.Feed.Redis.Address,
			Password: cfg.Feed.Redis.Password,
			DB:       cfg.Feed.Redis.DB,
			Channel:  cfg.Feed.Redis.Channel,
		})
	case "rabbitmq":
		return feed.NewRabbitMQSubscriber(feed.RabbitMQConfig{
			URL:        cfg.Feed.RabbitMQ.URL,
			Queue:      cfg.Feed.RabbitMQ.Queue,
			Prefetch:   cfg.Feed.RabbitMQ.Prefetch,
			Durable:    cfg.Feed.RabbitMQ.Durable,
			AutoDelete: cfg.Feed.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的价格订阅驱动: %s", cfg.Feed.Driver)
	}
}
