package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lvdashuaibi/rafflepool/config"
	"github.com/lvdashuaibi/rafflepool/internal/api/graph"
	intkafka "github.com/lvdashuaibi/rafflepool/internal/kafka"
	"github.com/lvdashuaibi/rafflepool/internal/lock"
	"github.com/lvdashuaibi/rafflepool/internal/repository"
	"github.com/lvdashuaibi/rafflepool/internal/service"
)

const (
	shutdownTimeout = 10 * time.Second
	consumerWorkers = 4
)

var (
	configPath = flag.String("config", "config/config.yaml", "配置文件路径")
	instanceID = flag.Int("instance", 1, "实例ID，用于区分多个实例")
)

func main() {
	// 解析命令行参数
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("加载配置失败", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log).With("instance", *instanceID)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("服务异常退出", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, audit, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// 创建分布式锁，只用于周期回收选主
	distributedLock, err := newLock(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer distributedLock.Close()

	// Kafka 关闭时事件直接写入审计表
	var publisher service.Publisher
	if cfg.Kafka.Enabled {
		producer, err := intkafka.NewProducer(ctx, cfg.Kafka, logger)
		if err != nil {
			return fmt.Errorf("初始化Kafka生产者失败: %w", err)
		}
		defer producer.Close()
		publisher = producer
		logger.Info("Kafka生产者初始化成功", "topic", cfg.Kafka.Topic)
	}

	raffleService := service.NewRaffleService(store, publisher, audit, service.Options{
		TTL:           cfg.Reservation.TTL,
		SweepInterval: cfg.Reservation.SweepInterval,
		MaxAttempts:   cfg.Reservation.MaxAttempts,
		PageSize:      cfg.Reservation.PageSize,
		LazySweep:     cfg.Reservation.LazySweep,
		Leader:        distributedLock,
		LeaderTTL:     cfg.Lock.TTL,
	}, logger)

	// 审计消费者只在有MySQL时启动
	if cfg.Kafka.Enabled && audit != nil {
		consumer := intkafka.NewConsumer(cfg.Kafka, consumerWorkers, logger)
		consumer.StartConsuming(ctx, raffleService.ProcessTicketEvent)
		defer consumer.Stop()
	}

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		raffleService.Sweeper().Run(ctx)
	}()

	// 计算端口，支持多实例
	serverPort := cfg.Server.Port + *instanceID - 1
	server := graph.NewGraphQLServer(raffleService, cfg.Server, cfg.GraphQL, logger)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(serverPort)
	}()
	logger.Info("Raffle Pool 已启动", "port", serverPort, "store", cfg.Store.Backend, "lock", cfg.Lock.Backend)

	select {
	case <-ctx.Done():
		logger.Info("正在关闭服务...")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("GraphQL服务器退出: %w", err)
		}
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("关闭HTTP服务失败", "error", err)
	}
	<-sweepDone
	return nil
}

// openStore 按配置选择票号存储。只有MySQL后端提供审计表
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (service.RaffleStore, service.AuditLog, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreBackendRedis:
		repo, err := repository.NewRedisRepository(cfg.Redis)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("初始化Redis仓库失败: %w", err)
		}
		logger.Info("Redis仓库初始化成功", "addr", cfg.Redis.DataAddress)
		return repo, nil, func() { repo.Close() }, nil
	default:
		repo, err := repository.NewMySQLRepository(cfg.MySQL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("初始化MySQL仓库失败: %w", err)
		}
		if err := repo.Migrate(ctx); err != nil {
			repo.Close()
			return nil, nil, nil, fmt.Errorf("初始化MySQL表结构失败: %w", err)
		}
		logger.Info("MySQL仓库初始化成功")
		return repo, repo, func() { repo.Close() }, nil
	}
}

func newLock(ctx context.Context, cfg *config.Config, logger *slog.Logger) (lock.Lock, error) {
	switch cfg.Lock.Backend {
	case config.LockBackendETCD:
		l, err := lock.NewETCDLock(cfg.ETCD, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化ETCD分布式锁失败: %w", err)
		}
		logger.Info("ETCD分布式锁初始化成功")
		return l, nil
	default:
		l, err := lock.NewRedLock(ctx, cfg.Redis, cfg.Lock.RetryCount, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化Redlock失败: %w", err)
		}
		logger.Info("Redlock初始化成功")
		return l, nil
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
