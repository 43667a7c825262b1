package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lvdashuaibi/rafflepool/config"
	"github.com/lvdashuaibi/rafflepool/internal/model"
	"github.com/segmentio/kafka-go"
)

const (
	handleAttempts = 3
	retryBackoff   = time.Second
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageHandler 处理单条票号事件。需要幂等，同一事件可能被投递多次
type MessageHandler func(ctx context.Context, event *model.TicketEvent) error

// Consumer 消费者组模式，多个reader共享同一个GroupID，由Kafka分配分区
type Consumer struct {
	readers []messageReader
	logger  *slog.Logger
	backoff time.Duration
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewConsumer(cfg config.KafkaConfig, workers int, logger *slog.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	readers := make([]messageReader, 0, workers)
	for i := 0; i < workers; i++ {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6, // 10MB
		}))
	}
	logger.Info("创建消费者组Reader", "group_id", cfg.GroupID, "workers", workers)
	return newConsumer(readers, logger)
}

func newConsumer(readers []messageReader, logger *slog.Logger) *Consumer {
	return &Consumer{readers: readers, logger: logger, backoff: retryBackoff}
}

// StartConsuming 每个reader一个goroutine
func (c *Consumer) StartConsuming(ctx context.Context, handler MessageHandler) {
	ctx, c.cancel = context.WithCancel(ctx)
	for i, reader := range c.readers {
		c.wg.Add(1)
		go func(workerID int, r messageReader) {
			defer c.wg.Done()
			c.consumeMessages(ctx, workerID, r, handler)
		}(i, reader)
	}
	c.logger.Info("已启动Kafka消费者", "workers", len(c.readers))
}

func (c *Consumer) consumeMessages(ctx context.Context, workerID int, reader messageReader, handler MessageHandler) {
	logger := c.logger.With("worker", workerID)
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			logger.Warn("读取消息失败", "error", err)
			if !c.sleep(ctx) {
				return
			}
			continue
		}

		event, err := DecodeEvent(m)
		if err != nil {
			logger.Error("丢弃无法解析的消息", "partition", m.Partition, "offset", m.Offset, "error", err)
		} else if err := c.handle(ctx, handler, event); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("处理票号事件失败，跳过", "event_id", event.ID, "error", err)
		}

		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			logger.Warn("提交偏移量失败", "partition", m.Partition, "offset", m.Offset, "error", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, handler MessageHandler, event *model.TicketEvent) error {
	var err error
	for attempt := 1; attempt <= handleAttempts; attempt++ {
		if err = handler(ctx, event); err == nil {
			return nil
		}
		if attempt < handleAttempts && !c.sleep(ctx) {
			return ctx.Err()
		}
	}
	return err
}

func (c *Consumer) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.backoff):
		return true
	}
}

// Stop 停止消费并关闭所有reader
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	var errs []error
	for _, reader := range c.readers {
		if err := reader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.logger.Info("Kafka消费者已停止")
	return errors.Join(errs...)
}
