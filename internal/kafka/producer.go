package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/lvdashuaibi/rafflepool/config"
	"github.com/lvdashuaibi/rafflepool/internal/model"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer 票号事件生产者
type Producer struct {
	writer messageWriter
	logger *slog.Logger
}

func NewProducer(ctx context.Context, cfg config.KafkaConfig, logger *slog.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("未配置Kafka broker")
	}

	// 获取分区数量
	conn, err := kafka.DialLeader(ctx, "tcp", cfg.Brokers[0], cfg.Topic, 0)
	if err != nil {
		return nil, fmt.Errorf("连接Kafka失败: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("读取分区信息失败: %w", err)
	}
	topicPartitions := 0
	for _, p := range partitions {
		if p.Topic == cfg.Topic {
			topicPartitions++
		}
	}
	logger.Info("生产者检测到Kafka主题分区", "topic", cfg.Topic, "partitions", topicPartitions)

	// 按抽奖ID做Hash分区，同一抽奖的事件保持顺序
	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	}
	return NewProducerWithWriter(writer, logger), nil
}

func NewProducerWithWriter(writer messageWriter, logger *slog.Logger) *Producer {
	return &Producer{writer: writer, logger: logger}
}

// Publish 发送票号事件
func (p *Producer) Publish(ctx context.Context, event *model.TicketEvent) error {
	msg, err := EncodeEvent(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("发送票号事件失败: %w", err)
	}
	p.logger.Debug("已发送票号事件", "type", event.Type, "raffle_id", event.RaffleID, "count", event.Count)
	return nil
}

// Close 关闭Kafka生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}

// EncodeEvent 事件序列化为Kafka消息，Key为抽奖ID
func EncodeEvent(event *model.TicketEvent) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("序列化票号事件失败: %w", err)
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(event.RaffleID, 10)),
		Value: data,
		Time:  event.OccurredAt,
	}, nil
}

// DecodeEvent 解析Kafka消息
func DecodeEvent(msg kafka.Message) (*model.TicketEvent, error) {
	var event model.TicketEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return nil, fmt.Errorf("解析票号事件失败: %w", err)
	}
	if event.ID == "" {
		return nil, fmt.Errorf("票号事件缺少ID")
	}
	return &event, nil
}
