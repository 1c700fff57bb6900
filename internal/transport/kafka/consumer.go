package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"tracktrace/internal/config"
	"tracktrace/internal/telemetry"
	"tracktrace/internal/util"

	"github.com/segmentio/kafka-go"
)

const (
	// TopicHeader 桥接程序写入原始遥测 topic 的消息头
	TopicHeader = "mqtt_topic"
	// TraceHeader 可选的 Trace ID 消息头
	TraceHeader = "trace_id"
)

// Submitter 接收转换后的遥测消息
type Submitter interface {
	Submit(ctx context.Context, env string, msg telemetry.Message) error
}

// Consumer 从 Kafka 读取经桥接转发的遥测消息并提交给引擎
type Consumer struct {
	reader *kafka.Reader
	target Submitter
	env    string
	logger *slog.Logger
}

// NewConsumer 创建消费组读取器
func NewConsumer(cfg config.KafkaConfig, target Submitter, logger *slog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 || len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("kafka: brokers and topics are required")
	}
	// GroupTopics 只能与消费组一起使用
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka: group_id is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		GroupTopics:    cfg.Topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
	})
	return &Consumer{
		reader: reader,
		target: target,
		env:    cfg.Env,
		logger: logger.With("component", "kafka-consumer", "env", cfg.Env),
	}, nil
}

// Run 持续读取消息直到 ctx 结束
// 消息提交到引擎队列后才确认位点，引擎拒绝时不确认，重启后重新投递
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("开始消费遥测消息")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("停止消费遥测消息")
				return nil
			}
			c.logger.Error("读取消息失败", "error", err)
			continue
		}

		msgCtx := ctx
		if id := header(msg, TraceHeader); id != "" {
			msgCtx = util.ContextWithTraceID(ctx, id)
		}
		if err := c.target.Submit(msgCtx, c.env, ToMessage(msg)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("提交消息失败", "kafka_topic", msg.Topic, "offset", msg.Offset, "error", err)
			continue
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("确认消息失败", "kafka_topic", msg.Topic, "error", err)
		}
	}
}

// Close 关闭读取器
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// ToMessage 把 Kafka 消息还原为原始遥测消息
// 遥测 topic 依次取 mqtt_topic 消息头、消息 key、Kafka topic
func ToMessage(msg kafka.Message) telemetry.Message {
	topic := header(msg, TopicHeader)
	if topic == "" {
		topic = string(msg.Key)
	}
	if topic == "" {
		topic = msg.Topic
	}
	return telemetry.Message{
		Topic:     topic,
		Payload:   msg.Value,
		Timestamp: msg.Time.UTC(),
	}
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
