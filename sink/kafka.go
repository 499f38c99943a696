package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type KafkaProducer struct {
	writer *kafka.Writer
	logger *zap.Logger
	topic  string
}

var _ Producer = (*KafkaProducer)(nil)

func NewKafkaProducer(cfg KafkaConfig, logger *zap.Logger) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		WriteTimeout:           10 * time.Second,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Async:                  true,
	}

	logger = logger.Named("kafka")
	logger.Info("Initialized Kafka producer", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))

	return &KafkaProducer{
		writer: w,
		logger: logger,
		topic:  cfg.Topic,
	}, nil
}

func (p *KafkaProducer) Produce(ctx context.Context, topic string, key string, data interface{}) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	// Writer с заданным Topic не принимает топик в сообщении
	msg := kafka.Message{Key: []byte(key), Value: body}
	targetTopic := p.topic
	if p.topic == "" {
		targetTopic = topic
		msg.Topic = topic
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("Failed to produce message to Kafka", zap.Error(err), zap.String("topic", targetTopic))
		return err
	}

	p.logger.Debug("Produced message to Kafka", zap.String("topic", targetTopic), zap.String("key", key))
	return nil
}

func (p *KafkaProducer) Close() {
	if err := p.writer.Close(); err != nil {
		p.logger.Error("Failed to close Kafka writer", zap.Error(err))
	}
}
