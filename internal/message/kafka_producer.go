package message

import (
	"fmt"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/charging-platform/central-system/internal/config"
	"github.com/charging-platform/central-system/internal/domain/events"
	"github.com/charging-platform/central-system/internal/metrics"
)

type KafkaProducer struct {
	producer sarama.AsyncProducer
	topic    string
}

// NewKafkaProducer 创建一个新的 KafkaProducer
func NewKafkaProducer(cfg config.KafkaConfig) (*KafkaProducer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal          // 只等待本地确认
	saramaConfig.Producer.Compression = sarama.CompressionSnappy      // 压缩
	saramaConfig.Producer.Flush.Frequency = cfg.Producer.FlushFrequency // 刷新频率
	saramaConfig.Producer.Retry.Max = cfg.Producer.RetryMax
	saramaConfig.Producer.Return.Successes = true // 开启成功交付通知
	saramaConfig.Producer.Return.Errors = true    // 开启错误通知

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka async producer: %w", err)
	}

	kp := &KafkaProducer{
		producer: producer,
		topic:    cfg.EventTopic,
	}

	// 启动 goroutine 处理成功和失败的 Kafka 消息
	go kp.handleSuccesses()
	go kp.handleErrors()

	return kp, nil
}

func (p *KafkaProducer) PublishEvent(event events.Event) error {
	eventData, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal event to JSON: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.GetChargePointID()), // 使用充电桩ID作为Key，保证同一桩的消息落入同一分区
		Value: sarama.ByteEncoder(eventData),
	}

	p.producer.Input() <- msg
	metrics.EventsPublished.WithLabelValues(string(event.GetType())).Inc()
	return nil
}

func (p *KafkaProducer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}

func (p *KafkaProducer) handleSuccesses() {
	for msg := range p.producer.Successes() {
		log.Debug().
			Str("topic", msg.Topic).
			Str("key", string(msg.Key.(sarama.StringEncoder))).
			Msg("Kafka message sent successfully")
	}
}

func (p *KafkaProducer) handleErrors() {
	for err := range p.producer.Errors() {
		log.Error().
			Err(err).
			Str("topic", err.Msg.Topic).
			Str("key", string(err.Msg.Key.(sarama.StringEncoder))).
			Msg("Failed to send Kafka message")
	}
}
