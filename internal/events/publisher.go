package events

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/roadlens/roadlens/internal/models"
)

// Publisher sends one DetectionEvent per answered frame to a Kafka topic,
// keyed by session so a session's events stay ordered within a partition.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// NewConfig is the producer configuration the publisher expects.
func NewConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	return config
}

func NewPublisher(brokers []string, topic string, logger *zap.Logger) (*Publisher, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewConfig())
	if err != nil {
		return nil, errors.Wrap(err, "create kafka producer")
	}
	return NewPublisherWithProducer(producer, topic, logger), nil
}

func NewPublisherWithProducer(producer sarama.SyncProducer, topic string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{producer: producer, topic: topic, logger: logger.Named("events")}
}

func (p *Publisher) Name() string { return "kafka" }

func (p *Publisher) Record(_ context.Context, rec models.FrameRecord) error {
	return p.Publish(EventFor(rec))
}

func (p *Publisher) Publish(ev models.DetectionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.SessionID),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return errors.Wrap(err, "send event")
	}
	p.logger.Debug("event published",
		zap.String("session", ev.SessionID),
		zap.Uint64("seq", ev.Seq),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

func (p *Publisher) Close() error {
	return errors.Wrap(p.producer.Close(), "close kafka producer")
}

func EventFor(rec models.FrameRecord) models.DetectionEvent {
	return models.DetectionEvent{
		SessionID:  rec.SessionID,
		Seq:        rec.Seq,
		Threshold:  rec.Metadata.Threshold,
		Latitude:   rec.Metadata.Latitude,
		Longitude:  rec.Metadata.Longitude,
		Detections: rec.Detections,
		Timestamp:  rec.ReceivedAt,
	}
}
