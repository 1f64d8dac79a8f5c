package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/warp/quote-engine/quote"
)

// messageWriter is the part of *kafka.Writer the notifier uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes quote events to a topic. Messages are keyed by quote id so
// all events of one quote land on the same partition, in order.
type Kafka struct {
	logger *zap.Logger
	writer messageWriter
	topic  string
}

func NewKafka(logger *zap.Logger, brokers []string, topic string) *Kafka {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return newKafka(logger, writer, topic)
}

func newKafka(logger *zap.Logger, w messageWriter, topic string) *Kafka {
	return &Kafka{logger: logger, writer: w, topic: topic}
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

func (k *Kafka) Notify(ctx context.Context, ev quote.Event) error {
	value, err := json.Marshal(NewPayload(ev))
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.Quote.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", ev.Type, k.topic, err)
	}

	k.logger.Debug("quote event published",
		zap.String("topic", k.topic),
		zap.String("event_type", string(ev.Type)),
		zap.String("quote_id", string(ev.Quote.ID)),
	)
	return nil
}
