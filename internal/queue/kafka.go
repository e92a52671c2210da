package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

const headerType = "crawlpilot-type"

// KafkaPublisher writes work orders to a topic keyed by user, so one user's
// orders stay in one partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaPublisher creates a publisher for topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topic: topic,
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, order *WorkOrder) error {
	msg, err := p.message(order)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("queue: write work order %s: %w", order.ID, err)
	}
	return nil
}

func (p *KafkaPublisher) message(order *WorkOrder) (kafka.Message, error) {
	payload, err := json.Marshal(order)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("queue: marshal work order: %w", err)
	}
	return kafka.Message{
		Topic:   p.topic,
		Key:     []byte(order.UserID),
		Value:   payload,
		Time:    order.CreatedAt.UTC(),
		Headers: []kafka.Header{{Key: headerType, Value: []byte("work_order")}},
	}, nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

var _ Publisher = (*KafkaPublisher)(nil)
