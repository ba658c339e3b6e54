package outbox

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes events to a topic keyed by aggregate id, so one
// aggregate always lands on one partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	return p.writer.WriteMessages(ctx, kafkaMessage(e))
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func kafkaMessage(e Event) kafka.Message {
	return kafka.Message{
		Key:   []byte(e.AggregateID.String()),
		Value: e.Payload,
		Time:  e.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(e.ID.String())},
			{Key: "event_type", Value: []byte(e.EventType)},
			{Key: "aggregate_type", Value: []byte(e.AggregateType)},
		},
	}
}
