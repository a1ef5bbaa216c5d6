package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/0xRichardL/pool-relay/internal/domain"
	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers []string
	Topic   string
}

// EventPublisher mirrors delivered events to a Kafka topic, keyed by account
// so one account's events stay in order on one partition.
type EventPublisher struct {
	writer *kafka.Writer
	Topic  string
}

func NewEventPublisher(cfg Config) *EventPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &EventPublisher{writer: writer, Topic: cfg.Topic}
}

// eventMessage is the JSON value written for each event.
type eventMessage struct {
	domain.Event
	PublishedAt time.Time `json:"published_at"`
}

func buildMessage(ev domain.Event, now time.Time) (kafka.Message, error) {
	value, err := json.Marshal(eventMessage{Event: ev, PublishedAt: now.UTC()})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.AccountID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.ID)},
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}, nil
}

func (p *EventPublisher) PublishEvent(ctx context.Context, ev domain.Event) error {
	msg, err := buildMessage(ev, time.Now())
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (p *EventPublisher) Close() error {
	return p.writer.Close()
}
