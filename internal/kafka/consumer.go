package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/tatkal-scheduler/internal/domain"
)

type Consumer struct {
	reader *kafka.Reader
}

func NewConsumer(brokers []string, groupID, topic string) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:           brokers,
			GroupID:           groupID,
			Topic:             topic,
			HeartbeatInterval: 3 * time.Second,
			SessionTimeout:    30 * time.Second,
		}),
	}
}

func (c *Consumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// Consume reads until ctx is done or handler fails.
func (c *Consumer) Consume(ctx context.Context, handler func(context.Context, kafka.Message) error) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			return err
		}
		if err := handler(ctx, msg); err != nil {
			return err
		}
	}
}

// DecodeOutcome parses a message written by OutcomeTransport.
func DecodeOutcome(msg kafka.Message) (domain.Outcome, error) {
	var o domain.Outcome
	if err := json.Unmarshal(msg.Value, &o); err != nil {
		return domain.Outcome{}, fmt.Errorf("decode outcome at offset %d: %w", msg.Offset, err)
	}
	if o.IntentID == "" {
		o.IntentID = string(msg.Key)
	}
	return o, nil
}
