package events

import (
	stdcontext "context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"
)

// DefaultTopic receives transition events unless configured otherwise.
const DefaultTopic = "paywall.payment.state.changed"

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx stdcontext.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by payment id, so all events of one
// payment land on the same partition in order.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher creates a publisher for a comma separated broker list.
func NewKafkaPublisher(brokers, topic string) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return NewKafkaPublisherWithWriter(&kafka.Writer{
		Addr:     kafka.TCP(splitBrokers(brokers)...),
		Topic:    topic,
		Balancer: newBalancer(),
	})
}

// newBalancer picks the partition from the message key, which is the
// payment id.
func newBalancer() kafka.Balancer {
	return &kafka.Hash{}
}

// NewKafkaPublisherWithWriter wraps an existing writer.
func NewKafkaPublisherWithWriter(w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Publish(ctx stdcontext.Context, event TransitionEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal transition event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.PaymentID),
		Value: value,
	}); err != nil {
		return fmt.Errorf("publish transition event for %s: %w", event.PaymentID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func splitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
