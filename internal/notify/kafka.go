package notify

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of a kafka writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes one message per trade, keyed by trade id.
type KafkaSink struct {
	writer MessageWriter
}

func NewKafkaSink(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

// NewKafkaWriter builds a synchronous writer that waits for all replicas.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func (s *KafkaSink) Send(ctx context.Context, msg *Message) error {
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(msg.TradeID, 10)),
		Value: msg.Payload,
		Headers: []kafka.Header{
			{Key: "delivery_id", Value: []byte(msg.DeliveryID)},
			{Key: "event", Value: []byte(msg.Event)},
			{Key: "channels", Value: []byte(strings.Join(msg.Channels, ","))},
		},
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
