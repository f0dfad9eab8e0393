package connector

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig addresses a domain topic.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func (cfg KafkaConfig) brokers() ([]string, error) {
	out := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	return out, nil
}

// TopicFor is the conventional topic carrying envelopes to a domain.
func TopicFor(domain string) string { return "xdomain." + domain }

// KafkaConnector publishes envelopes to a domain topic, keyed by execution
// id so that envelopes of one execution stay ordered.
type KafkaConnector struct {
	writer kafkaWriter
}

func NewKafkaConnector(cfg KafkaConfig) (*KafkaConnector, error) {
	brokers, err := cfg.brokers()
	if err != nil {
		return nil, err
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaConnector{writer: w}, nil
}

func (c *KafkaConnector) Send(ctx context.Context, env Envelope) error {
	if c == nil || c.writer == nil {
		return ErrClosed
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatUint(env.ExecutionID, 10)),
		Value: data,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(env.Kind)},
		},
	}
	if err := c.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka send: %w", err)
	}
	return nil
}

func (c *KafkaConnector) Close() error {
	if c == nil || c.writer == nil {
		return nil
	}
	return c.writer.Close()
}

// KafkaReceiver consumes a domain topic. Offsets are committed only after
// the handler accepted the envelope or it was found undecodable.
type KafkaReceiver struct {
	reader kafkaReader
	logger *slog.Logger
}

func NewKafkaReceiver(cfg KafkaConfig) (*KafkaReceiver, error) {
	brokers, err := cfg.brokers()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return &KafkaReceiver{reader: r, logger: slog.Default().With("component", "kafka_receiver", "topic", cfg.Topic)}, nil
}

// Poll handles exactly one message.
func (r *KafkaReceiver) Poll(ctx context.Context, h Handler) error {
	msg, err := r.reader.FetchMessage(ctx)
	if err != nil {
		return err
	}
	env, err := Unmarshal(msg.Value)
	if err != nil {
		r.logger.WarnContext(ctx, "dropping undecodable envelope", "offset", msg.Offset, "error", err)
		return r.reader.CommitMessages(ctx, msg)
	}
	if err := h.HandleEnvelope(ctx, env); err != nil {
		return fmt.Errorf("handle envelope %s: %w", env.ID, err)
	}
	return r.reader.CommitMessages(ctx, msg)
}

func (r *KafkaReceiver) Run(ctx context.Context, h Handler) error {
	for {
		if err := r.Poll(ctx, h); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.WarnContext(ctx, "receive failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

func (r *KafkaReceiver) Close() error {
	if r == nil || r.reader == nil {
		return nil
	}
	return r.reader.Close()
}
