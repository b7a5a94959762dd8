package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/autopeer-io/v2x/pkg/options"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaExporter writes every sample to a topic, keyed by vehicle id so the
// samples of one vehicle stay ordered within a partition.
type KafkaExporter struct {
	writer messageWriter
}

var _ Sink = (*KafkaExporter)(nil)

// NewKafkaExporter returns an exporter for opts. No connection is made until
// the first write.
func NewKafkaExporter(opts *options.KafkaOptions) *KafkaExporter {
	return &KafkaExporter{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(opts.Brokers...),
			Topic:        opts.Topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: opts.BatchTimeout,
			WriteTimeout: opts.WriteTimeout,
		},
	}
}

func (e *KafkaExporter) Consume(ctx context.Context, s Sample) error {
	value, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := e.writer.WriteMessages(ctx, kafka.Message{Key: []byte(s.VehicleID), Value: value}); err != nil {
		return fmt.Errorf("failed to export sample: %w", err)
	}
	return nil
}

// Close flushes pending writes.
func (e *KafkaExporter) Close() error {
	return e.writer.Close()
}
