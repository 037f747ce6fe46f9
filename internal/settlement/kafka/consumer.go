package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/segmentio/kafka-go"

	"github.com/credpool/credpool-gateway/internal/settlement"
)

// Consumer reads confirmed deposit events from a Kafka topic and feeds them
// to the settlement Processor. Offsets are committed only after a deposit is
// applied (or recognized as a duplicate), so redelivery after a crash is
// absorbed by the processor's idempotency rather than lost.
type Consumer struct {
	reader    *kafka.Reader
	processor *settlement.Processor
	logger    *log.Logger
}

// Config holds Kafka connection settings for the settlement feed.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewConsumer creates a Consumer for the given feed.
func NewConsumer(cfg Config, processor *settlement.Processor) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Brokers,
			Topic:   cfg.Topic,
			GroupID: cfg.GroupID,
		}),
		processor: processor,
		logger:    log.New(log.Writer(), "[settlement/kafka] ", log.LstdFlags|log.Lmicroseconds),
	}
}

// SetLogger overrides the default logger; nil keeps the current logger.
func (c *Consumer) SetLogger(logger *log.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Run consumes the feed until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		var d settlement.Deposit
		if err := json.Unmarshal(msg.Value, &d); err != nil {
			// Malformed events are committed and dropped; replaying them
			// would fail forever and block the partition.
			c.logger.Printf("drop malformed deposit event offset=%d err=%v", msg.Offset, err)
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				return err
			}
			continue
		}

		applied, err := c.processor.Apply(ctx, d)
		if err != nil {
			c.logger.Printf("apply deposit failed source_ref=%s err=%v", d.SourceRef, err)
			// Leave uncommitted; the processor released its dedup claim
			// on failure, so the redelivered event applies cleanly.
			continue
		}
		if !applied {
			c.logger.Printf("deposit duplicate source_ref=%s", d.SourceRef)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

// Close shuts down the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
