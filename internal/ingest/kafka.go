package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/kolmarket/market-engine/internal/leaderboard"
	"github.com/kolmarket/market-engine/internal/model"
)

// Sink receives normalized events from the webhook handler.
type Sink interface {
	Publish(ctx context.Context, events []model.TradeEvent) error
}

// BoardSink records events straight into a leaderboard. Used when no event
// bus is configured.
type BoardSink struct {
	Board leaderboard.Board
}

func (s BoardSink) Publish(ctx context.Context, events []model.TradeEvent) error {
	for _, ev := range events {
		if _, err := s.Board.Record(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Publisher writes trade events to Kafka as JSON, keyed by candidate so one
// KOL's trades stay ordered within a partition.
type Publisher struct {
	writer *kafka.Writer
	Topic  string
}

func NewPublisher(brokers []string, topic string) *Publisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &Publisher{writer: writer, Topic: topic}
}

func (p *Publisher) Publish(ctx context.Context, events []model.TradeEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal trade event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.CandidateID),
			Value: value,
			Time:  ev.At,
		})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Consumer reads trade events from Kafka within a consumer group.
type Consumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

func NewConsumer(brokers []string, groupID, topic string, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: groupID,
		Topic:   topic,
	})
	return &Consumer{reader: reader, logger: logger}
}

// Consume passes each event to handler until ctx is cancelled. Messages that
// do not decode are logged and skipped; a handler error stops consumption.
func (c *Consumer) Consume(ctx context.Context, handler func(context.Context, model.TradeEvent) error) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return fmt.Errorf("kafka read: %w", err)
		}

		ev, err := DecodeEvent(msg.Value)
		if err != nil {
			c.logger.Warn("dropping undecodable trade event", "offset", msg.Offset, "partition", msg.Partition, "err", err)
			continue
		}
		if err := handler(ctx, ev); err != nil {
			return err
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeEvent parses a bus message.
func DecodeEvent(value []byte) (model.TradeEvent, error) {
	var ev model.TradeEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ev.Signature == "" || ev.CandidateID == "" || !ev.Side.Valid() {
		return ev, fmt.Errorf("%w: incomplete event %q", ErrMalformed, ev.Signature)
	}
	return ev, nil
}

var (
	_ Sink = (*Publisher)(nil)
	_ Sink = BoardSink{}
)
