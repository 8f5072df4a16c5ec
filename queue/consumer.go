package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Consumer reads buffered events through a durable pull consumer. The
// durable name is the consumer group: restarting a consumer with the same
// name resumes from its last committed (acked) offset.
type Consumer struct {
	nc       *nats.Conn
	consumer jetstream.Consumer
	logger   *slog.Logger

	fetchWait time.Duration
}

func NewConsumer(ctx context.Context, natsURL, stream, durable string, logger *slog.Logger) (*Consumer, error) {
	nc, err := connect(natsURL, durable)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	s, err := js.CreateOrUpdateStream(ctx, streamConfig(stream))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensuring stream %q: %w", stream, err)
	}

	consumer, err := s.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    -1, // redeliver until acked, at-least-once
		FilterSubject: stream + ".evt.>",
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensuring consumer %q on stream %q: %w", durable, stream, err)
	}

	return &Consumer{
		nc:        nc,
		consumer:  consumer,
		logger:    logger.With("component", "queue_consumer"),
		fetchWait: 2 * time.Second,
	}, nil
}

// Fetch returns up to max buffered messages, waiting briefly if the buffer
// is empty. An empty slice with a nil error just means nothing is pending.
func (c *Consumer) Fetch(ctx context.Context, max int) ([]Msg, error) {
	batch, err := c.consumer.Fetch(max, jetstream.FetchMaxWait(c.fetchWait))
	if err != nil {
		return nil, fmt.Errorf("fetching from buffer: %w", err)
	}

	var msgs []Msg
	for m := range batch.Messages() {
		msgs = append(msgs, &jsMsg{m: m})
	}

	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		// Messages already read stay valid; surface the error so the
		// caller backs off before the next poll.
		return msgs, fmt.Errorf("fetching from buffer: %w", err)
	}

	return msgs, nil
}

func (c *Consumer) Close() error {
	c.nc.Close()
	return nil
}
