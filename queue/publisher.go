package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher writes serialized events into the durable buffer. Publishing is
// synchronous: the call does not return success until the server has
// acknowledged the write, so the caller can safely advance its resume cursor
// afterwards.
type Publisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
	logger *slog.Logger
}

func NewPublisher(ctx context.Context, natsURL, stream string, logger *slog.Logger) (*Publisher, error) {
	nc, err := connect(natsURL, stream+"-publisher")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, streamConfig(stream)); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensuring stream %q: %w", stream, err)
	}

	return &Publisher{
		nc:     nc,
		js:     js,
		stream: stream,
		logger: logger.With("component", "queue_publisher"),
	}, nil
}

// Publish appends one event to the buffer, keyed by actor so that all events
// for one DID land on the same subject in order. The message ID header lets
// the server drop duplicate publishes of the same event within the dedupe
// window (reconnect overlap).
func (p *Publisher) Publish(ctx context.Context, did string, timeUS int64, kind string, payload []byte) error {
	msg := &nats.Msg{
		Subject: fmt.Sprintf("%s.evt.%s", p.stream, subjectToken(did)),
		Data:    payload,
	}
	msg.Header = nats.Header{}
	msg.Header.Set(jetstream.MsgIDHeader, msgID(did, timeUS, kind, payload))

	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publishing event for %s: %w", did, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.nc.Close()
	return nil
}
