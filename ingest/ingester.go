package ingest

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/atgraph-dev/atgraph/firehose"
)

// Publisher is the durable buffer's write side. Satisfied by
// *queue.Publisher; tests substitute a fake.
type Publisher interface {
	Publish(ctx context.Context, did string, timeUS int64, kind string, payload []byte) error
}

// Ingester bridges the feed into the durable buffer. Its HandleEvent is the
// firehose client's handler: it blocks until the event is durably buffered,
// so a stalled buffer stalls the read loop and the resume cursor never
// moves past an unbuffered event.
type Ingester struct {
	logger     *slog.Logger
	publisher  Publisher
	progress   *Progress
	cursorFile string

	// retryWait is overridable so tests do not sleep through real backoff.
	retryWait func(retries int) time.Duration
}

func NewIngester(logger *slog.Logger, publisher Publisher, progress *Progress, cursorFile string) *Ingester {
	return &Ingester{
		logger:     logger.With("component", "ingester"),
		publisher:  publisher,
		progress:   progress,
		cursorFile: cursorFile,
		retryWait: func(retries int) time.Duration {
			return backoff(retries, 30)
		},
	}
}

// HandleEvent publishes one event to the buffer, retrying with backoff
// until it succeeds or the context is cancelled. Malformed events are
// forwarded too: the worker archives them with processed=false rather than
// losing the trace here.
func (ing *Ingester) HandleEvent(ctx context.Context, evt *firehose.Event) error {
	eventsReceived.Inc()

	if evt.Malformed {
		eventsMalformed.Inc()
		ing.logger.Warn("forwarding malformed event for archival", "did", evt.Did, "kind", evt.Kind)
	}

	var retries int
	for {
		err := ing.publisher.Publish(ctx, evt.Did, evt.TimeUS, evt.Kind, evt.Raw)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		retries++
		publishRetries.Inc()
		ing.logger.Warn("buffer publish failed, retrying", "err", err, "retries", retries, "did", evt.Did)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ing.retryWait(retries)):
		}
	}

	if evt.TimeUS > 0 {
		ing.progress.Update(evt.TimeUS)
		lastTimeUS.Set(float64(evt.TimeUS))
	}
	eventsPublished.Inc()
	return nil
}

// RunCursorSaver persists the cursor file on an interval and once more on
// shutdown, so a restart resumes close to where the last run stopped.
func (ing *Ingester) RunCursorSaver(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ing.progress.WriteFile(ing.cursorFile); err != nil {
				ing.logger.Error("failed to write cursor file on shutdown", "err", err)
			}
			ing.logger.Debug("cursor saver shutting down")
			return
		case <-ticker.C:
			if err := ing.progress.WriteFile(ing.cursorFile); err != nil {
				ing.logger.Error("failed to write cursor file", "err", err)
			}
		}
	}
}

func backoff(retries int, maxSeconds int) time.Duration {
	if retries > 6 {
		retries = 6
	}
	dur := 1 << retries
	if dur > maxSeconds {
		dur = maxSeconds
	}

	jitter := time.Millisecond * time.Duration(rand.Intn(1000))
	return time.Second*time.Duration(dur) + jitter
}
