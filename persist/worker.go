package persist

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/gorm"

	"github.com/atgraph-dev/atgraph/firehose"
	"github.com/atgraph-dev/atgraph/models"
	"github.com/atgraph-dev/atgraph/queue"
)

// feedCollectionPrefix selects the commit collections that get normalized
// into post rows. Everything else is archived only.
const feedCollectionPrefix = "app.bsky.feed."

// errPoisonRecord marks an event that can never be applied (bad record
// body). It is archived unprocessed and the offset advances past it.
var errPoisonRecord = errors.New("record cannot be applied")

// Source is where the worker pulls buffered events from. Satisfied by
// *queue.Consumer; tests substitute an in-memory fake.
type Source interface {
	Fetch(ctx context.Context, max int) ([]queue.Msg, error)
}

// Worker drains the durable buffer into the relational store. Each event is
// applied in one transaction (raw archive, derived upserts, processed flag)
// and its buffer offset is acked only after that transaction commits, so a
// crash mid-batch causes redelivery, never loss.
type Worker struct {
	logger    *slog.Logger
	db        *gorm.DB
	store     *Store
	source    Source
	batchSize int
}

func NewWorker(logger *slog.Logger, db *gorm.DB, source Source, batchSize int) *Worker {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Worker{
		logger:    logger.With("component", "persist_worker"),
		db:        db,
		store:     NewStore(db),
		source:    source,
		batchSize: batchSize,
	}
}

// Store exposes the worker's store, mainly for inspection endpoints.
func (w *Worker) Store() *Store {
	return w.store
}

// Run consumes until the context is cancelled. Fetch and storage failures
// back off exponentially and retry forever; the in-flight message is nacked
// so it redelivers once the dependency recovers.
func (w *Worker) Run(ctx context.Context) error {
	if backlog, err := w.store.CountUnprocessed(ctx); err == nil && backlog > 0 {
		w.logger.Info("archive contains unprocessed events", "count", backlog)
	}

	var retries int
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("persistence worker shutting down")
			return nil
		default:
		}

		msgs, err := w.source.Fetch(ctx, w.batchSize)
		if err != nil {
			retries++
			w.logger.Warn("failed to fetch from buffer", "err", err, "retries", retries)
			sleepCtx(ctx, backoff(retries, 60))
			continue
		}

		if len(msgs) > 0 {
			batchSizeHist.Observe(float64(len(msgs)))
		}

		failed := false
		for i, msg := range msgs {
			if err := w.processMessage(ctx, msg.Data(), int64(msg.Seq())); err != nil {
				// Leave this offset and everything after it
				// uncommitted so redelivery preserves per-actor order.
				w.logger.Error("failed to persist event, will redeliver", "err", err, "seq", msg.Seq())
				for _, rest := range msgs[i:] {
					if nakErr := rest.Nak(); nakErr != nil {
						w.logger.Warn("failed to nak message", "err", nakErr, "seq", rest.Seq())
					}
				}
				failed = true
				break
			}

			if err := msg.Ack(); err != nil {
				w.logger.Warn("failed to ack message", "err", err, "seq", msg.Seq())
			}
		}

		if failed {
			retries++
			sleepCtx(ctx, backoff(retries, 60))
			continue
		}
		retries = 0
	}
}

// processMessage applies one buffered event. A nil return means the offset
// may be committed: either the event was fully applied, or it was judged
// poisonous and archived with processed=false. A non-nil return means the
// storage layer is unhealthy and the event must be redelivered.
func (w *Worker) processMessage(ctx context.Context, data []byte, seq int64) error {
	eventsReceived.Inc()

	evt, err := firehose.ParseEvent(data)
	if err != nil {
		// Envelope-level junk has no did/time_us to key on. Archive it
		// under a surrogate timestamp derived from the payload so
		// redeliveries collapse onto one row.
		eventsMalformed.Inc()
		w.logger.Warn("archiving unparseable event", "err", err)
		return w.archiveOnly(ctx, "", surrogateTimeUS(data), firehose.KindUnknown, data)
	}

	lastTimeUS.Set(float64(evt.TimeUS))

	if evt.Malformed {
		eventsMalformed.Inc()
		w.logger.Warn("archiving malformed event", "did", evt.Did, "kind", evt.Kind, "time_us", evt.TimeUS)
		return w.archiveOnly(ctx, evt.Did, evt.TimeUS, evt.Kind, data)
	}

	err = w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := w.store.ArchiveRaw(tx, evt.Did, evt.TimeUS, evt.Kind, data); err != nil {
			return err
		}
		if err := w.applyEvent(tx, evt, seq); err != nil {
			return err
		}
		return w.store.MarkProcessed(tx, evt.Did, evt.TimeUS, evt.Kind)
	})
	if err == nil {
		eventsPersisted.Inc()
		return nil
	}

	if errors.Is(err, errPoisonRecord) {
		eventsMalformed.Inc()
		w.logger.Warn("archiving poison event", "err", err, "did", evt.Did, "time_us", evt.TimeUS)
		return w.archiveOnly(ctx, evt.Did, evt.TimeUS, evt.Kind, data)
	}

	// Anything else is treated as transient storage trouble. If even the
	// bare archive write fails the database is down and the caller backs
	// off; if it succeeds we still redeliver, since the derived rows are
	// missing.
	return fmt.Errorf("applying event did=%s time_us=%d: %w", evt.Did, evt.TimeUS, err)
}

// archiveOnly stores the raw payload with processed=false. Used for events
// that will never produce derived rows; failure here means the store itself
// is unhealthy, so the error propagates and the offset stays uncommitted.
func (w *Worker) archiveOnly(ctx context.Context, did string, timeUS int64, kind string, data []byte) error {
	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return w.store.ArchiveRaw(tx, did, timeUS, kind, data)
	})
}

func (w *Worker) applyEvent(tx *gorm.DB, evt *firehose.Event, seq int64) error {
	switch evt.Kind {
	case firehose.KindIdentity:
		sourceTime := parseSourceTime(evt.Identity.Time)
		return w.store.UpsertUserIdentity(tx, evt.Did, evt.Identity.Handle, seq, sourceTime)

	case firehose.KindAccount:
		sourceTime := parseSourceTime(evt.Account.Time)
		return w.store.UpsertUserStatus(tx, evt.Did, evt.Account.Active, seq, sourceTime)

	case firehose.KindCommit:
		return w.applyCommit(tx, evt, seq)
	}
	return fmt.Errorf("%w: unhandled kind %q", errPoisonRecord, evt.Kind)
}

func (w *Worker) applyCommit(tx *gorm.DB, evt *firehose.Event, seq int64) error {
	c := evt.Commit

	if !strings.HasPrefix(c.Collection, feedCollectionPrefix) {
		// Archived but not normalized; the raw row is the record of it.
		eventsSkipped.Inc()
		return nil
	}

	uri := c.URI(evt.Did)

	if c.Operation == firehose.OpDelete {
		return w.store.SoftDeletePost(tx, uri, seq, time.Now())
	}

	record, err := c.AsFeedPost()
	if err != nil {
		return fmt.Errorf("%w: %v", errPoisonRecord, err)
	}

	// The author may not have been seen yet; a placeholder row keeps the
	// weak reference resolvable once their identity arrives.
	if err := w.store.EnsureUser(tx, evt.Did); err != nil {
		return err
	}

	post := &models.Post{
		Uri:        uri,
		Cid:        c.CID,
		AuthorDid:  evt.Did,
		Text:       record.Text,
		RecordType: record.Type,
		Rev:        c.Rev,
		Rkey:       c.RKey,
		Collection: c.Collection,
		Operation:  c.Operation,
		LastSeq:    seq,
	}

	if record.CreatedAt != "" {
		post.SourceCreatedAt = parseSourceTime(record.CreatedAt)
	}

	if len(record.Langs) > 0 {
		langs, err := json.Marshal(record.Langs)
		if err != nil {
			return fmt.Errorf("%w: encoding langs: %v", errPoisonRecord, err)
		}
		post.Langs = string(langs)
	}

	if record.Reply != nil {
		post.ParentCid = record.Reply.Parent.CID
		post.ParentUri = record.Reply.Parent.URI
		post.RootCid = record.Reply.Root.CID
		post.RootUri = record.Reply.Root.URI
	}

	if len(record.Extra) > 0 {
		extra, err := json.Marshal(record.Extra)
		if err != nil {
			return fmt.Errorf("%w: encoding extra: %v", errPoisonRecord, err)
		}
		post.Extra = string(extra)
	}

	return w.store.UpsertPost(tx, post)
}

func parseSourceTime(s string) time.Time {
	t, err := firehose.ParseTimestamp(s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// surrogateTimeUS derives a stable positive pseudo-timestamp from a payload
// so unkeyed junk still gets a deterministic archive natural key.
func surrogateTimeUS(data []byte) int64 {
	h := fnv.New64a()
	h.Write(data)
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
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
