// Package queue adapts the durable buffer between the firehose ingester and
// the persistence worker. It is a thin layer over a NATS JetStream stream:
// events are published to actor-keyed subjects (per-subject ordering gives
// per-actor ordering) and consumed through durable pull consumers with
// explicit acks, so an unacked message is redelivered after a crash.
package queue

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// duplicateWindow is how long the server remembers publish message IDs for
// dedupe. Reconnect overlap is seconds, not minutes, so this is generous.
const duplicateWindow = 2 * time.Minute

// Msg is one buffered event as seen by a consumer. Seq is the stream
// sequence: the durable, monotonically increasing buffer offset used for
// last-writer-wins gating downstream.
type Msg interface {
	Data() []byte
	Seq() uint64
	Ack() error
	Nak() error
}

type jsMsg struct {
	m jetstream.Msg
}

func (j *jsMsg) Data() []byte {
	return j.m.Data()
}

func (j *jsMsg) Seq() uint64 {
	meta, err := j.m.Metadata()
	if err != nil {
		return 0
	}
	return meta.Sequence.Stream
}

func (j *jsMsg) Ack() error {
	return j.m.Ack()
}

func (j *jsMsg) Nak() error {
	return j.m.Nak()
}

// connect dials NATS with unbounded reconnects; both daemons are long-lived
// and must ride out broker restarts.
func connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return nc, nil
}

func streamConfig(stream string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       stream,
		Subjects:   []string{stream + ".evt.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		Duplicates: duplicateWindow,
	}
}

// msgID is the publish dedupe key. Keyed events use their natural key.
// Events without one (unparseable payloads forwarded for archival) get a
// content hash instead: sharing a constant ID would make the dedupe window
// swallow every junk payload after the first.
func msgID(did string, timeUS int64, kind string, payload []byte) string {
	if did == "" || timeUS <= 0 {
		h := fnv.New64a()
		h.Write(payload)
		return fmt.Sprintf("raw/%x", h.Sum64())
	}
	return fmt.Sprintf("%s/%d/%s", did, timeUS, kind)
}

// subjectToken makes a DID safe for use as a subject token. Dots are subject
// separators in NATS, and did:web DIDs contain them.
func subjectToken(did string) string {
	if did == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, did)
}
