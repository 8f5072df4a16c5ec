package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/require"
)

// startTestNATS starts an embedded NATS server with JetStream enabled and
// returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishFetchAck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	require := require.New(t)
	url := startTestNATS(t)

	pub, err := NewPublisher(ctx, url, "testpfa", testLogger())
	require.NoError(err)
	defer pub.Close()

	require.NoError(pub.Publish(ctx, "did:plc:alice", 100, "commit", []byte(`{"n":1}`)))
	require.NoError(pub.Publish(ctx, "did:plc:alice", 200, "commit", []byte(`{"n":2}`)))
	require.NoError(pub.Publish(ctx, "did:web:bob.example.com", 300, "identity", []byte(`{"n":3}`)))

	con, err := NewConsumer(ctx, url, "testpfa", "worker", testLogger())
	require.NoError(err)
	defer con.Close()

	msgs, err := con.Fetch(ctx, 10)
	require.NoError(err)
	require.Len(msgs, 3)

	// Stream sequence is the buffer offset: strictly increasing in publish
	// order.
	require.Equal([]byte(`{"n":1}`), msgs[0].Data())
	require.Equal([]byte(`{"n":2}`), msgs[1].Data())
	require.Equal([]byte(`{"n":3}`), msgs[2].Data())
	require.Less(msgs[0].Seq(), msgs[1].Seq())
	require.Less(msgs[1].Seq(), msgs[2].Seq())

	for _, m := range msgs {
		require.NoError(m.Ack())
	}

	// Everything acked; nothing pending.
	msgs, err = con.Fetch(ctx, 10)
	require.NoError(err)
	require.Empty(msgs)
}

func TestDurableConsumerResumesAfterReconnect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	require := require.New(t)
	url := startTestNATS(t)

	pub, err := NewPublisher(ctx, url, "testresume", testLogger())
	require.NoError(err)
	defer pub.Close()

	require.NoError(pub.Publish(ctx, "did:plc:alice", 100, "commit", []byte(`{"n":1}`)))
	require.NoError(pub.Publish(ctx, "did:plc:alice", 200, "commit", []byte(`{"n":2}`)))

	con, err := NewConsumer(ctx, url, "testresume", "worker", testLogger())
	require.NoError(err)

	msgs, err := con.Fetch(ctx, 1)
	require.NoError(err)
	require.Len(msgs, 1)
	require.NoError(msgs[0].Ack())
	require.NoError(con.Close())

	// Same durable name resumes past the committed offset.
	con2, err := NewConsumer(ctx, url, "testresume", "worker", testLogger())
	require.NoError(err)
	defer con2.Close()

	msgs, err = con2.Fetch(ctx, 10)
	require.NoError(err)
	require.Len(msgs, 1)
	require.Equal([]byte(`{"n":2}`), msgs[0].Data())
}

func TestNakRedelivers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	require := require.New(t)
	url := startTestNATS(t)

	pub, err := NewPublisher(ctx, url, "testnak", testLogger())
	require.NoError(err)
	defer pub.Close()

	require.NoError(pub.Publish(ctx, "did:plc:alice", 100, "commit", []byte(`{"n":1}`)))

	con, err := NewConsumer(ctx, url, "testnak", "worker", testLogger())
	require.NoError(err)
	defer con.Close()

	msgs, err := con.Fetch(ctx, 10)
	require.NoError(err)
	require.Len(msgs, 1)
	firstSeq := msgs[0].Seq()
	require.NoError(msgs[0].Nak())

	msgs, err = con.Fetch(ctx, 10)
	require.NoError(err)
	require.Len(msgs, 1)
	require.Equal(firstSeq, msgs[0].Seq())
	require.NoError(msgs[0].Ack())
}

func TestDuplicatePublishIsDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	require := require.New(t)
	url := startTestNATS(t)

	pub, err := NewPublisher(ctx, url, "testdup", testLogger())
	require.NoError(err)
	defer pub.Close()

	// Same did/time_us/kind means the same message ID: the second publish
	// is absorbed by the dedupe window.
	require.NoError(pub.Publish(ctx, "did:plc:alice", 100, "commit", []byte(`{"n":1}`)))
	require.NoError(pub.Publish(ctx, "did:plc:alice", 100, "commit", []byte(`{"n":1}`)))

	con, err := NewConsumer(ctx, url, "testdup", "worker", testLogger())
	require.NoError(err)
	defer con.Close()

	msgs, err := con.Fetch(ctx, 10)
	require.NoError(err)
	require.Len(msgs, 1)
}

func TestUnkeyedPublishesAreNotDedupedAgainstEachOther(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	require := require.New(t)
	url := startTestNATS(t)

	pub, err := NewPublisher(ctx, url, "testunkeyed", testLogger())
	require.NoError(err)
	defer pub.Close()

	// Unparseable payloads arrive with no did/time_us. Distinct junk must
	// all survive to the archive; only a byte-identical republish dedupes.
	require.NoError(pub.Publish(ctx, "", 0, "unknown", []byte(`garbage one`)))
	require.NoError(pub.Publish(ctx, "", 0, "unknown", []byte(`completely different garbage`)))
	require.NoError(pub.Publish(ctx, "", 0, "unknown", []byte(`garbage one`)))

	con, err := NewConsumer(ctx, url, "testunkeyed", "worker", testLogger())
	require.NoError(err)
	defer con.Close()

	msgs, err := con.Fetch(ctx, 10)
	require.NoError(err)
	require.Len(msgs, 2)
	require.Equal([]byte(`garbage one`), msgs[0].Data())
	require.Equal([]byte(`completely different garbage`), msgs[1].Data())
}

func TestMsgID(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	require.Equal("did:plc:a/100/commit", msgID("did:plc:a", 100, "commit", []byte(`x`)))

	junkA := msgID("", 0, "unknown", []byte(`garbage one`))
	junkB := msgID("", 0, "unknown", []byte(`completely different garbage`))
	require.NotEqual(junkA, junkB)
	require.Equal(junkA, msgID("", 0, "unknown", []byte(`garbage one`)))
}

func TestSubjectToken(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	require.Equal("did:plc:abc123", subjectToken("did:plc:abc123"))
	require.Equal("did:web:bob_example_com", subjectToken("did:web:bob.example.com"))
	require.Equal("a_b_c_d", subjectToken("a.b*c d"))
	require.Equal("unknown", subjectToken(""))
}
