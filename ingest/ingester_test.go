package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atgraph-dev/atgraph/firehose"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePublisher struct {
	mu       sync.Mutex
	failures int
	calls    int
	payloads [][]byte
}

func (f *fakePublisher) Publish(ctx context.Context, did string, timeUS int64, kind string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("buffer unavailable")
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

func TestHandleEventPublishes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	require := require.New(t)

	pub := &fakePublisher{}
	progress := &Progress{}
	ing := NewIngester(testLogger(), pub, progress, filepath.Join(t.TempDir(), "cursor.json"))

	raw := []byte(`{"did": "did:plc:a", "time_us": 100, "kind": "commit"}`)
	err := ing.HandleEvent(ctx, &firehose.Event{Did: "did:plc:a", TimeUS: 100, Kind: "commit", Raw: raw})
	require.NoError(err)

	require.Equal(1, pub.calls)
	require.Len(pub.payloads, 1)
	require.Equal(raw, pub.payloads[0])
	require.Equal(int64(100), progress.Get())
}

func TestHandleEventRetriesUntilPublished(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	require := require.New(t)

	pub := &fakePublisher{failures: 2}
	progress := &Progress{}
	ing := NewIngester(testLogger(), pub, progress, filepath.Join(t.TempDir(), "cursor.json"))
	ing.retryWait = func(int) time.Duration { return time.Millisecond }

	err := ing.HandleEvent(ctx, &firehose.Event{Did: "did:plc:a", TimeUS: 100, Kind: "commit", Raw: []byte(`{}`)})
	require.NoError(err)
	require.Equal(3, pub.calls)
	require.Equal(int64(100), progress.Get())
}

func TestHandleEventStopsOnCancel(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// A publisher that never succeeds: HandleEvent must block (that is the
	// backpressure) until the context ends, and must not advance progress.
	pub := &fakePublisher{failures: 1 << 30}
	progress := &Progress{}
	ing := NewIngester(testLogger(), pub, progress, filepath.Join(t.TempDir(), "cursor.json"))
	ing.retryWait = func(int) time.Duration { return time.Millisecond }

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := ing.HandleEvent(ctx, &firehose.Event{Did: "did:plc:a", TimeUS: 100, Kind: "commit", Raw: []byte(`{}`)})
	require.ErrorIs(err, context.Canceled)
	require.Zero(progress.Get())
}

func TestRunCursorSaverWritesOnShutdown(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "cursor.json")
	progress := &Progress{}
	ing := NewIngester(testLogger(), &fakePublisher{}, progress, path)

	progress.Update(12345)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ing.RunCursorSaver(ctx, time.Hour)
	}()

	cancel()
	<-done

	restored, err := LoadProgress(path)
	require.NoError(err)
	require.Equal(int64(12345), restored.Get())
}

func TestLoadProgressCreatesMissingFile(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "cursor.json")
	progress, err := LoadProgress(path)
	require.NoError(err)
	require.Zero(progress.Get())

	// The file now exists and round-trips.
	progress.Update(777)
	require.NoError(progress.WriteFile(path))

	restored, err := LoadProgress(path)
	require.NoError(err)
	require.Equal(int64(777), restored.Get())
}

func TestWriteFileReplacesExistingFile(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// A previous run left a corrupt cursor behind; the next write must
	// replace it whole, leaving no temp file.
	path := filepath.Join(t.TempDir(), "cursor.json")
	require.NoError(os.WriteFile(path, []byte(`{"last_time_us": 12`), 0644))

	progress := &Progress{}
	progress.Update(999)
	require.NoError(progress.WriteFile(path))

	_, err := os.Stat(path + ".tmp")
	require.True(os.IsNotExist(err))

	restored, err := LoadProgress(path)
	require.NoError(err)
	require.Equal(int64(999), restored.Get())
}

func TestProgressUpdateIsMonotonic(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	progress := &Progress{}
	progress.Update(200)
	progress.Update(100)
	require.Equal(int64(200), progress.Get())
}
