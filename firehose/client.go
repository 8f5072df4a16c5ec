package firehose

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// HandlerFunc receives each parsed event in arrival order. The client blocks
// on the handler: a slow handler (e.g. a stalled buffer publish) suspends the
// read loop rather than dropping events. Returning an error tears down the
// connection and the event is re-delivered after reconnect, since the resume
// cursor only advances when the handler returns nil.
type HandlerFunc func(ctx context.Context, evt *Event) error

// Client maintains a long-lived websocket subscription to the feed, resuming
// from the last accepted event's time_us across reconnects.
type Client struct {
	addr              string
	connectTimeout    time.Duration
	readTimeout       time.Duration
	logger            *slog.Logger
	userAgent         string
	wantedCollections []string
	wantedDids        []string
	handler           HandlerFunc

	cursor atomic.Int64
}

type ClientOption func(*Client)

func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.connectTimeout = timeout
	}
}

func WithReadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
		if c.logger == nil {
			c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		}
	}
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithCursor sets the initial resume position (microseconds). Zero means
// tail from live.
func WithCursor(timeUS int64) ClientOption {
	return func(c *Client) {
		c.cursor.Store(timeUS)
	}
}

// WithWantedCollections restricts commit events to the given collection
// NSIDs. Applied server-side via repeated query parameters.
func WithWantedCollections(collections []string) ClientOption {
	return func(c *Client) {
		c.wantedCollections = collections
	}
}

// WithWantedDids restricts events to the given actors.
func WithWantedDids(dids []string) ClientOption {
	return func(c *Client) {
		c.wantedDids = dids
	}
}

func NewClient(addr string, handler HandlerFunc, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse websocket url %q: %w", addr, err)
	}

	switch u.Scheme {
	case "ws", "wss":
		// ok
	default:
		return nil, fmt.Errorf("invalid websocket scheme: wanted ws or wss, got %q", u.Scheme)
	}

	if handler == nil {
		return nil, fmt.Errorf("a firehose event handler func is required")
	}

	c := &Client{
		addr:           addr,
		connectTimeout: 15 * time.Second,
		readTimeout:    time.Minute,
		logger:         slog.Default().With("component", "firehose"),
		userAgent:      "atgraph",
		handler:        handler,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Cursor returns the time_us of the last event the handler accepted.
func (c *Client) Cursor() int64 {
	return c.cursor.Load()
}

// subscribeURL builds the connection URL. Repeated query keys are assembled
// by hand because url.Values does not preserve duplicate-key ordering.
func (c *Client) subscribeURL() string {
	params := url.Values{}
	if cursor := c.cursor.Load(); cursor > 0 {
		params.Set("cursor", fmt.Sprintf("%d", cursor))
	}
	for _, col := range c.wantedCollections {
		params.Add("wantedCollections", col)
	}
	for _, did := range c.wantedDids {
		params.Add("wantedDids", did)
	}

	if len(params) == 0 {
		return c.addr
	}
	return c.addr + "?" + params.Encode()
}

// Run consumes the feed until the context is cancelled. Connection failures
// are retried forever with jittered exponential backoff; this is a daemon,
// not a request.
func (c *Client) Run(ctx context.Context) error {
	var retries int

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("firehose client shutting down")
			return nil
		default:
		}

		err := c.runOnce(ctx)
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			c.logger.Debug("firehose client shutting down")
			return nil
		}

		if err == nil {
			retries = 0
			c.logger.Debug("websocket closed normally, reconnecting", "cursor", c.cursor.Load())
			continue
		}

		retries++
		c.logger.Warn("websocket connection failed, retrying",
			"err", err,
			"retries", retries,
			"cursor", c.cursor.Load(),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff(retries, 30)):
		}
	}
}

func (c *Client) close(conn *websocket.Conn) {
	if err := conn.Close(); err != nil {
		c.logger.Debug("failed to close websocket connection", "err", err)
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	addr := c.subscribeURL()

	dialer := websocket.Dialer{HandshakeTimeout: c.connectTimeout}
	conn, _, err := dialer.DialContext(ctx, addr, map[string][]string{
		"User-Agent": {c.userAgent},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to feed at %q: %w", addr, err)
	}
	defer c.close(conn)

	c.logger.Info("connected to feed", "addr", c.addr, "cursor", c.cursor.Load())

	go func() {
		<-ctx.Done()
		c.close(conn)
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return fmt.Errorf("failed to set websocket read deadline: %w", err)
		}

		_, buf, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read websocket message: %w", err)
		}

		evt, err := ParseEvent(buf)
		if err != nil {
			// Envelope-level junk: no did to key on, so it cannot be
			// resumed or partitioned. Hand it to the handler as an
			// unknown-kind event so it still reaches the archive.
			c.logger.Error("failed to parse feed event", "err", err)
			evt = &Event{Kind: KindUnknown, Raw: buf, Malformed: true}
		}

		if err := c.handler(ctx, evt); err != nil {
			return fmt.Errorf("event handler failed: %w", err)
		}

		if evt.TimeUS > 0 {
			c.cursor.Store(evt.TimeUS)
		}
	}
}

// backoff returns an exponential delay for the given retry count, capped at
// maxSeconds, with up to a second of jitter.
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
