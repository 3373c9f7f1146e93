// Package push reads the authority's notification stream and hands every
// message to the decision coordinator.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/internal/retry"
	"github.com/rendis/flowpilot/pkg/schema"
)

// Sink consumes decoded notifications. *decision.Coordinator satisfies it.
type Sink interface {
	Ingest(ctx context.Context, note schema.PushNotification) (*schema.DecisionRequest, error)
}

// DefaultReconnect redials a lost stream with exponential backoff capped at
// five seconds, ten attempts per outage.
var DefaultReconnect = retry.Policy{MaxAttempts: 10, Backoff: retry.BackoffExponential, Delay: 250 * time.Millisecond, MaxDelay: 5 * time.Second}

// Stats counts what the client has seen.
type Stats struct {
	Connects  int64 `json:"connects"`
	Received  int64 `json:"received"`
	Ingested  int64 `json:"ingested"`
	Ignored   int64 `json:"ignored"`
	Malformed int64 `json:"malformed"`
}

// Client is a reconnecting WebSocket reader.
type Client struct {
	url       string
	sink      Sink
	dialer    *websocket.Dialer
	header    http.Header
	reconnect retry.Policy
	logger    *slog.Logger

	connects, received, ingested, ignored, malformed atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithHeader sends h on every handshake.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h.Clone() }
}

// WithReconnect replaces DefaultReconnect.
func WithReconnect(p retry.Policy) Option {
	return func(c *Client) { c.reconnect = p }
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// NewClient creates a Client for the stream at url (ws:// or wss://).
func NewClient(url string, sink Sink, opts ...Option) *Client {
	c := &Client{
		url:       url,
		sink:      sink,
		dialer:    websocket.DefaultDialer,
		reconnect: DefaultReconnect,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDefault(c.logger).With("component", "push")
	return c
}

// Run reads the stream until ctx ends. A dropped connection is redialled
// under the reconnect policy; Run returns the dial error once the policy
// is exhausted, or ctx.Err() on shutdown.
func (c *Client) Run(ctx context.Context) error {
	for {
		var conn *websocket.Conn
		err := retry.Do(ctx, c.reconnect, func(ctx context.Context, attempt int) error {
			var err error
			conn, _, err = c.dialer.DialContext(ctx, c.url, c.header)
			if err != nil {
				c.logger.WarnContext(ctx, "push dial failed", "attempt", attempt+1, "error", err)
				return schema.NewErrorf(schema.ErrCodeRemoteExecution, "dial push stream: %s", err.Error()).WithCause(err)
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("push stream unavailable: %w", err)
		}

		c.connects.Add(1)
		c.logger.InfoContext(ctx, "push stream connected", "url", c.url)
		err = c.read(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.WarnContext(ctx, "push stream dropped, reconnecting", "error", err)
	}
}

// read consumes one connection. It returns when the connection fails or
// ctx ends.
func (c *Client) read(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	for {
		var note schema.PushNotification
		if err := conn.ReadJSON(&note); err != nil {
			if isDecodeError(err) {
				c.malformed.Add(1)
				c.logger.WarnContext(ctx, "malformed push message", "error", err)
				continue
			}
			return err
		}
		c.received.Add(1)
		c.handle(ctx, note)
	}
}

func (c *Client) handle(ctx context.Context, note schema.PushNotification) {
	req, err := c.sink.Ingest(ctx, note)
	switch {
	case err != nil:
		// correlation misses are already logged by the coordinator
		c.ignored.Add(1)
		if !schema.Ignorable(err) {
			c.logger.WarnContext(ctx, "push ingest failed", "type", note.Type, "error", err)
		}
	case req == nil:
		c.ignored.Add(1)
	default:
		c.ingested.Add(1)
	}
}

// Stats returns a snapshot of the counters.
func (c *Client) Stats() Stats {
	return Stats{
		Connects:  c.connects.Load(),
		Received:  c.received.Load(),
		Ingested:  c.ingested.Load(),
		Ignored:   c.ignored.Load(),
		Malformed: c.malformed.Load(),
	}
}

// isDecodeError separates a bad payload from a broken connection.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF)
}
