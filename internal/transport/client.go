package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// eventBuf is the buffer depth of the client's inbound event channel. Sized
// to absorb a burst of out-of-order audio events during reassembly.
const eventBuf = 64

// Client is the device side of the voice connection: it streams microphone
// frames up as binary messages and receives the server's event stream.
//
// SendFrame and SendControl are safe for concurrent use; Events must be
// consumed by a single goroutine.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	events  chan Event

	closeOnce sync.Once
}

// ClientOption is a functional option for configuring a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client's logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// Dial connects to the voice server at url (ws:// or wss://) and starts the
// event read loop. The caller must consume Events and call Close when done.
func Dial(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageSize)

	c := &Client{
		conn:   conn,
		logger: slog.Default(),
		events: make(chan Event, eventBuf),
	}
	for _, o := range opts {
		o(c)
	}

	go c.readLoop(ctx)
	return c, nil
}

// SendFrame streams one fixed-size audio frame to the server.
func (c *Client) SendFrame(ctx context.Context, pcm []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return fmt.Errorf("transport: write audio frame: %w", err)
	}
	return nil
}

// SendControl sends one control message to the server.
func (c *Client) SendControl(ctx context.Context, ctrl Control) error {
	data, err := EncodeControl(ctrl)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("transport: write control: %w", err)
	}
	return nil
}

// Events returns the inbound event channel. Events of different types may
// arrive interleaved, and audio/tts_text events may arrive out of sequence
// index order; the channel closes when the connection drops.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Close tears the connection down. Safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close(websocket.StatusNormalClosure, "client closed")
	})
	return err
}

// readLoop decodes server events until the connection drops. Malformed
// events are dropped with a warning; the protocol is otherwise closed.
func (c *Client) readLoop(ctx context.Context) {
	defer close(c.events)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			c.logger.Warn("dropping malformed event", "err", err)
			continue
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}
