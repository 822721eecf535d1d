package pubsub

import (
	"context"
	"log/slog"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/astromechza/gol-pubsub/pkg/wire"
)

// StreamClient receives batches over a websocket held open across Subscribe calls. Publishing still goes through
// the plain HTTP endpoint.
type StreamClient struct {
	*HTTPClient
	dialer *websocket.Dialer

	lock   sync.Mutex
	conn   *websocket.Conn
	topic  string
	cursor Cursor
}

func NewStreamClient(inner *HTTPClient) *StreamClient {
	return &StreamClient{HTTPClient: inner, dialer: websocket.DefaultDialer}
}

func (c *StreamClient) Publish(ctx context.Context, msg wire.Message, topic string) (Ack, error) {
	return c.HTTPClient.Publish(ctx, msg, topic)
}

func (c *StreamClient) streamUrl(cursor Cursor, topic string) (string, error) {
	u, err := url.Parse(c.endpoint("v2", "stream", c.subscribeKey, topic, string(cursor)))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func (c *StreamClient) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Subscribe returns the next frame from the stream. The connection is re-dialled whenever the caller asks for a
// cursor or topic other than the one the open stream is positioned at.
func (c *StreamClient) Subscribe(ctx context.Context, cursor Cursor, topic string) (Batch, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.conn != nil && (c.topic != topic || c.cursor != cursor) {
		slog.Debug("stream position moved, redialling", "topic", topic, "cursor", cursor, "stream", c.cursor)
		c.dropLocked()
	}
	if c.conn == nil {
		target, err := c.streamUrl(cursor, topic)
		if err != nil {
			return Batch{}, errors.Wrap(ErrTransport, err.Error())
		}
		conn, _, err := c.dialer.DialContext(ctx, target, nil)
		if err != nil {
			return Batch{}, errors.Wrapf(ErrTransport, "failed to dial: %s", err)
		}
		c.conn, c.topic, c.cursor = conn, topic, cursor
	}

	conn := c.conn
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	var frame SubscribeResponse
	if err := conn.ReadJSON(&frame); err != nil {
		c.dropLocked()
		if ctx.Err() != nil {
			return Batch{}, errors.Wrap(ErrTransport, ctx.Err().Error())
		}
		return Batch{}, errors.Wrapf(ErrTransport, "failed to read frame: %s", err)
	}
	if !stop() {
		// the context fired after the frame arrived and the connection is already closed
		c.conn = nil
	}
	b := frame.Batch()
	c.cursor = b.Cursor
	return b, nil
}

func (c *StreamClient) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.dropLocked()
	return nil
}
