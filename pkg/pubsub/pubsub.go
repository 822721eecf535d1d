// Package pubsub talks to a PubNub shaped broker: publish is a single GET carrying the message in the path and
// subscribe is a long poll that resumes from an opaque cursor.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/astromechza/gol-pubsub/pkg/wire"
)

// ErrTransport wraps every failed round trip to the broker.
var ErrTransport = errors.New("transport failure")

// Cursor is the broker position a subscription resumes from. The empty cursor means "from now".
type Cursor string

type Ack struct {
	Sent int `json:"sent"`
}

// Batch is one subscribe response. Messages are left encoded so a bad payload only affects itself.
type Batch struct {
	Cursor   Cursor
	Messages []json.RawMessage
}

type Publisher interface {
	Publish(ctx context.Context, msg wire.Message, topic string) (Ack, error)
}

type Subscriber interface {
	Subscribe(ctx context.Context, cursor Cursor, topic string) (Batch, error)
}

type Client interface {
	Publisher
	Subscriber
}

// TimeToken is the cursor object as it appears on the wire.
type TimeToken struct {
	T string `json:"t"`
}

type Envelope struct {
	D json.RawMessage `json:"d"`
}

// SubscribeResponse is the body of a subscribe call and of each stream frame.
type SubscribeResponse struct {
	T TimeToken  `json:"t"`
	M []Envelope `json:"m"`
}

func (r SubscribeResponse) Batch() Batch {
	out := Batch{Cursor: Cursor(r.T.T), Messages: make([]json.RawMessage, 0, len(r.M))}
	for _, e := range r.M {
		out.Messages = append(out.Messages, e.D)
	}
	return out
}

// HTTPClient is the long-poll implementation of Client.
type HTTPClient struct {
	baseUrl      *url.URL
	publishKey   string
	subscribeKey string
	httpClient   *http.Client
}

type Option func(*HTTPClient)

func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) {
		h.httpClient = c
	}
}

func NewHTTPClient(baseUrl *url.URL, publishKey, subscribeKey string, opts ...Option) *HTTPClient {
	c := &HTTPClient{baseUrl: baseUrl, publishKey: publishKey, subscribeKey: subscribeKey, httpClient: http.DefaultClient}
	for _, o := range opts {
		o(c)
	}
	return c
}

// endpoint escapes each segment individually so empty segments survive and the json payload stays in one segment.
func (c *HTTPClient) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return strings.TrimSuffix(c.baseUrl.String(), "/") + "/" + strings.Join(escaped, "/")
}

func (c *HTTPClient) get(ctx context.Context, target string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Wrapf(ErrTransport, "unexpected status code %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(ErrTransport, "failed to decode response: %s", err)
	}
	return nil
}

func (c *HTTPClient) Publish(ctx context.Context, msg wire.Message, topic string) (Ack, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return Ack{}, fmt.Errorf("failed to encode message: %w", err)
	}
	var ack Ack
	if err := c.get(ctx, c.endpoint("publish", c.publishKey, c.subscribeKey, "0", topic, "0", string(raw)), &ack); err != nil {
		return Ack{}, err
	}
	return ack, nil
}

func (c *HTTPClient) Subscribe(ctx context.Context, cursor Cursor, topic string) (Batch, error) {
	var out SubscribeResponse
	if err := c.get(ctx, c.endpoint("v2", "subscribe", c.subscribeKey, topic, "0", string(cursor)), &out); err != nil {
		return Batch{}, err
	}
	return out.Batch(), nil
}
