// Package broker is an in-process pub/sub hub with PubNub shaped HTTP and websocket endpoints. Every published
// message gets a sequence number from one counter shared by all topics and that number is the subscribe cursor.
package broker

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrBadCursor  = errors.New("bad cursor")
	ErrBadPayload = errors.New("payload is not valid json")
)

type Record struct {
	Seq     uint64
	Topic   string
	Payload json.RawMessage
}

// Journal receives every change to the retained message set so it can be restored after a restart.
type Journal interface {
	Append(r Record) error
	Evict(topic string, seqs ...uint64) error
}

type topic struct {
	records     []Record
	subscribers int
	wake        chan struct{}
}

type Broker struct {
	lock    sync.Mutex
	seq     uint64
	topics  map[string]*topic
	retain  int
	journal Journal
}

type Option func(*Broker)

// WithRetention bounds the number of messages kept per topic.
func WithRetention(n int) Option {
	return func(b *Broker) {
		b.retain = n
	}
}

func WithJournal(j Journal) Option {
	return func(b *Broker) {
		b.journal = j
	}
}

func New(opts ...Option) *Broker {
	b := &Broker{topics: make(map[string]*topic), retain: 1024}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Broker) topicLocked(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{wake: make(chan struct{})}
		b.topics[name] = t
	}
	return t
}

// Restore loads previously journaled records without re-journaling them.
func (b *Broker) Restore(records []Record) {
	b.lock.Lock()
	defer b.lock.Unlock()
	sorted := append([]Record(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })
	for _, r := range sorted {
		t := b.topicLocked(r.Topic)
		t.records = append(t.records, r)
		if r.Seq > b.seq {
			b.seq = r.Seq
		}
	}
	for _, t := range b.topics {
		if b.retain > 0 && len(t.records) > b.retain {
			t.records = t.records[len(t.records)-b.retain:]
		}
	}
}

// Tip is the sequence number of the most recent message on any topic.
func (b *Broker) Tip() uint64 {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.seq
}

// Subscribers counts the subscribers currently waiting on a topic.
func (b *Broker) Subscribers(name string) int {
	b.lock.Lock()
	defer b.lock.Unlock()
	if t, ok := b.topics[name]; ok {
		return t.subscribers
	}
	return 0
}

// Publish appends a message to a topic and wakes its subscribers. It returns how many subscribers were waiting.
func (b *Broker) Publish(name string, payload json.RawMessage) (int, error) {
	if !json.Valid(payload) {
		return 0, ErrBadPayload
	}
	b.lock.Lock()
	defer b.lock.Unlock()

	t := b.topicLocked(name)
	b.seq++
	r := Record{Seq: b.seq, Topic: name, Payload: append(json.RawMessage(nil), payload...)}
	if b.journal != nil {
		if err := b.journal.Append(r); err != nil {
			b.seq--
			return 0, errors.Wrap(err, "failed to journal message")
		}
	}
	t.records = append(t.records, r)
	if b.retain > 0 && len(t.records) > b.retain {
		evicted := t.records[:len(t.records)-b.retain]
		t.records = append([]Record(nil), t.records[len(evicted):]...)
		if b.journal != nil {
			seqs := make([]uint64, len(evicted))
			for i, e := range evicted {
				seqs[i] = e.Seq
			}
			if err := b.journal.Evict(name, seqs...); err != nil {
				return t.subscribers, errors.Wrap(err, "failed to evict from journal")
			}
		}
	}
	close(t.wake)
	t.wake = make(chan struct{})
	return t.subscribers, nil
}

// ParseCursor resolves a wire cursor. The empty cursor is the current tip.
func (b *Broker) ParseCursor(cursor string) (uint64, error) {
	if cursor == "" {
		return b.Tip(), nil
	}
	v, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrBadCursor, "%q", cursor)
	}
	return v, nil
}

// Wait blocks until the topic holds messages after cursor or the timeout passes. On timeout it returns the same
// cursor and no messages.
func (b *Broker) Wait(ctx context.Context, name string, cursor uint64, timeout time.Duration) (uint64, []json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	b.lock.Lock()
	t := b.topicLocked(name)
	t.subscribers++
	defer func() {
		b.lock.Lock()
		t.subscribers--
		b.lock.Unlock()
	}()

	for {
		var out []json.RawMessage
		next := cursor
		for _, r := range t.records {
			if r.Seq > cursor {
				out = append(out, r.Payload)
				next = r.Seq
			}
		}
		if len(out) > 0 {
			b.lock.Unlock()
			return next, out, nil
		}
		wake := t.wake
		b.lock.Unlock()

		select {
		case <-wake:
			b.lock.Lock()
		case <-timer.C:
			return cursor, nil, nil
		case <-ctx.Done():
			return cursor, nil, ctx.Err()
		}
	}
}
