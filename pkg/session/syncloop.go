package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/astromechza/gol-pubsub/pkg/grid"
	"github.com/astromechza/gol-pubsub/pkg/pubsub"
	"github.com/astromechza/gol-pubsub/pkg/wire"
)

// SyncLoop long-polls the topic and applies what arrives to the local grid.
type SyncLoop struct {
	client  pubsub.Subscriber
	topic   string
	grid    *grid.Grid
	painter Painter
	frames  Frames
	onTicks func(int)
	backoff *Backoff
	logger  *slog.Logger

	cursor pubsub.Cursor
	ticks  int
}

func (l *SyncLoop) Cursor() pubsub.Cursor {
	return l.cursor
}

// Ticks is the number of tick messages applied so far.
func (l *SyncLoop) Ticks() int {
	return l.ticks
}

// Executor runs fn on the session goroutine and returns once it has finished.
type Executor func(ctx context.Context, fn func()) error

// Run subscribes forever. Each response is applied through exec before the next subscribe is issued, so responses
// are never processed concurrently and the cursor sent is always the one last received.
func (l *SyncLoop) Run(ctx context.Context, exec Executor) error {
	if exec == nil {
		exec = func(_ context.Context, fn func()) error {
			fn()
			return nil
		}
	}
	for {
		if err := l.Poll(ctx, exec); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := l.backoff.Next()
			l.logger.Error("failed to subscribe", "err", err, "retry", delay)
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
			continue
		}
		l.backoff.Reset()
	}
}

// Poll performs one subscribe round trip and applies the result.
func (l *SyncLoop) Poll(ctx context.Context, exec Executor) error {
	batch, err := l.client.Subscribe(ctx, l.cursor, l.topic)
	if err != nil {
		return err
	}
	return exec(ctx, func() {
		l.Apply(batch)
	})
}

// Apply stores the batch cursor, even for an empty batch, then applies every message in order. Messages that fail
// to decode are logged and skipped.
func (l *SyncLoop) Apply(batch pubsub.Batch) {
	l.cursor = batch.Cursor
	for i, raw := range batch.Messages {
		if err := l.applyMessage(raw); err != nil {
			l.logger.Warn("skipping message", "index", i, "cursor", batch.Cursor, "err", err)
		}
	}
}

func (l *SyncLoop) applyMessage(raw json.RawMessage) error {
	var msg wire.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return errors.Wrapf(wire.ErrMalformedBatch, "bad message json: %s", err)
	}
	if msg.Tick {
		l.tick()
		return nil
	}
	edits, err := msg.Edits()
	if err != nil {
		return err
	}
	for _, e := range edits {
		if err := l.grid.Set(e.Key.Row, e.Key.Col, e.Alive); err != nil {
			return errors.Wrap(wire.ErrMalformedBatch, err.Error())
		}
		if l.painter != nil {
			l.painter.DrawCell(e.Key.Row, e.Key.Col, e.Alive)
		}
	}
	return nil
}

func (l *SyncLoop) tick() {
	l.grid.Tick()
	l.ticks++
	if l.painter != nil {
		// the snapshot is taken when the frame runs because a later tick swaps the buffer
		l.frames.RequestFrame(func() {
			l.painter.DrawAll(l.grid.Snapshot())
		})
	}
	if l.onTicks != nil {
		l.onTicks(l.ticks)
	}
	l.logger.Debug("ticked", "ticks", l.ticks, "population", l.grid.Population())
}
