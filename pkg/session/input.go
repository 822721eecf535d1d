package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/astromechza/gol-pubsub/pkg/grid"
	"github.com/astromechza/gol-pubsub/pkg/pubsub"
	"github.com/astromechza/gol-pubsub/pkg/render"
	"github.com/astromechza/gol-pubsub/pkg/wire"
)

const publishTimeout = time.Second * 10

// InputController turns pointer drags into local edits and publishes them as one batch on release.
type InputController struct {
	grid      *grid.Grid
	painter   Painter
	publisher pubsub.Publisher
	topic     string
	layout    render.Layout
	bounds    func() render.Rect
	onBrush   func(grid.Cell)
	spawn     func(func())
	logger    *slog.Logger
	ctx       context.Context

	mouseDown bool
	hasLast   bool
	lastKey   wire.EditKey
	buffer    *wire.EditBuffer
	brush     grid.Cell
}

func (c *InputController) Brush() grid.Cell {
	return c.brush
}

func (c *InputController) MouseDown() bool {
	return c.mouseDown
}

// Pending is the number of edits waiting for the pointer to be released.
func (c *InputController) Pending() int {
	return c.buffer.Len()
}

func (c *InputController) keyAt(x, y float64) wire.EditKey {
	row, col := c.layout.CellAt(x, y, c.bounds())
	return wire.EditKey{Row: row, Col: col}
}

func (c *InputController) paint(key wire.EditKey) {
	alive := c.brush == grid.Alive
	c.buffer.Put(key, alive)
	c.lastKey, c.hasLast = key, true
	if c.painter != nil {
		c.painter.DrawCell(key.Row, key.Col, alive)
	}
	if err := c.grid.Set(key.Row, key.Col, alive); err != nil {
		// keys are clamped by the layout so this only fires when the layout and grid disagree
		c.logger.Error("failed to set local cell", "err", err)
	}
}

func (c *InputController) PointerDown(x, y float64) {
	c.mouseDown = true
	c.paint(c.keyAt(x, y))
}

func (c *InputController) PointerMove(x, y float64) {
	if !c.mouseDown {
		return
	}
	key := c.keyAt(x, y)
	if c.hasLast && key == c.lastKey {
		return
	}
	c.paint(key)
}

// PointerUp publishes the buffered edits, even when there are none, and starts a new buffer.
func (c *InputController) PointerUp() {
	c.mouseDown = false
	msg := wire.CellsMessage(c.buffer)
	c.buffer = wire.NewEditBuffer()
	c.hasLast = false
	c.publish(msg)
}

// ToggleBrush swaps the brush between alive and dead.
func (c *InputController) ToggleBrush() grid.Cell {
	if c.brush == grid.Alive {
		c.brush = grid.Dead
	} else {
		c.brush = grid.Alive
	}
	if c.onBrush != nil {
		c.onBrush(c.brush)
	}
	return c.brush
}

// Tick asks every client, this one included, to advance. The local grid only ticks when the message comes back
// through the subscription.
func (c *InputController) Tick() {
	c.publish(wire.TickMessage())
}

func (c *InputController) publish(msg wire.Message) {
	if c.publisher == nil {
		c.logger.Warn("no publisher, dropping message", "tick", msg.Tick)
		return
	}
	parent := c.ctx
	c.spawn(func() {
		ctx, cancel := context.WithTimeout(parent, publishTimeout)
		defer cancel()
		ack, err := c.publisher.Publish(ctx, msg, c.topic)
		if err != nil {
			c.logger.Error("failed to publish", "tick", msg.Tick, "err", err)
			return
		}
		c.logger.Info("published", "tick", msg.Tick, "sent", ack.Sent)
	})
}
