// Package session runs the client side of the shared board. All state changes happen as tasks on one goroutine so
// pointer handlers, subscribe responses and repaints never interleave.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/gol-pubsub/pkg/grid"
	"github.com/astromechza/gol-pubsub/pkg/pubsub"
	"github.com/astromechza/gol-pubsub/pkg/render"
	"github.com/astromechza/gol-pubsub/pkg/wire"
)

// DefaultTopic is the topic every client of the board shares.
const DefaultTopic = "global"

type Painter interface {
	DrawGrid()
	DrawCell(row, col int, alive bool)
	DrawAll(cells []byte)
}

// Frames defers a repaint to the next paint frame.
type Frames interface {
	RequestFrame(fn func())
}

type Config struct {
	Grid    *grid.Grid
	Painter Painter
	Client  pubsub.Client
	Topic   string

	Layout render.Layout
	// Bounds reports where the surface sits on screen. Nil means the surface is shown at its native pixel size.
	Bounds func() render.Rect

	// OnTicks is called with the local tick count whenever a tick is applied.
	OnTicks func(ticks int)
	// OnBrush is called with the new brush after it is toggled.
	OnBrush func(brush grid.Cell)

	// Frames schedules repaints. Nil paints after the task that requested the frame.
	Frames Frames
	// Spawn runs fire-and-forget publishes. Nil starts a goroutine.
	Spawn   func(fn func())
	Backoff *Backoff
	Logger  *slog.Logger
}

type Session struct {
	Loop  *SyncLoop
	Input *InputController

	grid    *grid.Grid
	painter Painter
	logger  *slog.Logger

	lock    sync.Mutex
	queue   []func()
	signal  chan struct{}
	pending func()
}

func New(cfg Config) *Session {
	s := &Session{grid: cfg.Grid, painter: cfg.Painter, logger: cfg.Logger, signal: make(chan struct{}, 1)}
	if s.grid == nil {
		s.grid = grid.New(render.MapSize)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Layout == (render.Layout{}) {
		cfg.Layout = render.DefaultLayout()
	}
	if cfg.Bounds == nil {
		layout := cfg.Layout
		cfg.Bounds = func() render.Rect {
			return render.Rect{Width: float64(layout.PixelWidth()), Height: float64(layout.PixelHeight())}
		}
	}
	if cfg.Spawn == nil {
		cfg.Spawn = func(fn func()) { go fn() }
	}
	if cfg.Backoff == nil {
		cfg.Backoff = &Backoff{Initial: time.Millisecond * 250, Max: time.Second * 10}
	}
	var frames Frames = s
	if cfg.Frames != nil {
		frames = cfg.Frames
	}

	s.Loop = &SyncLoop{
		client:  cfg.Client,
		topic:   cfg.Topic,
		grid:    s.grid,
		painter: cfg.Painter,
		frames:  frames,
		onTicks: cfg.OnTicks,
		backoff: cfg.Backoff,
		logger:  s.logger,
	}
	s.Input = &InputController{
		grid:      s.grid,
		painter:   cfg.Painter,
		publisher: cfg.Client,
		topic:     cfg.Topic,
		layout:    cfg.Layout,
		bounds:    cfg.Bounds,
		onBrush:   cfg.OnBrush,
		spawn:     cfg.Spawn,
		logger:    s.logger,
		ctx:       context.Background(),
		buffer:    wire.NewEditBuffer(),
		brush:     grid.Dead,
	}
	return s
}

func (s *Session) Grid() *grid.Grid {
	return s.grid
}

// Post queues a task without blocking. Tasks run in the order they were posted.
func (s *Session) Post(fn func()) {
	s.lock.Lock()
	s.queue = append(s.queue, fn)
	s.lock.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Do queues a task and waits for it to finish.
func (s *Session) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	s.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestFrame records a repaint to run once the current task finishes. Requests made in the same task collapse
// into the latest one.
func (s *Session) RequestFrame(fn func()) {
	s.pending = fn
}

func (s *Session) take() []func() {
	s.lock.Lock()
	defer s.lock.Unlock()
	tasks := s.queue
	s.queue = nil
	return tasks
}

// Drain runs every queued task on the calling goroutine. Run does this continuously.
func (s *Session) Drain() {
	for {
		tasks := s.take()
		if len(tasks) == 0 {
			return
		}
		for _, task := range tasks {
			task()
			if frame := s.pending; frame != nil {
				s.pending = nil
				frame()
			}
		}
	}
}

// Run paints the initial board, starts the subscribe loop and executes tasks until the context is cancelled.
func (s *Session) Run(ctx context.Context) error {
	s.Post(func() {
		s.Input.ctx = ctx
		if s.painter != nil {
			s.painter.DrawGrid()
			s.painter.DrawAll(s.grid.Snapshot())
		}
	})

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.Loop.Run(ctx, s.Do); err != nil && ctx.Err() == nil {
			s.logger.Error("sync loop stopped", "err", err)
		}
	}()

	for {
		s.Drain()
		select {
		case <-s.signal:
		case <-ctx.Done():
			s.logger.Info("stopping session")
			wg.Wait()
			return nil
		}
	}
}
