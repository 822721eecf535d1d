package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/astromechza/gol-pubsub/pkg/grid"
	"github.com/astromechza/gol-pubsub/pkg/pubsub"
	"github.com/astromechza/gol-pubsub/pkg/render"
	"github.com/astromechza/gol-pubsub/pkg/wire"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type drawCall struct {
	row, col int
	alive    bool
}

type recordingPainter struct {
	grids int
	cells []drawCall
	alls  [][]byte
}

func (p *recordingPainter) DrawGrid() { p.grids++ }

func (p *recordingPainter) DrawCell(row, col int, alive bool) {
	p.cells = append(p.cells, drawCall{row, col, alive})
}

func (p *recordingPainter) DrawAll(cells []byte) {
	p.alls = append(p.alls, append([]byte(nil), cells...))
}

type subscribeResult struct {
	batch pubsub.Batch
	err   error
}

type fakeClient struct {
	lock      sync.Mutex
	published []wire.Message
	onPublish func(wire.Message)
	cursors   []pubsub.Cursor
	results   chan subscribeResult
}

func newFakeClient() *fakeClient {
	return &fakeClient{results: make(chan subscribeResult, 16)}
}

func (f *fakeClient) Publish(_ context.Context, msg wire.Message, _ string) (pubsub.Ack, error) {
	if f.onPublish != nil {
		f.onPublish(msg)
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	f.published = append(f.published, msg)
	return pubsub.Ack{Sent: 1}, nil
}

func (f *fakeClient) Subscribe(ctx context.Context, cursor pubsub.Cursor, _ string) (pubsub.Batch, error) {
	f.lock.Lock()
	f.cursors = append(f.cursors, cursor)
	f.lock.Unlock()
	select {
	case r := <-f.results:
		return r.batch, r.err
	case <-ctx.Done():
		return pubsub.Batch{}, ctx.Err()
	}
}

func (f *fakeClient) sentCursors() []pubsub.Cursor {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]pubsub.Cursor(nil), f.cursors...)
}

func (f *fakeClient) messages() []wire.Message {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]wire.Message(nil), f.published...)
}

func raw(t *testing.T, m wire.Message) json.RawMessage {
	out, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func newTestSession(client *fakeClient, g *grid.Grid, painter Painter) *Session {
	return New(Config{
		Grid:    g,
		Painter: painter,
		Client:  client,
		Spawn:   func(fn func()) { fn() },
		Backoff: &Backoff{Initial: time.Millisecond, Max: time.Millisecond * 4},
		Logger:  quiet,
	})
}

// centre returns the native pixel position of the middle of a cell.
func centre(row, col int) (float64, float64) {
	x, y := render.DefaultLayout().CellOrigin(row, col)
	return float64(x + 2), float64(y + 2)
}

func alive(t *testing.T, g *grid.Grid, row, col int) bool {
	c, err := g.At(row, col)
	if err != nil {
		t.Fatal(err)
	}
	return c == grid.Alive
}

func TestDragIsBatchedIntoOnePublish(t *testing.T) {
	client := newFakeClient()
	s := newTestSession(client, nil, &recordingPainter{})
	if s.Input.ToggleBrush() != grid.Alive {
		t.Fatal("expected brush to become alive")
	}

	client.onPublish = func(wire.Message) {
		for col := 0; col < 3; col++ {
			if !alive(t, s.Grid(), 0, col) {
				t.Errorf("cell (0, %d) not alive before publish", col)
			}
		}
	}

	s.Input.PointerDown(centre(0, 0))
	s.Input.PointerMove(centre(0, 1))
	s.Input.PointerMove(centre(0, 2))
	if len(client.messages()) != 0 {
		t.Fatal("published before pointer up")
	}
	s.Input.PointerUp()

	got := client.messages()
	want := wire.Message{Tick: false, Cells: "0 0 true 0 1 true 0 2 true"}
	if len(got) != 1 || got[0] != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
	if s.Input.Pending() != 0 || s.Input.MouseDown() {
		t.Fatal("buffer not reset after publish")
	}
}

func TestDragDedup(t *testing.T) {
	client := newFakeClient()
	painter := &recordingPainter{}
	s := newTestSession(client, nil, painter)

	x, y := centre(5, 5)
	s.Input.PointerDown(x, y)
	for i := -2; i <= 2; i++ {
		s.Input.PointerMove(x+float64(i), y)
	}
	s.Input.PointerMove(centre(5, 6))
	s.Input.PointerMove(centre(5, 5))
	s.Input.PointerUp()

	got := client.messages()
	if len(got) != 1 || got[0].Cells != "5 5 false 5 6 false" || got[0].Tick {
		t.Fatalf("unexpected publish %+v", got)
	}
	// moves inside one cell do not repaint it
	if len(painter.cells) != 3 {
		t.Fatalf("expected 3 previews, got %v", painter.cells)
	}
}

func TestMoveWithoutPressIsIgnored(t *testing.T) {
	client := newFakeClient()
	s := newTestSession(client, nil, nil)
	s.Input.ToggleBrush()
	s.Input.PointerMove(centre(1, 1))
	if alive(t, s.Grid(), 1, 1) || s.Input.Pending() != 0 {
		t.Fatal("move without press painted")
	}
	s.Input.PointerUp()
	if got := client.messages(); len(got) != 1 || got[0] != (wire.Message{}) {
		t.Fatalf("expected an empty batch to be published, got %+v", got)
	}
}

func TestBrushToggleNotifies(t *testing.T) {
	var seen []grid.Cell
	s := New(Config{Client: newFakeClient(), OnBrush: func(c grid.Cell) { seen = append(seen, c) }, Logger: quiet})
	s.Input.ToggleBrush()
	s.Input.ToggleBrush()
	if len(seen) != 2 || seen[0] != grid.Alive || seen[1] != grid.Dead || s.Input.Brush() != grid.Dead {
		t.Fatalf("unexpected brush history %v", seen)
	}
}

func seedBlinker(g *grid.Grid) {
	for col := 0; col < 3; col++ {
		_ = g.Set(1, col, true)
	}
}

func TestTickButtonDoesNotTickLocally(t *testing.T) {
	client := newFakeClient()
	g := grid.New(5)
	seedBlinker(g)
	var reported []int
	painter := &recordingPainter{}
	s := New(Config{
		Grid:    g,
		Painter: painter,
		Client:  client,
		Layout:  render.Layout{Width: 5, Height: 5, CellSize: render.CellSize},
		OnTicks: func(n int) { reported = append(reported, n) },
		Spawn:   func(fn func()) { fn() },
		Logger:  quiet,
	})

	s.Input.Tick()
	if got := client.messages(); len(got) != 1 || got[0] != (wire.Message{Tick: true, Cells: ""}) {
		t.Fatalf("unexpected publish %+v", got)
	}
	if !alive(t, g, 1, 0) || alive(t, g, 0, 1) || s.Loop.Ticks() != 0 {
		t.Fatal("grid advanced on click")
	}

	s.Post(func() {
		s.Loop.Apply(pubsub.Batch{Cursor: "1", Messages: []json.RawMessage{raw(t, wire.TickMessage())}})
	})
	s.Drain()

	for _, rc := range [][2]int{{0, 1}, {1, 1}, {2, 1}} {
		if !alive(t, g, rc[0], rc[1]) {
			t.Fatalf("expected %v alive after echoed tick", rc)
		}
	}
	if alive(t, g, 1, 0) || alive(t, g, 1, 2) {
		t.Fatal("blinker arms survived")
	}
	if s.Loop.Ticks() != 1 || len(reported) != 1 || reported[0] != 1 {
		t.Fatalf("unexpected tick count %d %v", s.Loop.Ticks(), reported)
	}
	if len(painter.alls) != 1 || painter.alls[0][0*5+1] != 1 || painter.alls[0][1*5+0] != 0 {
		t.Fatalf("expected one full repaint of the new generation, got %v", painter.alls)
	}
}

func TestTicksInOneBatchRepaintOnce(t *testing.T) {
	painter := &recordingPainter{}
	g := grid.New(5)
	seedBlinker(g)
	s := newTestSession(newFakeClient(), g, painter)
	tick := raw(t, wire.TickMessage())
	s.Post(func() {
		s.Loop.Apply(pubsub.Batch{Cursor: "2", Messages: []json.RawMessage{tick, tick}})
	})
	s.Drain()
	if s.Loop.Ticks() != 2 || len(painter.alls) != 1 {
		t.Fatalf("expected 2 ticks and 1 repaint, got %d %d", s.Loop.Ticks(), len(painter.alls))
	}
	// two generations of a blinker is the starting horizontal bar
	if painter.alls[0][1*5+0] != 1 || painter.alls[0][0*5+1] != 0 {
		t.Fatalf("repaint did not use the latest generation: %v", painter.alls[0])
	}
}

func TestApplyCellsInOrderAndSkipsMalformed(t *testing.T) {
	painter := &recordingPainter{}
	s := newTestSession(newFakeClient(), nil, painter)
	s.Loop.Apply(pubsub.Batch{Cursor: "9", Messages: []json.RawMessage{
		raw(t, wire.Message{Cells: "3 3 true 4 4 true"}),
		json.RawMessage(`{"tick":`),
		raw(t, wire.Message{Cells: "1 2"}),
		raw(t, wire.Message{Cells: "500 1 true"}),
		raw(t, wire.Message{Cells: "3 3 false 7 7 true"}),
	}})

	if s.Loop.Cursor() != "9" {
		t.Fatalf("cursor not stored: %q", s.Loop.Cursor())
	}
	if alive(t, s.Grid(), 3, 3) || !alive(t, s.Grid(), 4, 4) || !alive(t, s.Grid(), 7, 7) {
		t.Fatal("last writer did not win")
	}
	want := []drawCall{{3, 3, true}, {4, 4, true}, {3, 3, false}, {7, 7, true}}
	if len(painter.cells) != len(want) {
		t.Fatalf("got %v want %v", painter.cells, want)
	}
	for i := range want {
		if painter.cells[i] != want[i] {
			t.Fatalf("got %v want %v", painter.cells, want)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(time.Second * 5)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never became true")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCursorAdvancesAcrossResponses(t *testing.T) {
	client := newFakeClient()
	s := newTestSession(client, nil, nil)
	client.results <- subscribeResult{batch: pubsub.Batch{Cursor: "C1", Messages: []json.RawMessage{raw(t, wire.Message{Cells: "0 0 true"})}}}
	client.results <- subscribeResult{batch: pubsub.Batch{Cursor: "C2"}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Loop.Run(ctx, nil)
	}()
	waitFor(t, func() bool { return len(client.sentCursors()) == 3 })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected exit %v", err)
	}

	got := client.sentCursors()
	if got[0] != "" || got[1] != "C1" || got[2] != "C2" {
		t.Fatalf("unexpected cursors %v", got)
	}
	if !alive(t, s.Grid(), 0, 0) {
		t.Fatal("edit from first response not applied")
	}
}

func TestTransportFailureIsRetried(t *testing.T) {
	client := newFakeClient()
	s := newTestSession(client, nil, nil)
	client.results <- subscribeResult{err: pubsub.ErrTransport}
	client.results <- subscribeResult{err: pubsub.ErrTransport}
	client.results <- subscribeResult{batch: pubsub.Batch{Cursor: "C1"}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = s.Loop.Run(ctx, nil)
	}()
	waitFor(t, func() bool { return len(client.sentCursors()) == 4 })
	got := client.sentCursors()
	if got[0] != "" || got[1] != "" || got[2] != "" || got[3] != "C1" {
		t.Fatalf("unexpected cursors %v", got)
	}
}

func TestBackoff(t *testing.T) {
	b := &Backoff{Initial: time.Millisecond * 100, Max: time.Millisecond * 350}
	for _, want := range []time.Duration{100, 200, 350, 350} {
		if got := b.Next(); got != want*time.Millisecond {
			t.Fatalf("got %v want %v", got, want*time.Millisecond)
		}
	}
	b.Reset()
	if got := b.Next(); got != time.Millisecond*100 {
		t.Fatalf("reset did not restart: %v", got)
	}
}

func TestRunPaintsAndAppliesThroughMailbox(t *testing.T) {
	client := newFakeClient()
	painter := &recordingPainter{}
	s := newTestSession(client, nil, painter)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	client.results <- subscribeResult{batch: pubsub.Batch{Cursor: "1", Messages: []json.RawMessage{raw(t, wire.Message{Cells: "2 2 true"})}}}
	waitFor(t, func() bool { return len(client.sentCursors()) == 2 })

	var grids, cells int
	var cellAlive bool
	if err := s.Do(ctx, func() {
		grids, cells = painter.grids, len(painter.cells)
		cellAlive = alive(t, s.Grid(), 2, 2)
	}); err != nil {
		t.Fatal(err)
	}
	if grids != 1 || cells != 1 || !cellAlive {
		t.Fatalf("unexpected state grids=%d cells=%d alive=%v", grids, cells, cellAlive)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
