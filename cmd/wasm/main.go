//go:build js && wasm

// The browser build. It expects a page with a canvas #game-of-life-canvas, a status paragraph #p1, a #tick button,
// a #color_btn button and a #user_color swatch, and a broker serving the same origin.
package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"syscall/js"

	"github.com/astromechza/gol-pubsub/pkg/grid"
	"github.com/astromechza/gol-pubsub/pkg/pubsub"
	"github.com/astromechza/gol-pubsub/pkg/render"
	"github.com/astromechza/gol-pubsub/pkg/session"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// canvasPainter draws onto a 2d canvas context.
type canvasPainter struct {
	ctx    js.Value
	layout render.Layout
}

func (p *canvasPainter) DrawGrid() {
	step := p.layout.CellSize + 1
	p.ctx.Set("fillStyle", render.GridColor)
	for i := 0; i <= p.layout.Width; i++ {
		p.ctx.Call("fillRect", i*step, 0, 1, p.layout.PixelHeight())
	}
	for j := 0; j <= p.layout.Height; j++ {
		p.ctx.Call("fillRect", 0, j*step, p.layout.PixelWidth(), 1)
	}
}

func (p *canvasPainter) fillCell(row, col int) {
	x, y := p.layout.CellOrigin(row, col)
	p.ctx.Call("fillRect", x, y, p.layout.CellSize, p.layout.CellSize)
}

func (p *canvasPainter) DrawCell(row, col int, alive bool) {
	if alive {
		p.ctx.Set("fillStyle", render.Yellow)
	} else {
		p.ctx.Set("fillStyle", render.Black)
	}
	p.fillCell(row, col)
}

func (p *canvasPainter) DrawAll(cells []byte) {
	// live cells first, then dead, so fillStyle changes twice per repaint
	for _, pass := range []struct {
		value byte
		color string
	}{{1, render.Yellow}, {0, render.Black}} {
		p.ctx.Set("fillStyle", pass.color)
		for idx, v := range cells {
			if v == pass.value {
				p.fillCell(idx/p.layout.Width, idx%p.layout.Width)
			}
		}
	}
}

// animationFrames defers repaints to requestAnimationFrame and hands them back to the session.
type animationFrames struct {
	pending func()
	handle  js.Func
}

func (f *animationFrames) RequestFrame(fn func()) {
	first := f.pending == nil
	f.pending = fn
	if first {
		js.Global().Call("requestAnimationFrame", f.handle)
	}
}

func mainInner() error {
	document := js.Global().Get("document")
	canvas := document.Call("getElementById", "game-of-life-canvas")
	status := document.Call("getElementById", "p1")
	colorBtn := document.Call("getElementById", "color_btn")
	swatch := document.Call("getElementById", "user_color")

	layout := render.DefaultLayout()
	canvas.Set("width", layout.PixelWidth())
	canvas.Set("height", layout.PixelHeight())

	origin := js.Global().Get("location").Get("origin").String()
	baseUrl, err := url.Parse(origin)
	if err != nil {
		return err
	}
	client := pubsub.NewHTTPClient(baseUrl, "demo", "demo")

	frames := &animationFrames{}
	s := session.New(session.Config{
		Grid:    grid.New(render.MapSize),
		Painter: &canvasPainter{ctx: canvas.Call("getContext", "2d"), layout: layout},
		Client:  client,
		Layout:  layout,
		Bounds: func() render.Rect {
			r := canvas.Call("getBoundingClientRect")
			return render.Rect{
				Left:   r.Get("left").Float(),
				Top:    r.Get("top").Float(),
				Width:  r.Get("width").Float(),
				Height: r.Get("height").Float(),
			}
		},
		OnTicks: func(ticks int) {
			status.Set("innerHTML", render.StatusText(ticks))
		},
		OnBrush: func(brush grid.Cell) {
			if brush == grid.Alive {
				swatch.Get("style").Set("backgroundColor", render.Yellow)
				colorBtn.Set("innerHTML", "Choose Black")
			} else {
				swatch.Get("style").Set("backgroundColor", render.Black)
				colorBtn.Set("innerHTML", "Choose Yellow")
			}
		},
		Frames: frames,
	})
	frames.handle = js.FuncOf(func(this js.Value, args []js.Value) any {
		s.Post(func() {
			if fn := frames.pending; fn != nil {
				frames.pending = nil
				fn()
			}
		})
		return nil
	})

	pointer := func(handle func(x, y float64)) js.Func {
		return js.FuncOf(func(this js.Value, args []js.Value) any {
			x, y := args[0].Get("clientX").Float(), args[0].Get("clientY").Float()
			s.Post(func() { handle(x, y) })
			return nil
		})
	}
	canvas.Call("addEventListener", "mousedown", pointer(s.Input.PointerDown))
	canvas.Call("addEventListener", "mousemove", pointer(s.Input.PointerMove))
	canvas.Call("addEventListener", "mouseup", js.FuncOf(func(this js.Value, args []js.Value) any {
		s.Post(s.Input.PointerUp)
		return nil
	}))
	document.Call("getElementById", "tick").Set("onclick", js.FuncOf(func(this js.Value, args []js.Value) any {
		s.Post(s.Input.Tick)
		return nil
	}))
	colorBtn.Set("onclick", js.FuncOf(func(this js.Value, args []js.Value) any {
		s.Post(func() { s.Input.ToggleBrush() })
		return nil
	}))

	// the page owns our lifetime so the session is never cancelled
	return s.Run(context.Background())
}
