package render

import (
	"image"
	"image/color"
	"math"

	"github.com/fogleman/gg"
)

const (
	CellSize  = 5
	MapSize   = 128
	GridColor = "#CCCCCC"
	Black     = "#000000"
	Yellow    = "#FFFF00"
)

// Rect is the on-screen box a surface occupies, which may differ from its pixel size under CSS or DPI scaling.
type Rect struct {
	Left, Top     float64
	Width, Height float64
}

// Layout maps between grid cells and surface pixels. Cells are CellSize squares separated by 1 pixel borders.
type Layout struct {
	Width    int
	Height   int
	CellSize int
}

func DefaultLayout() Layout {
	return Layout{Width: MapSize, Height: MapSize, CellSize: CellSize}
}

func (l Layout) PixelWidth() int  { return (l.CellSize+1)*l.Width + 1 }
func (l Layout) PixelHeight() int { return (l.CellSize+1)*l.Height + 1 }

// CellOrigin returns the top left pixel of the cell interior.
func (l Layout) CellOrigin(row, col int) (x, y int) {
	return col*(l.CellSize+1) + 1, row*(l.CellSize+1) + 1
}

// CellAt maps a pointer position in client coordinates to the grid cell under it, clamped to the grid.
func (l Layout) CellAt(clientX, clientY float64, box Rect) (row, col int) {
	scaleX, scaleY := 1.0, 1.0
	if box.Width > 0 {
		scaleX = float64(l.PixelWidth()) / box.Width
	}
	if box.Height > 0 {
		scaleY = float64(l.PixelHeight()) / box.Height
	}
	px := (clientX - box.Left) * scaleX
	py := (clientY - box.Top) * scaleY
	col = clamp(int(math.Floor(px/float64(l.CellSize+1))), l.Width-1)
	row = clamp(int(math.Floor(py/float64(l.CellSize+1))), l.Height-1)
	return row, col
}

func clamp(v, maxValue int) int {
	if v < 0 {
		return 0
	}
	if v > maxValue {
		return maxValue
	}
	return v
}

// Canvas is a raster surface for the grid.
type Canvas struct {
	layout Layout
	dc     *gg.Context
}

func NewCanvas(layout Layout) *Canvas {
	dc := gg.NewContext(layout.PixelWidth(), layout.PixelHeight())
	dc.SetHexColor(Black)
	dc.Clear()
	return &Canvas{layout: layout, dc: dc}
}

func (c *Canvas) Layout() Layout {
	return c.layout
}

// DrawGrid paints the 1 pixel borders between cells.
func (c *Canvas) DrawGrid() {
	w, h := float64(c.layout.PixelWidth()), float64(c.layout.PixelHeight())
	step := float64(c.layout.CellSize + 1)
	for i := 0; i <= c.layout.Width; i++ {
		c.dc.DrawRectangle(float64(i)*step, 0, 1, h)
	}
	for j := 0; j <= c.layout.Height; j++ {
		c.dc.DrawRectangle(0, float64(j)*step, w, 1)
	}
	c.dc.SetHexColor(GridColor)
	c.dc.Fill()
}

func (c *Canvas) cellPath(row, col int) {
	x, y := c.layout.CellOrigin(row, col)
	c.dc.DrawRectangle(float64(x), float64(y), float64(c.layout.CellSize), float64(c.layout.CellSize))
}

// DrawCell repaints a single cell yellow when alive and black otherwise.
func (c *Canvas) DrawCell(row, col int, alive bool) {
	c.cellPath(row, col)
	if alive {
		c.dc.SetHexColor(Yellow)
	} else {
		c.dc.SetHexColor(Black)
	}
	c.dc.Fill()
}

// DrawAll repaints every cell from a row-major snapshot. Live and dead cells are each filled as one path.
func (c *Canvas) DrawAll(cells []byte) {
	for _, pass := range []struct {
		value byte
		color string
	}{{1, Yellow}, {0, Black}} {
		for idx, v := range cells {
			if v == pass.value {
				c.cellPath(idx/c.layout.Width, idx%c.layout.Width)
			}
		}
		c.dc.SetHexColor(pass.color)
		c.dc.Fill()
	}
}

func (c *Canvas) Image() image.Image {
	return c.dc.Image()
}

// ColorAt reads back a surface pixel.
func (c *Canvas) ColorAt(x, y int) color.RGBA {
	r, g, b, a := c.dc.Image().At(x, y).RGBA()
	return color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: uint8(a >> 8)}
}
