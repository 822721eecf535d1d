package grid

import (
	"github.com/pkg/errors"
)

// Cell is the state of one grid position. The byte values are exposed directly through Snapshot.
type Cell uint8

const (
	Dead  Cell = 0
	Alive Cell = 1
)

// CellOf converts a boolean liveness to a Cell.
func CellOf(alive bool) Cell {
	if alive {
		return Alive
	}
	return Dead
}

// ErrInvalidCoordinate is returned when a row or column falls outside the grid.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Grid is a fixed size square board of cells stored row-major with toroidal neighbours.
type Grid struct {
	width, height int
	cur           []byte
	nxt           []byte
}

// New returns a size x size grid of dead cells.
func New(size int) *Grid {
	if size <= 0 {
		panic("grid size must be positive")
	}
	return &Grid{width: size, height: size, cur: make([]byte, size*size), nxt: make([]byte, size*size)}
}

func (g *Grid) Width() int  { return g.width }
func (g *Grid) Height() int { return g.height }

func (g *Grid) check(row, col int) error {
	if row < 0 || row >= g.height || col < 0 || col >= g.width {
		return errors.Wrapf(ErrInvalidCoordinate, "(%d, %d) outside %dx%d grid", row, col, g.height, g.width)
	}
	return nil
}

// Set writes a single cell.
func (g *Grid) Set(row, col int, alive bool) error {
	if err := g.check(row, col); err != nil {
		return err
	}
	g.cur[row*g.width+col] = byte(CellOf(alive))
	return nil
}

// At reads a single cell.
func (g *Grid) At(row, col int) (Cell, error) {
	if err := g.check(row, col); err != nil {
		return Dead, err
	}
	return Cell(g.cur[row*g.width+col]), nil
}

// Snapshot returns the live cell buffer without copying. The slice is only valid until the next Tick, which swaps
// the backing storage.
func (g *Grid) Snapshot() []byte {
	return g.cur
}

// Population counts the live cells.
func (g *Grid) Population() int {
	n := 0
	for _, b := range g.cur {
		n += int(b)
	}
	return n
}

func (g *Grid) neighbours(row, col int) int {
	n := 0
	for dy := -1; dy <= 1; dy++ {
		y := (row + dy + g.height) % g.height
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			x := (col + dx + g.width) % g.width
			n += int(g.cur[y*g.width+x])
		}
	}
	return n
}

// Tick advances the grid by one generation: live cells with 2 or 3 neighbours survive, dead cells with exactly 3
// neighbours are born, everything else is dead.
func (g *Grid) Tick() {
	for row := 0; row < g.height; row++ {
		for col := 0; col < g.width; col++ {
			idx := row*g.width + col
			n := g.neighbours(row, col)
			switch {
			case n == 3:
				g.nxt[idx] = byte(Alive)
			case n == 2 && g.cur[idx] == byte(Alive):
				g.nxt[idx] = byte(Alive)
			default:
				g.nxt[idx] = byte(Dead)
			}
		}
	}
	g.cur, g.nxt = g.nxt, g.cur
}
