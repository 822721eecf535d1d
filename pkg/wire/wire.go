// Package wire holds the pending edit buffer and the text form edits take on the pub/sub topic.
package wire

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrMalformedBatch is returned when a cells string cannot be decoded into edits.
var ErrMalformedBatch = errors.New("malformed batch")

type EditKey struct {
	Row int
	Col int
}

type Edit struct {
	Key   EditKey
	Alive bool
}

// EditBuffer accumulates edits with at most one entry per coordinate. Keys keep the order they were first inserted
// in while values follow the last write.
type EditBuffer struct {
	order  []EditKey
	values map[EditKey]bool
}

func NewEditBuffer() *EditBuffer {
	return &EditBuffer{values: make(map[EditKey]bool)}
}

// BufferOf builds a buffer by putting each edit in order.
func BufferOf(edits []Edit) *EditBuffer {
	b := NewEditBuffer()
	for _, e := range edits {
		b.Put(e.Key, e.Alive)
	}
	return b
}

func (b *EditBuffer) Put(key EditKey, alive bool) {
	if _, ok := b.values[key]; !ok {
		b.order = append(b.order, key)
	}
	b.values[key] = alive
}

func (b *EditBuffer) Lookup(key EditKey) (alive bool, ok bool) {
	alive, ok = b.values[key]
	return
}

func (b *EditBuffer) Len() int {
	return len(b.order)
}

func (b *EditBuffer) Edits() []Edit {
	out := make([]Edit, 0, len(b.order))
	for _, k := range b.order {
		out = append(out, Edit{Key: k, Alive: b.values[k]})
	}
	return out
}

// Equal compares the two buffers as mappings, ignoring key order.
func (b *EditBuffer) Equal(other *EditBuffer) bool {
	if len(b.values) != len(other.values) {
		return false
	}
	for k, v := range b.values {
		if ov, ok := other.values[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

func (b *EditBuffer) Encode() string {
	return Encode(b.Edits())
}

// Encode renders edits as space separated "row col alive" triples.
func Encode(edits []Edit) string {
	var sb strings.Builder
	for i, e := range edits {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.Itoa(e.Key.Row))
		sb.WriteByte(' ')
		sb.WriteString(strconv.Itoa(e.Key.Col))
		sb.WriteByte(' ')
		sb.WriteString(strconv.FormatBool(e.Alive))
	}
	return sb.String()
}

// Decode parses the output of Encode. The empty string decodes to no edits.
func Decode(cells string) ([]Edit, error) {
	if cells == "" {
		return nil, nil
	}
	tokens := strings.Split(cells, " ")
	if len(tokens)%3 != 0 {
		return nil, errors.Wrapf(ErrMalformedBatch, "%d tokens is not a whole number of triples", len(tokens))
	}
	out := make([]Edit, 0, len(tokens)/3)
	for i := 0; i < len(tokens); i += 3 {
		row, err := strconv.Atoi(tokens[i])
		if err != nil || row < 0 {
			return nil, errors.Wrapf(ErrMalformedBatch, "bad row %q at token %d", tokens[i], i)
		}
		col, err := strconv.Atoi(tokens[i+1])
		if err != nil || col < 0 {
			return nil, errors.Wrapf(ErrMalformedBatch, "bad col %q at token %d", tokens[i+1], i+1)
		}
		var alive bool
		switch tokens[i+2] {
		case "true":
			alive = true
		case "false":
		default:
			return nil, errors.Wrapf(ErrMalformedBatch, "bad alive %q at token %d", tokens[i+2], i+2)
		}
		out = append(out, Edit{Key: EditKey{Row: row, Col: col}, Alive: alive})
	}
	return out, nil
}

// Message is the application payload carried on the topic. Tick messages carry no cells.
type Message struct {
	Tick  bool   `json:"tick"`
	Cells string `json:"cells"`
}

func TickMessage() Message {
	return Message{Tick: true}
}

func CellsMessage(b *EditBuffer) Message {
	return Message{Cells: b.Encode()}
}

// Edits decodes the cells of a batch message. Tick messages have none.
func (m Message) Edits() ([]Edit, error) {
	if m.Tick {
		return nil, nil
	}
	return Decode(m.Cells)
}
