package session

import "time"

// Backoff doubles the retry delay after each consecutive failure up to Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	current time.Duration
}

func (b *Backoff) Next() time.Duration {
	switch {
	case b.current == 0:
		b.current = b.Initial
	case b.current < b.Max:
		b.current *= 2
	}
	if b.Max > 0 && b.current > b.Max {
		b.current = b.Max
	}
	return b.current
}

func (b *Backoff) Reset() {
	b.current = 0
}
