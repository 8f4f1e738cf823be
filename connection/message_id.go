package connection

import (
	"math"
	"sync"
)

// MessageIDGenerator hands out message ids for outgoing packet sequences.
// Ids increase monotonically and wrap from the int32 maximum back to zero.
// Safe for use from multiple writers.
type MessageIDGenerator struct {
	mu   sync.Mutex
	next int32
}

// Next returns the next message id.
func (g *MessageIDGenerator) Next() int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.next
	if g.next == math.MaxInt32 {
		g.next = 0
	} else {
		g.next++
	}
	return id
}
