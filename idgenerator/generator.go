// Package idgenerator hands out uint32 identifiers for connections and
// registry handles.
package idgenerator

import "sync/atomic"

// Generator produces increasing non-zero uint32 ids and is safe for
// concurrent use. Zero is never returned, so callers can use it as the
// "no id" value. After the counter wraps, numbering restarts at 1.
type Generator struct {
	last atomic.Uint32
}

// New creates a Generator whose first Next() returns start+1 (or 1 when
// start is the maximum uint32).
//
// Parameters:
//   - start: The value the counter begins at
//
// Returns:
//   - A new Generator
func New(start uint32) *Generator {
	g := &Generator{}
	g.last.Store(start)
	return g
}

// Next returns the next id.
//
// Returns:
//   - A non-zero uint32 id
func (g *Generator) Next() uint32 {
	for {
		if id := g.last.Add(1); id != 0 {
			return id
		}
	}
}

// Last returns the most recently issued id, or the start value if Next has
// not been called.
func (g *Generator) Last() uint32 {
	return g.last.Load()
}
