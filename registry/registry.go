// Package registry holds the set of output sinks of every active chat
// session and delivers broadcast lines to them.
//
// Register, Unregister and Broadcast share one mutex, so a broadcast always
// sees a fixed membership and a sink removed by Unregister is never written
// to afterwards. The line write itself happens under the lock: a client that
// stops reading stalls every broadcast until its write returns or fails.
package registry

import (
	"sync"

	"github.com/cyberinferno/linechat/idgenerator"
	"github.com/cyberinferno/linechat/logger"
)

// Sink is the write end of one connected client.
type Sink interface {
	WriteLine(line string) error
}

// Handle identifies a registered sink. The zero Handle is never issued.
type Handle uint32

// Registry is the shared session membership. Create it with New.
type Registry struct {
	log   logger.Logger
	ids   *idgenerator.Generator
	mu    sync.Mutex
	sinks map[Handle]Sink
}

// New creates an empty Registry. Delivery failures are reported to log;
// a nil log discards them.
func New(log logger.Logger) *Registry {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Registry{
		log:   log,
		ids:   idgenerator.New(0),
		sinks: make(map[Handle]Sink),
	}
}

// Register adds sink and returns its handle. Registering the same sink twice
// yields two handles, and the sink then receives every line twice.
//
// Parameters:
//   - sink: The sink to add
//
// Returns:
//   - The handle to pass to Unregister
func (r *Registry) Register(sink Sink) Handle {
	h := Handle(r.ids.Next())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[h] = sink
	return h
}

// Unregister removes the sink registered under h. Unknown handles are
// ignored. When Unregister returns, no broadcast is writing to that sink.
//
// Parameters:
//   - h: The handle returned by Register
func (r *Registry) Unregister(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, h)
}

// Broadcast writes line to every registered sink. A failing sink is logged
// and skipped; the remaining sinks still receive the line. The failed sink
// stays registered until its owner unregisters it.
//
// Parameters:
//   - line: The text to deliver, without a trailing newline
//
// Returns:
//   - The number of sinks the line was written to successfully
func (r *Registry) Broadcast(line string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for h, sink := range r.sinks {
		if err := sink.WriteLine(line); err != nil {
			r.log.Warn("broadcast delivery failed",
				logger.Field{Key: "handle", Value: uint32(h)},
				logger.Field{Key: "error", Value: err.Error()})
			continue
		}

		delivered++
	}

	return delivered
}

// Len returns the number of registered sinks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sinks)
}

// Contains reports whether h is currently registered.
func (r *Registry) Contains(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sinks[h]
	return ok
}
