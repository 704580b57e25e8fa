// Package notify is the update notification hub: observers register for one
// cruise or for every cruise, and a signal wakes them synchronously.
package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"cruisectl/internal/eventbus"
	logx "cruisectl/pkg/logx"
)

// Wildcard is the scope that matches every cruise.
const Wildcard = ""

// Update is what a callback receives.
type Update struct {
	// Cruise is the id passed to SignalUpdate; Wildcard for a global signal.
	Cruise string
	// Args are the arguments given at registration.
	Args map[string]any
}

// Callback observes updates. A returned error or a panic is logged and
// counted; it never stops the fan-out.
type Callback func(ctx context.Context, u Update) error

// Registration identifies one OnUpdate call.
type Registration struct {
	id    uint64
	scope string
}

// Scope returns the cruise id the registration is bound to (Wildcard for all).
func (r Registration) Scope() string { return r.scope }

type entry struct {
	id   uint64
	fn   Callback
	args map[string]any
}

// Stats is a point-in-time snapshot of hub counters.
type Stats struct {
	Registrations int
	Signals       uint64
	Invocations   uint64
	Failures      uint64
}

// Hub fans update signals out to registered callbacks.
//
// Callbacks run on the signalling goroutine, without the hub lock held, so a
// callback may register further callbacks or read the store.
type Hub struct {
	mu     sync.Mutex
	seq    uint64
	scoped map[string][]entry
	wild   []entry

	log logx.Logger
	bus eventbus.Bus

	signals     atomic.Uint64
	invocations atomic.Uint64
	failures    atomic.Uint64
}

type Option func(*Hub)

// WithBus also publishes every signal as an eventbus.TypeCruiseUpdated event.
func WithBus(b eventbus.Bus) Option { return func(h *Hub) { h.bus = b } }

func New(log logx.Logger, opts ...Option) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Hub{scoped: map[string][]entry{}, log: log}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	return h
}

// OnUpdate registers fn for cruiseID (Wildcard for every cruise).
// Registrations accumulate; registering the same fn twice calls it twice.
func (h *Hub) OnUpdate(cruiseID string, fn Callback, args map[string]any) Registration {
	if args == nil {
		args = map[string]any{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	e := entry{id: h.seq, fn: fn, args: args}
	if cruiseID == Wildcard {
		h.wild = append(h.wild, e)
	} else {
		h.scoped[cruiseID] = append(h.scoped[cruiseID], e)
	}
	return Registration{id: e.id, scope: cruiseID}
}

// Remove drops a single registration. It reports whether it was present.
func (h *Hub) Remove(r Registration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r.scope == Wildcard {
		var ok bool
		h.wild, ok = without(h.wild, r.id)
		return ok
	}
	list, ok := without(h.scoped[r.scope], r.id)
	if len(list) == 0 {
		delete(h.scoped, r.scope)
	} else {
		h.scoped[r.scope] = list
	}
	return ok
}

// Forget drops every registration scoped to cruiseID and returns how many
// there were. Wildcard registrations are never forgotten.
func (h *Hub) Forget(cruiseID string) int {
	if cruiseID == Wildcard {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.scoped[cruiseID])
	delete(h.scoped, cruiseID)
	return n
}

// SignalUpdate invokes the callbacks registered for cruiseID, then the
// wildcard callbacks, each group in registration order. It returns the
// number of callbacks that failed.
func (h *Hub) SignalUpdate(ctx context.Context, cruiseID string) int {
	h.mu.Lock()
	var exact []entry
	if cruiseID != Wildcard {
		exact = append(exact, h.scoped[cruiseID]...)
	}
	wild := append([]entry(nil), h.wild...)
	h.mu.Unlock()

	h.signals.Add(1)
	failed := 0
	for _, pass := range [][]entry{exact, wild} {
		for _, e := range pass {
			if err := h.invoke(ctx, e, Update{Cruise: cruiseID, Args: e.args}); err != nil {
				failed++
				h.failures.Add(1)
				h.log.Error("update callback failed",
					logx.String("cruise", cruiseID),
					logx.Uint64("registration", e.id),
					logx.Err(err),
				)
			}
		}
	}

	h.log.Debug("update signalled",
		logx.String("cruise", cruiseID),
		logx.Int("callbacks", len(exact)+len(wild)),
		logx.Int("failed", failed),
	)
	if h.bus != nil {
		h.bus.Publish(eventbus.Event{
			Type:   eventbus.TypeCruiseUpdated,
			Cruise: cruiseID,
			Data:   map[string]any{"callbacks": len(exact) + len(wild), "failed": failed},
		})
	}
	return failed
}

func (h *Hub) invoke(ctx context.Context, e entry, u Update) (err error) {
	h.invocations.Add(1)
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("update callback panicked",
				logx.Uint64("registration", e.id),
				logx.Stack(logx.StackTrace(3, 24)),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.fn(ctx, u)
}

// Stats returns the hub counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	n := len(h.wild)
	for _, list := range h.scoped {
		n += len(list)
	}
	h.mu.Unlock()
	return Stats{
		Registrations: n,
		Signals:       h.signals.Load(),
		Invocations:   h.invocations.Load(),
		Failures:      h.failures.Load(),
	}
}

func without(list []entry, id uint64) ([]entry, bool) {
	for i, e := range list {
		if e.id == id {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}
