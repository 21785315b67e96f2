package acinfinity

import (
	"slices"
	"sync"
)

// observers is a subscription registry of no-argument callbacks.
type observers struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func()
}

// register adds fn and returns a function removing it. Calling the returned
// function more than once is harmless.
func (o *observers) register(fn func()) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[uint64]func())
	}
	id := o.next
	o.next++
	o.fns[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.fns, id)
	}
}

// notify calls every callback in registration order, outside the lock so
// callbacks may read device state or unsubscribe.
func (o *observers) notify() {
	o.mu.Lock()
	ids := make([]uint64, 0, len(o.fns))
	for id := range o.fns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, o.fns[id])
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
