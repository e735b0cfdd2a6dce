package client

import (
	"sync"

	"github.com/pengwow/quantcell-realtime/internal/shared/messaging"
)

// Handler receives one decoded envelope. Handlers run on the read
// goroutine and must not block or call Close.
type Handler func(messaging.Envelope)

type observer struct {
	id uint64
	fn Handler
}

// observers maps a key to handlers in registration order. Topics are never
// empty, so the empty key holds the error handlers.
type observers struct {
	mu     sync.RWMutex
	nextID uint64
	byKey  map[string][]observer
}

const errorKey = ""

func newObservers() *observers {
	return &observers{byKey: make(map[string][]observer)}
}

// add registers fn under key and returns an idempotent unregister func.
func (o *observers) add(key string, fn Handler) func() {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.byKey[key] = append(o.byKey[key], observer{id: id, fn: fn})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { o.remove(key, id) })
	}
}

func (o *observers) remove(key string, id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	list := o.byKey[key]
	for i, obs := range list {
		if obs.id != id {
			continue
		}
		next := make([]observer, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(o.byKey, key)
		} else {
			o.byKey[key] = next
		}
		return
	}
}

// notify calls every handler for key outside the lock, so a handler may
// register or unregister without deadlocking.
func (o *observers) notify(key string, env messaging.Envelope) int {
	o.mu.RLock()
	list := o.byKey[key]
	o.mu.RUnlock()

	for _, obs := range list {
		obs.fn(env)
	}
	return len(list)
}

func (o *observers) count(key string) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.byKey[key])
}
