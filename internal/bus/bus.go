package bus

import (
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"threadwatch/internal/logging"
)

// Bus is a synchronous publish-subscribe dispatcher. Handlers are keyed
// by their declared event type; a posted event is delivered to every
// handler whose declared type the event's runtime type is assignable to,
// so subscribing with an interface type receives all implementations.
//
// Publish never panics: handler panics are recovered and logged, and
// events without subscribers are dropped silently.
type Bus struct {
	mu     sync.RWMutex
	subs   map[reflect.Type][]*subscription
	nextID atomic.Uint64
}

type subscription struct {
	id      uint64
	declTyp reflect.Type
	deliver func(any)
}

// Subscription identifies a registered handler for later removal.
type Subscription struct {
	id  uint64
	typ reflect.Type
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[reflect.Type][]*subscription)}
}

// Subscribe registers fn for events assignable to T and returns a handle
// for Unsubscribe. T may be a concrete event struct or an interface.
func Subscribe[T any](b *Bus, fn func(T)) Subscription {
	declTyp := reflect.TypeOf((*T)(nil)).Elem()
	sub := &subscription{
		id:      b.nextID.Add(1),
		declTyp: declTyp,
		deliver: func(ev any) {
			if v, ok := ev.(T); ok {
				fn(v)
			}
		},
	}

	b.mu.Lock()
	b.subs[declTyp] = append(b.subs[declTyp], sub)
	b.mu.Unlock()

	return Subscription{id: sub.id, typ: declTyp}
}

// SubscribeChan registers a channel for events assignable to T. Sends are
// non-blocking; a full channel drops the event for that subscriber.
func SubscribeChan[T any](b *Bus, ch chan<- T) Subscription {
	return Subscribe(b, func(ev T) {
		select {
		case ch <- ev:
		default:
		}
	})
}

// Unsubscribe removes a previously registered handler. Delivery stops
// immediately; unknown handles are ignored.
func (b *Bus) Unsubscribe(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[s.typ]
	for i, sub := range list {
		if sub.id == s.id {
			b.subs[s.typ] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers ev synchronously to all matching subscribers in
// registration order.
func (b *Bus) Publish(ev any) {
	if ev == nil {
		return
	}
	evType := reflect.TypeOf(ev)

	// Token-stream events fire for every token; logging them would bury
	// everything else in the bus log.
	if !strings.Contains(evType.Name(), "AgentToken") {
		logging.Get(logging.CategoryBus).Debugw("publish", "type", evType.String())
	}

	b.mu.RLock()
	var matched []*subscription
	for declTyp, list := range b.subs {
		if assignable(evType, declTyp) {
			matched = append(matched, list...)
		}
	}
	b.mu.RUnlock()

	// Stable delivery order: overall registration order, not map order.
	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })

	for _, sub := range matched {
		b.dispatch(sub, ev)
	}
}

func (b *Bus) dispatch(sub *subscription, ev any) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryBus).Errorw("subscriber panic",
				"type", reflect.TypeOf(ev).String(), "panic", r)
		}
	}()
	sub.deliver(ev)
}

func assignable(evType, declTyp reflect.Type) bool {
	if evType == declTyp {
		return true
	}
	if declTyp.Kind() == reflect.Interface {
		return evType.Implements(declTyp)
	}
	return false
}
